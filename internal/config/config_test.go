package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mailbox:\n  host: imap.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "info" || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("top-level defaults = %+v", cfg)
	}
	if cfg.Queues.RawMail != "mail_queue" || cfg.Queues.Transactions != "transactions" {
		t.Errorf("queue names = %+v", cfg.Queues)
	}
	if cfg.Queues.PollInterval() != time.Second {
		t.Errorf("poll interval = %v", cfg.Queues.PollInterval())
	}
	if cfg.Mailbox.Protocol != "imap" || !cfg.Mailbox.UseTLS || cfg.Mailbox.GetFolder() != "INBOX" {
		t.Errorf("mailbox defaults = %+v", cfg.Mailbox)
	}
	if cfg.Mailbox.ReconnectDelay() != 5*time.Second || cfg.Mailbox.RetryDelay() != time.Second || cfg.Mailbox.IdleTimeout() != 25*time.Minute {
		t.Errorf("mailbox delays = %v %v %v", cfg.Mailbox.ReconnectDelay(), cfg.Mailbox.RetryDelay(), cfg.Mailbox.IdleTimeout())
	}
	if cfg.Extractor.Model != "openai/gpt-4.1-nano" || cfg.Extractor.Timezone != "Europe/Moscow" {
		t.Errorf("extractor defaults = %+v", cfg.Extractor)
	}
	if cfg.Sink.RetryDelay() != 5*time.Second {
		t.Errorf("sink retry delay = %v", cfg.Sink.RetryDelay())
	}
	if cfg.Notify.Timeout() != 30*time.Second {
		t.Errorf("notify timeout = %v", cfg.Notify.Timeout())
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("RF_IMAP_PASSWORD", "s3cret")
	t.Setenv("RF_API_KEY", "sk-test")

	cfg, err := Parse([]byte(`
mailbox:
  host: imap.yandex.ru
  port: 993
  username: me@yandex.ru
  password: ${RF_IMAP_PASSWORD}
  folder: Receipts
extractor:
  api_key: $RF_API_KEY
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mailbox.Password != "s3cret" || cfg.Extractor.APIKey != "sk-test" {
		t.Errorf("secrets not expanded: %q %q", cfg.Mailbox.Password, cfg.Extractor.APIKey)
	}
	if err := cfg.ValidateWatch(); err != nil {
		t.Errorf("ValidateWatch: %v", err)
	}
	if err := cfg.ValidateExtract(); err != nil && !strings.Contains(err.Error(), "timezone") {
		t.Errorf("ValidateExtract: %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "log level", yaml: "log_level: verbose\n", want: "log_level"},
		{name: "same queues", yaml: "queues:\n  raw_mail: q\n  transactions: q\n", want: "must differ"},
		{name: "notify without recipient", yaml: "notify:\n  enabled: true\n  host: smtp\n  port: 25\n  username: bot\n", want: "notify.to"},
		{name: "bad yaml", yaml: "mailbox: [", want: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPerCommandValidation(t *testing.T) {
	cfg, err := Parse([]byte("extractor:\n  timezone: Mars/Olympus\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.ValidateWatch(); err == nil {
		t.Error("ValidateWatch accepted a config without mailbox host")
	}
	if err := cfg.ValidateExtract(); err == nil {
		t.Error("ValidateExtract accepted an unknown timezone")
	}
	if err := cfg.ValidateSink(); err == nil {
		t.Error("ValidateSink accepted a config without dsn")
	}

	cfg.Mailbox = Mailbox{Protocol: "smtp", Host: "h", Port: 1, Username: "u", Password: "p"}
	if err := cfg.ValidateWatch(); err == nil || !strings.Contains(err.Error(), "protocol") {
		t.Errorf("ValidateWatch(smtp) = %v", err)
	}
}
