package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel    string    `yaml:"log_level"`
	MetricsAddr string    `yaml:"metrics_addr"`
	Redis       Redis     `yaml:"redis"`
	Queues      Queues    `yaml:"queues"`
	Mailbox     Mailbox   `yaml:"mailbox"`
	Extractor   Extractor `yaml:"extractor"`
	Notify      Notify    `yaml:"notify"`
	Sink        Sink      `yaml:"sink"`
}

// Redis locates the queue store. URL wins over Addr when both are set.
type Redis struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Queues names the hand-off lists.
type Queues struct {
	RawMail             string `yaml:"raw_mail"`
	Transactions        string `yaml:"transactions"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// PollInterval returns the empty-queue poll interval, defaulting to 1s.
func (q *Queues) PollInterval() time.Duration {
	if q.PollIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// Mailbox describes the watched receipts folder.
type Mailbox struct {
	Name                  string `yaml:"name"`
	Protocol              string `yaml:"protocol"` // "imap" or "pop3"
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	UseTLS                bool   `yaml:"use_tls"`
	Folder                string `yaml:"folder"`
	StateDir              string `yaml:"state_dir"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
	RetryDelaySeconds     int    `yaml:"retry_delay_seconds"`
	IdleTimeoutMinutes    int    `yaml:"idle_timeout_minutes"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"` // POP3 only
}

// GetFolder returns the folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// GetName returns the account label, defaulting to the username.
func (m *Mailbox) GetName() string {
	if m.Name == "" {
		return m.Username
	}
	return m.Name
}

// GetStateDir returns where the folder cursor is kept, defaulting to "state".
func (m *Mailbox) GetStateDir() string {
	if m.StateDir == "" {
		return "state"
	}
	return m.StateDir
}

// ReconnectDelay returns the pause after a lost connection, defaulting to 5s.
func (m *Mailbox) ReconnectDelay() time.Duration {
	if m.ReconnectDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.ReconnectDelaySeconds) * time.Second
}

// RetryDelay returns the pause after any other failure, defaulting to 1s.
func (m *Mailbox) RetryDelay() time.Duration {
	if m.RetryDelaySeconds <= 0 {
		return time.Second
	}
	return time.Duration(m.RetryDelaySeconds) * time.Second
}

// IdleTimeout bounds one IDLE command, defaulting to 25 minutes.
func (m *Mailbox) IdleTimeout() time.Duration {
	if m.IdleTimeoutMinutes <= 0 {
		return 25 * time.Minute
	}
	return time.Duration(m.IdleTimeoutMinutes) * time.Minute
}

// PollInterval returns the POP3 re-login interval, defaulting to 60s.
func (m *Mailbox) PollInterval() time.Duration {
	if m.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// Extractor configures the chat completion endpoint.
type Extractor struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	Timezone          string `yaml:"timezone"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// Timeout returns the per-request timeout, defaulting to 60s.
func (e *Extractor) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Location loads the zone offset-naive receipt dates are interpreted in.
func (e *Extractor) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", e.Timezone, err)
	}
	return loc, nil
}

// Notify holds the SMTP server used for dead-letter notifications.
type Notify struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UseTLS         bool   `yaml:"use_tls"`
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout bounds one notification delivery, defaulting to 30s.
func (n *Notify) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Sink configures the Postgres persistence stage.
type Sink struct {
	DSN               string `yaml:"dsn"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
}

// RetryDelay returns the pause between insert attempts, defaulting to 5s.
func (s *Sink) RetryDelay() time.Duration {
	if s.RetryDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// Load reads a YAML configuration file. ${VAR} references are expanded from
// the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Redis:    Redis{Addr: "localhost:6379"},
		Queues: Queues{
			RawMail:      "mail_queue",
			Transactions: "transactions",
		},
		Mailbox: Mailbox{
			Protocol: "imap",
			UseTLS:   true,
		},
		Extractor: Extractor{
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "openai/gpt-4.1-nano",
			Timezone: "Europe/Moscow",
		},
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}
	if c.Queues.RawMail == "" || c.Queues.Transactions == "" {
		return fmt.Errorf("queues.raw_mail and queues.transactions must not be empty")
	}
	if c.Queues.RawMail == c.Queues.Transactions {
		return fmt.Errorf("queues.raw_mail and queues.transactions must differ")
	}
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.url or redis.addr is required")
	}
	if c.Notify.Enabled {
		if c.Notify.Host == "" || c.Notify.Port == 0 {
			return fmt.Errorf("notify: host and port are required")
		}
		if c.Notify.To == "" {
			return fmt.Errorf("notify.to is required")
		}
		if c.Notify.From == "" && c.Notify.Username == "" {
			return fmt.Errorf("notify.from or notify.username is required")
		}
	}
	return nil
}

// ValidateWatch checks what the mailbox watcher needs.
func (c *Config) ValidateWatch() error {
	m := c.Mailbox
	if m.Protocol != "pop3" && m.Protocol != "imap" {
		return fmt.Errorf("mailbox: protocol must be pop3 or imap")
	}
	if m.Host == "" {
		return fmt.Errorf("mailbox.host is required")
	}
	if m.Port == 0 {
		return fmt.Errorf("mailbox.port is required")
	}
	if m.Username == "" || m.Password == "" {
		return fmt.Errorf("mailbox: username and password are required")
	}
	return nil
}

// ValidateExtract checks what the extraction worker needs.
func (c *Config) ValidateExtract() error {
	if c.Extractor.APIKey == "" {
		return fmt.Errorf("extractor.api_key is required")
	}
	if c.Extractor.BaseURL == "" {
		return fmt.Errorf("extractor.base_url is required")
	}
	if _, err := c.Extractor.Location(); err != nil {
		return fmt.Errorf("extractor: %w", err)
	}
	return nil
}

// ValidateSink checks what the persistence sink needs.
func (c *Config) ValidateSink() error {
	if c.Sink.DSN == "" {
		return fmt.Errorf("sink.dsn is required")
	}
	return nil
}
