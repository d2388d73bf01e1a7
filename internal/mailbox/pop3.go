package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	pop3client "github.com/knadh/go-pop3"
)

// pop3Validity is reported for every POP3 session: message numbers are the
// only identifiers and they stay comparable as long as nothing is deleted.
const pop3Validity = 1

// POP3Dialer opens POP3/POP3S sessions. POP3 has no push notification and
// freezes the maildrop at login, so Idle re-logs-in every poll interval.
type POP3Dialer struct {
	host         string
	port         int
	username     string
	password     string
	useTLS       bool
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewPOP3 creates a new POP3 dialer.
func NewPOP3(host string, port int, username, password string, useTLS bool, pollInterval time.Duration, logger *slog.Logger) *POP3Dialer {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &POP3Dialer{
		host:         host,
		port:         port,
		username:     username,
		password:     password,
		useTLS:       useTLS,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (d *POP3Dialer) Dial(_ context.Context) (Session, error) {
	client := pop3client.New(pop3client.Opt{
		Host:       d.host,
		Port:       d.port,
		TLSEnabled: d.useTLS,
	})
	s := &pop3Session{dialer: d, client: client}
	if err := s.login(); err != nil {
		return nil, err
	}
	d.logger.Info("pop3 session ready", "messages", s.count)
	return s, nil
}

type pop3Session struct {
	dialer *POP3Dialer
	client *pop3client.Client
	conn   *pop3client.Conn
	count  int
}

func (s *pop3Session) login() error {
	addr := net.JoinHostPort(s.dialer.host, fmt.Sprintf("%d", s.dialer.port))

	conn, err := s.client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	if err := conn.Auth(s.dialer.username, s.dialer.password); err != nil {
		_ = conn.Quit()
		return fmt.Errorf("pop3 auth %s: %w", s.dialer.username, err)
	}
	count, _, err := conn.Stat()
	if err != nil {
		_ = conn.Quit()
		return fmt.Errorf("pop3 stat: %w", err)
	}
	s.conn = conn
	s.count = count
	return nil
}

func (s *pop3Session) Validity() uint32 { return pop3Validity }

func (s *pop3Session) UIDNext() uint32 { return uint32(s.count) + 1 }

func (s *pop3Session) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	for {
		wait := s.dialer.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, ctx.Err()
			case <-t.C:
			}
		}

		before := s.count
		_ = s.conn.Quit()
		if err := s.login(); err != nil {
			return false, err
		}
		if s.count > before {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
	}
}

func (s *pop3Session) FetchAfter(_ context.Context, uid uint32) ([]Raw, error) {
	var raws []Raw
	for n := int(uid) + 1; n <= s.count; n++ {
		buf, err := s.conn.RetrRaw(n)
		if err != nil {
			return nil, fmt.Errorf("pop3 retrieve %d: %w", n, err)
		}
		raws = append(raws, Raw{UID: uint32(n), Data: buf.Bytes()})
	}
	return raws, nil
}

func (s *pop3Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Quit()
}
