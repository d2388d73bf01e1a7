package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPDialer opens IMAP/IMAPS sessions on one folder.
type IMAPDialer struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	folder   string
	logger   *slog.Logger
}

// NewIMAP creates a new IMAP dialer.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, logger *slog.Logger) *IMAPDialer {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPDialer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		folder:   folder,
		logger:   logger,
	}
}

// imapDialTimeout bounds the TCP connect and TLS handshake.
const imapDialTimeout = 30 * time.Second

func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))

	dialer := net.Dialer{Timeout: imapDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	if d.useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	// EXISTS responses arrive as unilateral data, mostly while idling.
	updates := make(chan struct{}, 1)
	client := imapclient.New(conn, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case updates <- struct{}{}:
				default:
				}
			},
		},
	})

	// Login and SELECT must not outlive ctx.
	stop := context.AfterFunc(ctx, func() { client.Close() })

	if err := client.Login(d.username, d.password).Wait(); err != nil {
		stop()
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", d.username, err)
	}

	data, err := client.Select(d.folder, nil).Wait()
	if err != nil {
		stop()
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w", d.folder, err)
	}
	if !stop() {
		return nil, fmt.Errorf("imap connect %s: %w", addr, ctx.Err())
	}

	d.logger.Info("imap session ready",
		"folder", d.folder,
		"messages", data.NumMessages,
		"uid_validity", data.UIDValidity,
		"uid_next", data.UIDNext,
	)

	return &imapSession{
		client:   client,
		folder:   d.folder,
		validity: data.UIDValidity,
		uidNext:  uint32(data.UIDNext),
		updates:  updates,
	}, nil
}

type imapSession struct {
	client   *imapclient.Client
	folder   string
	validity uint32
	uidNext  uint32
	updates  chan struct{}
}

func (s *imapSession) Validity() uint32 { return s.validity }

func (s *imapSession) UIDNext() uint32 { return s.uidNext }

func (s *imapSession) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	// An EXISTS seen during a previous command counts as new mail.
	select {
	case <-s.updates:
		return true, nil
	default:
	}

	cmd, err := s.client.Idle()
	if err != nil {
		return false, fmt.Errorf("imap idle: %w", err)
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var (
		got     bool
		waitErr error
	)
	select {
	case <-s.updates:
		got = true
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-s.client.Closed():
		return false, ErrConnectionClosed
	}

	if err := cmd.Close(); err != nil {
		return got, fmt.Errorf("imap idle done: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return got, fmt.Errorf("imap idle: %w", err)
	}
	return got, waitErr
}

func (s *imapSession) FetchAfter(_ context.Context, uid uint32) ([]Raw, error) {
	// "n:*" always matches the highest UID, even when it is below n.
	set := imap.UIDSet{imap.UIDRange{Start: imap.UID(uid + 1), Stop: 0}}
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	buffers, err := s.client.Fetch(set, fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s uid>%d: %w", s.folder, uid, err)
	}

	raws := make([]Raw, 0, len(buffers))
	for _, buf := range buffers {
		if uint32(buf.UID) <= uid {
			continue
		}
		raws = append(raws, Raw{
			UID:  uint32(buf.UID),
			Data: buf.FindBodySection(bodySection),
		})
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].UID < raws[j].UID })
	return raws, nil
}

func (s *imapSession) Close() error {
	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return closeErr
}
