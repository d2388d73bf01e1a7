// Package notify e-mails an operator about dead-lettered items.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/receiptflow/internal/queue"
)

// Options configure the outgoing SMTP server and addresses.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	From     string // defaults to Username
	To       string
	// Timeout bounds one delivery from dial to QUIT. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds a delivery when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// SendFunc delivers msg to the SMTP envelope recipients.
type SendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Notifier sends one message per dead letter. Items dropped while parsing
// carry their original MIME source, which is forwarded as-is with
// X-Receiptflow-* headers; everything else gets a plain-text report.
type Notifier struct {
	opts   Options
	logger *slog.Logger
	send   SendFunc
}

// New creates a Notifier that delivers over SMTP.
func New(opts Options, logger *slog.Logger) *Notifier {
	if opts.From == "" {
		opts.From = opts.Username
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	n := &Notifier{opts: opts, logger: logger}
	n.send = n.deliver
	return n
}

// NotifyDeadLetter implements queue.Notifier. The delivery gives up when ctx
// ends or after Options.Timeout, whichever comes first.
func (n *Notifier) NotifyDeadLetter(ctx context.Context, d queue.DeadLetter) error {
	var (
		msg []byte
		err error
	)
	if len(d.Raw) > 0 {
		msg = n.forward(d)
	} else {
		msg, err = n.report(d)
		if err != nil {
			return fmt.Errorf("compose report %s: %w", d.ID, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()
	if err := n.send(ctx, n.opts.From, []string{n.opts.To}, msg); err != nil {
		return fmt.Errorf("notify %s: %w", n.opts.To, err)
	}
	n.logger.Info("dead letter reported", "dead_letter_id", d.ID, "stage", d.Stage, "to", n.opts.To)
	return nil
}

// forward prepends diagnostic headers to the original message.
func (n *Notifier) forward(d queue.DeadLetter) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "X-Receiptflow-Stage: %s\r\n", d.Stage)
	fmt.Fprintf(&b, "X-Receiptflow-Cause: %s\r\n", headerValue(d.Cause))
	fmt.Fprintf(&b, "X-Receiptflow-Dead-Letter-ID: %s\r\n", d.ID)
	fmt.Fprintf(&b, "X-Receiptflow-Failed-At: %s\r\n", d.FailedAt.UTC().Format(time.RFC3339))
	b.Write(d.Raw)
	return b.Bytes()
}

// report builds a plain-text message describing d.
func (n *Notifier) report(d queue.DeadLetter) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "receiptflow", Address: n.opts.From}})
	h.SetAddressList("To", []*mail.Address{{Address: n.opts.To}})
	h.SetSubject(fmt.Sprintf("receiptflow: item dropped at %s", d.Stage))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Receiptflow-Stage", d.Stage)
	h.Set("X-Receiptflow-Cause", headerValue(d.Cause))
	h.Set("X-Receiptflow-Dead-Letter-ID", d.ID)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&b, h)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "Queue:       %s\n", d.Queue)
	fmt.Fprintf(w, "Dead letter: %s (%s)\n", d.ID, queue.DeadLetterName(d.Queue))
	fmt.Fprintf(w, "Stage:       %s\n", d.Stage)
	fmt.Fprintf(w, "Message-ID:  %s\n", d.MessageID)
	fmt.Fprintf(w, "Failed at:   %s\n", d.FailedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Cause:       %s\n", d.Cause)
	if body := d.Body(); len(body) > 0 {
		fmt.Fprintf(w, "\n%s\n", body)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// headerValue folds s onto one line and encodes non-ASCII text.
func headerValue(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return mime.QEncoding.Encode("utf-8", s)
}

// dial connects to the SMTP server and reads its greeting. Every read and
// write on the returned client fails once ctx is done.
func (n *Notifier) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))

	d := net.Dialer{Timeout: n.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	if n.opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: n.opts.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			conn.Close()
			return nil, fmt.Errorf("smtp tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, n.opts.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("smtp greeting %s: %w", addr, err)
	}
	return client, nil
}

func (n *Notifier) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	client, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if !n.opts.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: n.opts.Host}); err != nil {
				n.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	if n.opts.Username != "" && n.opts.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

var _ queue.Notifier = (*Notifier)(nil)
