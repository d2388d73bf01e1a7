package mailbox

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrConnectionClosed is returned when the server side of a session went away.
var ErrConnectionClosed = errors.New("mailbox connection closed")

// Raw is one fetched message.
type Raw struct {
	UID  uint32 // folder-unique, ascending
	Data []byte // raw RFC 5322 message bytes
}

// Session is one authenticated connection to the watched folder.
type Session interface {
	// Validity identifies the UID numbering; UIDs from sessions with a
	// different validity are not comparable.
	Validity() uint32

	// UIDNext is the UID the next arriving message will get, as of login.
	UIDNext() uint32

	// Idle blocks until the server reports new mail (true), maxWait elapses
	// (false), ctx is done, or the connection breaks.
	Idle(ctx context.Context, maxWait time.Duration) (bool, error)

	// FetchAfter returns every message with a UID greater than uid,
	// in ascending UID order.
	FetchAfter(ctx context.Context, uid uint32) ([]Raw, error)

	// Close ends the session.
	Close() error
}

// Dialer opens sessions: connect, authenticate, select the folder.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// IsTransport reports whether err means the connection itself is unusable
// and the session has to be replaced.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		ErrConnectionClosed,
		io.EOF,
		io.ErrUnexpectedEOF,
		net.ErrClosed,
		os.ErrDeadlineExceeded,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// transportError marks a session error that requires reconnecting.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// classify wraps session errors that break the connection so the watcher can
// tell them apart from queue or parse failures.
func classify(err error) error {
	if err == nil || !IsTransport(err) {
		return err
	}
	return &transportError{err: err}
}

func needsReconnect(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}
