package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/tracyhatemice/receiptflow/internal/message"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

func transaction() *message.Transaction {
	return &message.Transaction{
		Message: message.Message{
			MessageID: "<r1@ofd.ru>",
			Timezone:  message.DefaultTimezone,
		},
		Category:    "Продукты",
		Total:       message.NewAmount(decimal.RequireFromString("450.00")),
		ReceiptDate: "2024-06-12T15:30:00+03:00",
		Place:       "ООО Ромашка",
	}
}

func TestInsertQuery(t *testing.T) {
	r, err := validate(transaction())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	sqlStr, args, err := New(nil).insertQuery(r).ToSql()
	if err != nil {
		t.Fatalf("ToSql: %v", err)
	}
	for _, want := range []string{
		"INSERT INTO money_tracker.transactions (place,receipt_date,mail_date,total,category_id)",
		"(SELECT category_id FROM money_tracker.categories WHERE name = $5 LIMIT 1)",
		"RETURNING transaction_id",
	} {
		if !strings.Contains(sqlStr, want) {
			t.Errorf("sql %q does not contain %q", sqlStr, want)
		}
	}
	if strings.Contains(sqlStr, "?") {
		t.Errorf("unconverted placeholder in %q", sqlStr)
	}
	if len(args) != 5 {
		t.Fatalf("args = %v, want 5", args)
	}
	if args[0] != "ООО Ромашка" || args[3] != 450.0 || args[4] != "Продукты" {
		t.Errorf("args = %v", args)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "invalid record", err: fmt.Errorf("%w: nil record", ErrInvalid), want: true},
		{name: "undefined column", err: fmt.Errorf("insert transaction: %w", &pgconn.PgError{Code: "42703"}), want: true},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502"}, want: true},
		{name: "numeric out of range", err: &pgconn.PgError{Code: "22003"}, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: false},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	mail := time.Date(2024, 6, 12, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(tx *message.Transaction)
		want    time.Time
		wantErr bool
	}{
		{
			name: "receipt date",
			want: time.Date(2024, 6, 12, 12, 30, 0, 0, time.UTC),
		},
		{
			name: "falls back to mail date",
			mutate: func(tx *message.Transaction) {
				tx.ReceiptDate = ""
				tx.MailDate = &mail
			},
			want: mail,
		},
		{
			name:    "no date at all",
			mutate:  func(tx *message.Transaction) { tx.ReceiptDate = "" },
			wantErr: true,
		},
		{
			name:    "bad receipt date",
			mutate:  func(tx *message.Transaction) { tx.ReceiptDate = "12.06.2024" },
			wantErr: true,
		},
		{
			name:    "negative total",
			mutate:  func(tx *message.Transaction) { tx.Total = message.NewAmount(decimal.NewFromInt(-1)) },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := transaction()
			if tt.mutate != nil {
				tt.mutate(tx)
			}
			r, err := validate(tx)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("err = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !r.receiptDate.Equal(tt.want) {
				t.Errorf("receipt date = %v, want %v", r.receiptDate, tt.want)
			}
		})
	}
}

type fakeInserter struct {
	errs  []error
	calls int
}

func (f *fakeInserter) Insert(context.Context, *message.Transaction) (int64, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	return int64(f.calls), nil
}

func newTestSink(q queue.Queue, ins Inserter) *Sink {
	s := NewSink(q, "transactions", 0, 0, ins, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func encoded(t *testing.T) []byte {
	t.Helper()
	data, err := message.Encode(transaction())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestSinkRetriesDatabaseErrors(t *testing.T) {
	q := queue.NewMemory()
	ins := &fakeInserter{errs: []error{errors.New("conn refused"), errors.New("conn refused")}}
	s := newTestSink(q, ins)

	s.handle(context.Background(), encoded(t))

	if ins.calls != 3 {
		t.Errorf("insert calls = %d, want 3", ins.calls)
	}
	if n := len(q.Items(queue.DeadLetterName("transactions"))); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestSinkDeadLettersInvalidRecords(t *testing.T) {
	q := queue.NewMemory()
	ins := &fakeInserter{errs: []error{ErrInvalid}}
	s := newTestSink(q, ins)

	s.handle(context.Background(), encoded(t))
	s.handle(context.Background(), []byte("not json"))

	dead := q.Items(queue.DeadLetterName("transactions"))
	if len(dead) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(dead))
	}
	dl, err := queue.DecodeDeadLetter(dead[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dl.Stage != queue.StagePersist || dl.MessageID != "<r1@ofd.ru>" {
		t.Errorf("dead letter = %+v", dl)
	}
	if ins.calls != 1 {
		t.Errorf("insert calls = %d, want 1", ins.calls)
	}
}

func TestSinkDeadLettersPermanentDatabaseErrors(t *testing.T) {
	q := queue.NewMemory()
	undefinedColumn := &pgconn.PgError{Code: "42703", Message: `column "owner" does not exist`}
	ins := &fakeInserter{errs: []error{
		fmt.Errorf("insert transaction: %w", undefinedColumn),
		fmt.Errorf("insert transaction: %w", undefinedColumn),
	}}
	s := newTestSink(q, ins)

	s.handle(context.Background(), encoded(t))
	s.handle(context.Background(), encoded(t))

	if ins.calls != 2 {
		t.Errorf("insert calls = %d, want 2", ins.calls)
	}
	if n := len(q.Items(queue.DeadLetterName("transactions"))); n != 2 {
		t.Errorf("dead letters = %d, want 2", n)
	}
	if n := len(q.Items("transactions")); n != 0 {
		t.Errorf("records left in queue = %d, want 0", n)
	}
}

func TestSinkRequeuesOnShutdown(t *testing.T) {
	q := queue.NewMemory()
	ins := &fakeInserter{errs: []error{errors.New("conn refused")}}
	s := newTestSink(q, ins)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	payload := encoded(t)
	s.handle(ctx, payload)

	items := q.Items("transactions")
	if len(items) != 1 || string(items[0]) != string(payload) {
		t.Errorf("queue = %q, want the record back", items)
	}
}

func TestSinkRun(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 2; i++ {
		if err := q.Push(ctx, "transactions", encoded(t)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	ins := &fakeInserter{}
	s := newTestSink(q, ins)
	s.poller.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	s.Run(ctx)

	if ins.calls != 2 {
		t.Errorf("insert calls = %d, want 2", ins.calls)
	}
}
