// Package store persists transaction records into the money tracker
// Postgres schema.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracyhatemice/receiptflow/internal/message"
)

// Table names in the money tracker schema.
const (
	TransactionsTable = "money_tracker.transactions"
	CategoriesTable   = "money_tracker.categories"
)

// ErrInvalid marks a record that can never be stored.
var ErrInvalid = errors.New("invalid transaction record")

// IsPermanent reports whether retrying the insert that produced err cannot
// succeed. Postgres errors in SQLSTATE classes 22, 23 and 42 are permanent.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalid) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23", "42":
		return true
	}
	return false
}

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Store inserts transactions.
type Store struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

// New creates a Store.
func New(db *pgxpool.Pool) *Store {
	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// row is a validated transaction ready for insertion.
type row struct {
	place       string
	receiptDate time.Time
	mailDate    *time.Time
	total       float64
	category    string
}

// validate checks tx and converts it to column values. Errors wrap ErrInvalid.
func validate(tx *message.Transaction) (row, error) {
	if tx == nil {
		return row{}, fmt.Errorf("%w: nil record", ErrInvalid)
	}
	if tx.Total.IsNegative() {
		return row{}, fmt.Errorf("%w: total %s is negative", ErrInvalid, tx.Total)
	}

	r := row{
		place:    tx.Place,
		mailDate: tx.MailDate,
		total:    tx.Total.InexactFloat64(),
		category: tx.Category,
	}
	switch {
	case tx.ReceiptDate != "":
		t, err := time.Parse(time.RFC3339, tx.ReceiptDate)
		if err != nil {
			return row{}, fmt.Errorf("%w: receipt_date %q: %v", ErrInvalid, tx.ReceiptDate, err)
		}
		r.receiptDate = t
	case tx.MailDate != nil:
		r.receiptDate = *tx.MailDate
	default:
		return row{}, fmt.Errorf("%w: no receipt_date or mail_date", ErrInvalid)
	}
	return r, nil
}

func (s *Store) insertQuery(r row) sq.InsertBuilder {
	return s.sb.
		Insert(TransactionsTable).
		Columns("place", "receipt_date", "mail_date", "total", "category_id").
		Values(
			r.place,
			r.receiptDate,
			r.mailDate,
			r.total,
			sq.Expr("(SELECT category_id FROM "+CategoriesTable+" WHERE name = ? LIMIT 1)", r.category),
		).
		Suffix("RETURNING transaction_id")
}

// Insert stores tx and returns its transaction_id. An unknown category is
// stored as NULL.
func (s *Store) Insert(ctx context.Context, tx *message.Transaction) (int64, error) {
	r, err := validate(tx)
	if err != nil {
		return 0, err
	}

	sqlStr, args, err := s.insertQuery(r).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert transaction sql: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}
