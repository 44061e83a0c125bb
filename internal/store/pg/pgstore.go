package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/roles"
	"parcela.org/internal/workflow"
)

const (
	pgErrUniqueViolation      = "23505"
	pgErrForeignKeyViolation  = "23503"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"

	errDatabaseUnavailableText = "database connection unavailable"
)

// Store implements every storage interface on PostgreSQL via database/sql.
type Store struct {
	db *sql.DB
}

var (
	_ roles.Store           = (*Store)(nil)
	_ workflow.Store        = (*Store)(nil)
	_ workflow.FieldChecker = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
	_ authz.Source          = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New(errDatabaseUnavailableText)
	}
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a serializable transaction and commits when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(workflow.UnitOfWork) error) error {
	if s.db == nil {
		return fmt.Errorf("%w: %s", errs.ErrTransaction, errDatabaseUnavailableText)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errs.ErrTransaction, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&unitOfWork{tx: tx}); err != nil {
		if isRetryable(err) {
			return fmt.Errorf("%w: %v", errs.ErrTransaction, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrTransaction, err)
	}
	return nil
}

// runTx is the plain read-committed transaction used by role writes.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.db == nil {
		return errors.New(errDatabaseUnavailableText)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errs.ErrTransaction, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrTransaction, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isRetryable(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
