package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("ledger store circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite is the default ledger store. Rows are only ever inserted.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", withConnParams(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// withConnParams sets per-connection options in the DSN; a PRAGMA issued
// through the pool reaches only one connection.
func withConnParams(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_txlock=immediate"
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000", "PRAGMA synchronous=FULL"} {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		payload BLOB NOT NULL,
		signature BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS record_tags (
		record_id TEXT NOT NULL REFERENCES records(id),
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (record_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_record_tags_name_value ON record_tags(name, value);
	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) Append(ctx context.Context, r *ledger.Record) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.appendTx(queryCtx, r)
	s.recordError(err)
	return errors.Wrap(err, "db append")
}

func (s *SQLite) appendTx(ctx context.Context, r *ledger.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (id, owner, payload, signature, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Payload, r.Signature, r.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for i, t := range r.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_tags (record_id, position, name, value) VALUES (?, ?, ?, ?)`,
			r.ID, i, t.Name, t.Value,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, id string) (*ledger.Record, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var r ledger.Record
	err := s.db.QueryRowContext(queryCtx,
		`SELECT id, owner, payload, signature, created_at FROM records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Owner, &r.Payload, &r.Signature, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRecordNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT name, value FROM record_tags WHERE record_id = ? ORDER BY position`, id,
	)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "db get tags")
	}
	defer rows.Close()
	for rows.Next() {
		var t ledger.RawTag
		if err := rows.Scan(&t.Name, &t.Value); err != nil {
			return nil, errors.Wrap(err, "scan tag")
		}
		r.Tags = append(r.Tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tags")
	}
	return &r, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM records WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// FindByTag returns ids of records carrying the transport-encoded tag,
// newest first.
func (s *SQLite) FindByTag(ctx context.Context, tag ledger.RawTag, limit int) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT r.id FROM record_tags t JOIN records r ON r.id = t.record_id
		WHERE t.name = ? AND t.value = ?
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id
		LIMIT ?`, tag.Name, tag.Value, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "find by tag")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
