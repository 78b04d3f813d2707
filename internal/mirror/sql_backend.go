package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultTableName    = "relaymail_view"
	anonymousViewKey    = "default"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements that differ between the SQL drivers.
type sqlDialect struct {
	driver      string
	createTable string
	selectView  string
	selectLast  string
	upsertView  string
	setup       func(db *sql.DB)
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			view_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			saved_at BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	selectView: "SELECT snapshot FROM %s WHERE view_key = $1",
	selectLast: "SELECT snapshot FROM %s ORDER BY saved_at DESC, updated_at DESC LIMIT 1",
	upsertView: `
		INSERT INTO %s (view_key, snapshot, saved_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (view_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			view_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			saved_at INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	selectView: "SELECT snapshot FROM %s WHERE view_key = ?",
	selectLast: "SELECT snapshot FROM %s ORDER BY saved_at DESC, rowid DESC LIMIT 1",
	upsertView: `
		INSERT INTO %s (view_key, snapshot, saved_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (view_key)
		DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at, updated_at = CURRENT_TIMESTAMP`,
	setup: func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	},
}

// SQLBackend keeps one row per session id. Load returns the most recently
// saved row and LoadSession reads a specific one. The table is created on
// first use.
type SQLBackend struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		dialect:   postgresDialect,
		tableName: defaultTableName,
		openDB:    sql.Open,
	}, nil
}

// NewSQLiteBackend opens (and creates) the database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return &SQLBackend{
		dsn:       fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path),
		dialect:   sqliteDialect,
		tableName: defaultTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	return b.queryOne(b.dialect.selectLast)
}

// LoadSession returns the snapshot saved for sessionID, or nil when there is
// none.
func (b *SQLBackend) LoadSession(sessionID string) (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	return b.queryOne(b.dialect.selectView, viewKey(sessionID))
}

func (b *SQLBackend) queryOne(query string, args ...any) (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(query, quoteIdentifier(b.tableName)), args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, fmt.Sprintf(b.dialect.upsertView, quoteIdentifier(b.tableName)),
		viewKey(snapshot.SessionID), string(payload), savedAtNanos(snapshot.SavedAt))
	return err
}

func savedAtNanos(at time.Time) int64 {
	if at.IsZero() {
		return 0
	}
	return at.UnixNano()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.setup != nil {
			b.dialect.setup(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, fmt.Sprintf(b.dialect.createTable, quoteIdentifier(b.tableName))); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func viewKey(sessionID string) string {
	if key := strings.TrimSpace(sessionID); key != "" {
		return key
	}
	return anonymousViewKey
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
