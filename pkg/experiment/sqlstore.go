package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL dialects supported by SQLStore.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLConfig tunes the connection pool.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore persists tests in SQLite (modernc.org/sqlite) or Postgres
// (lib/pq). Configs and results are stored as JSON documents next to the
// columns used for lookups.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_ns BIGINT NOT NULL,
		config TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS experiment_results (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		user_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		created_ns BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS experiment_results_test ON experiment_results (test_id, created_ns)`,
	`CREATE TABLE IF NOT EXISTS experiment_assignments (
		test_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		assigned_ns BIGINT NOT NULL,
		PRIMARY KEY (test_id, user_id)
	)`,
}

// OpenSQLStore connects, pings and migrates. dialect is "sqlite" (dsn is a
// file path) or "postgres" (dsn is a connection string).
func OpenSQLStore(ctx context.Context, dialect, dsn string, cfg SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer avoids SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateTest inserts a test. An existing id returns ErrDuplicateTest.
func (s *SQLStore) CreateTest(ctx context.Context, cfg Config) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM experiments WHERE id = ?`), cfg.ID).Scan(&one)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateTest, cfg.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("create test: %w", err)
	}

	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode test: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO experiments (id, name, status, created_ns, config)
		VALUES (?, ?, ?, ?, ?)
	`), cfg.ID, cfg.Name, string(cfg.Status), cfg.CreatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

// GetTest loads a test's config.
func (s *SQLStore) GetTest(ctx context.Context, id string) (Config, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT config FROM experiments WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	if err != nil {
		return Config{}, fmt.Errorf("get test: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode test %s: %w", id, err)
	}
	return cfg, nil
}

// UpdateTest rewrites the config of an existing test.
func (s *SQLStore) UpdateTest(ctx context.Context, cfg Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode test: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE experiments SET name = ?, status = ?, config = ? WHERE id = ?
	`), cfg.Name, string(cfg.Status), string(doc), cfg.ID)
	if err != nil {
		return fmt.Errorf("update test: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTestNotFound, cfg.ID)
	}
	return nil
}

// ListTests returns every test ordered by creation time, then id.
func (s *SQLStore) ListTests(ctx context.Context) ([]Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM experiments ORDER BY created_ns, id`)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list tests: %w", err)
		}
		var cfg Config
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("decode test: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	return out, nil
}

// AppendResult inserts a result.
func (s *SQLStore) AppendResult(ctx context.Context, r Result) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO experiment_results (id, test_id, variant, user_id, request_id, created_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.TestID, string(r.Variant), r.UserID, r.RequestID, r.Timestamp.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// Results returns a test's results in insertion order.
func (s *SQLStore) Results(ctx context.Context, testID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT payload FROM experiment_results WHERE test_id = ? ORDER BY created_ns, id
	`), testID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
		var r Result
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// ResultCount returns how many results a test has.
func (s *SQLStore) ResultCount(ctx context.Context, testID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM experiment_results WHERE test_id = ?`), testID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// GetAssignment looks up a memoized assignment.
func (s *SQLStore) GetAssignment(ctx context.Context, testID, userID string) (Assignment, bool, error) {
	a := Assignment{TestID: testID, UserID: userID}
	var variant string
	var assignedNs int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT variant, assigned_ns FROM experiment_assignments WHERE test_id = ? AND user_id = ?
	`), testID, userID).Scan(&variant, &assignedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, fmt.Errorf("get assignment: %w", err)
	}
	a.Variant = Variant(variant)
	a.AssignedAt = time.Unix(0, assignedNs).UTC()
	return a, true, nil
}

// SaveAssignment inserts an assignment unless one exists and returns the
// stored row, so the first write wins.
func (s *SQLStore) SaveAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO experiment_assignments (test_id, user_id, variant, assigned_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (test_id, user_id) DO NOTHING
	`), a.TestID, a.UserID, string(a.Variant), a.AssignedAt.UnixNano())
	if err != nil {
		return Assignment{}, fmt.Errorf("save assignment: %w", err)
	}
	stored, ok, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return Assignment{}, err
	}
	if !ok {
		return Assignment{}, fmt.Errorf("save assignment: row for %s/%s vanished", a.TestID, a.UserID)
	}
	return stored, nil
}
