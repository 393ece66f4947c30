package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"

	// Registers the pure-Go driver as "sqlite".
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS comparisons (
	ts_ms       INTEGER PRIMARY KEY,
	prompt      TEXT NOT NULL,
	temperature REAL NOT NULL DEFAULT 0,
	mode        TEXT NOT NULL DEFAULT 'text',
	responses   TEXT NOT NULL,
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// NewSQLiteDB opens (or creates) the database file at path with WAL and a
// busy timeout. ":memory:" opens a private in-memory database on a single
// connection.
func NewSQLiteDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("sqlite: parent directory %q does not exist", dir)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}

	return db, nil
}

type SQLiteComparisonRepository struct {
	db *sql.DB
}

// NewSQLiteComparisonRepository creates the comparisons table if needed.
func NewSQLiteComparisonRepository(ctx context.Context, db *sql.DB) (*SQLiteComparisonRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create comparisons schema: %w", err)
	}
	return &SQLiteComparisonRepository{db: db}, nil
}

func (r *SQLiteComparisonRepository) Save(ctx context.Context, c domain.SavedComparison) error {
	c, err := prepare(c)
	if err != nil {
		return err
	}

	responses, err := json.Marshal(c.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO comparisons (ts_ms, prompt, temperature, mode, responses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ts_ms) DO UPDATE SET
			prompt = excluded.prompt,
			temperature = excluded.temperature,
			mode = excluded.mode,
			responses = excluded.responses`,
		c.Timestamp.UnixMilli(), c.Prompt, c.Temperature, string(c.Mode), string(responses),
	)
	if err != nil {
		return fmt.Errorf("save comparison: %w", err)
	}
	return nil
}

func (r *SQLiteComparisonRepository) List(ctx context.Context) ([]domain.SavedComparison, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts_ms, prompt, temperature, mode, responses
		FROM comparisons
		ORDER BY ts_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	out := []domain.SavedComparison{}
	for rows.Next() {
		c, err := scanSQLiteComparison(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *SQLiteComparisonRepository) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	ts, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT ts_ms, prompt, temperature, mode, responses
		FROM comparisons
		WHERE ts_ms = ?`, ts.UnixMilli())

	c, err := scanSQLiteComparison(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrComparisonNotFound
	}
	return c, err
}

func (r *SQLiteComparisonRepository) Delete(ctx context.Context, key string) error {
	ts, err := parseKey(key)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM comparisons WHERE ts_ms = ?`, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("delete comparison: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete comparison: %w", err)
	}
	if n == 0 {
		return domain.ErrComparisonNotFound
	}
	return nil
}

func scanSQLiteComparison(row rowScanner) (*domain.SavedComparison, error) {
	var (
		c         domain.SavedComparison
		tsMs      int64
		mode      string
		responses string
	)

	if err := row.Scan(&tsMs, &c.Prompt, &c.Temperature, &mode, &responses); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan comparison: %w", err)
	}

	if err := json.Unmarshal([]byte(responses), &c.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	c.Timestamp = time.UnixMilli(tsMs).UTC()
	c.Mode = domain.Mode(mode)
	return &c, nil
}
