package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS comparisons (
	ts          TIMESTAMPTZ PRIMARY KEY,
	prompt      TEXT NOT NULL,
	temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
	mode        TEXT NOT NULL DEFAULT 'text',
	pairs       TEXT[] NOT NULL DEFAULT '{}',
	responses   JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comparisons_pairs ON comparisons USING GIN (pairs);
`

type PostgresComparisonRepository struct {
	db *sql.DB
}

func NewPostgresComparisonRepository(db *sql.DB) *PostgresComparisonRepository {
	return &PostgresComparisonRepository{db: db}
}

func (r *PostgresComparisonRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create comparisons schema: %w", err)
	}
	return nil
}

func (r *PostgresComparisonRepository) Save(ctx context.Context, c domain.SavedComparison) error {
	c, err := prepare(c)
	if err != nil {
		return err
	}

	responses, err := json.Marshal(c.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	query := `
		INSERT INTO comparisons (ts, prompt, temperature, mode, pairs, responses)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ts) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			temperature = EXCLUDED.temperature,
			mode = EXCLUDED.mode,
			pairs = EXCLUDED.pairs,
			responses = EXCLUDED.responses
	`

	_, err = r.db.ExecContext(ctx, query,
		c.Timestamp,
		c.Prompt,
		c.Temperature,
		string(c.Mode),
		pq.Array(pairKeys(c.Responses)),
		responses,
	)
	if err != nil {
		return fmt.Errorf("save comparison: %w", err)
	}
	return nil
}

func (r *PostgresComparisonRepository) List(ctx context.Context) ([]domain.SavedComparison, error) {
	query := `
		SELECT ts, prompt, temperature, mode, responses
		FROM comparisons
		ORDER BY ts DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	out := []domain.SavedComparison{}
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListByPair returns the comparisons that included the given provider/model
// key, newest first.
func (r *PostgresComparisonRepository) ListByPair(ctx context.Context, key string) ([]domain.SavedComparison, error) {
	query := `
		SELECT ts, prompt, temperature, mode, responses
		FROM comparisons
		WHERE pairs @> $1
		ORDER BY ts DESC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array([]string{key}))
	if err != nil {
		return nil, fmt.Errorf("list comparisons by pair: %w", err)
	}
	defer rows.Close()

	out := []domain.SavedComparison{}
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PostgresComparisonRepository) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	ts, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ts, prompt, temperature, mode, responses
		FROM comparisons
		WHERE ts = $1
	`

	c, err := scanComparison(r.db.QueryRowContext(ctx, query, ts))
	if err == sql.ErrNoRows {
		return nil, domain.ErrComparisonNotFound
	}
	return c, err
}

func (r *PostgresComparisonRepository) Delete(ctx context.Context, key string) error {
	ts, err := parseKey(key)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM comparisons WHERE ts = $1`, ts)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComparison(row rowScanner) (*domain.SavedComparison, error) {
	var (
		c         domain.SavedComparison
		ts        time.Time
		mode      string
		responses []byte
	)

	if err := row.Scan(&ts, &c.Prompt, &c.Temperature, &mode, &responses); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan comparison: %w", err)
	}

	if err := json.Unmarshal(responses, &c.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	c.Timestamp = domain.NormalizeTimestamp(ts)
	c.Mode = domain.Mode(mode)
	return &c, nil
}

func pairKeys(responses []domain.GenerationResult) []string {
	keys := make([]string, 0, len(responses))
	for _, r := range responses {
		if r.ProviderModelKey != "" {
			keys = append(keys, r.ProviderModelKey)
		}
	}
	return keys
}
