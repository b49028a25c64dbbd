package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation turns in PostgreSQL. Same bounded-log
// semantics as FileStore, for installations that already run a database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	limits Limits
}

func NewPostgresStore(ctx context.Context, databaseURL string, limits Limits) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, limits: limits}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_created ON conversation_turns (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (History, error) {
	limit := s.limits.MaxMessages
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at
		 FROM conversation_turns
		 WHERE created_at > $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		cutoff(s.limits, time.Now().UTC()),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var newestFirst History
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Text, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		newestFirst = append(newestFirst, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	out := make(History, len(newestFirst))
	for i, t := range newestFirst {
		out[len(newestFirst)-1-i] = t
	}
	return out, nil
}

func (s *PostgresStore) Append(ctx context.Context, turn Turn) error {
	if emptyText(turn.Text) {
		return nil
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), turn.Role, turn.Text, turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return s.prune(ctx)
}

func (s *PostgresStore) prune(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_turns WHERE created_at <= $1`,
		cutoff(s.limits, time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("prune by age: %w", err)
	}
	if s.limits.MaxMessages > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM conversation_turns WHERE id NOT IN (
				SELECT id FROM conversation_turns ORDER BY created_at DESC LIMIT $1
			)`,
			s.limits.MaxMessages,
		); err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, maxChars int) (History, error) {
	h, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return trimToCharBudget(h, maxChars), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	h, err := s.Load(ctx)
	if err != nil {
		return Stats{}, err
	}
	return statsFor(h, time.Now().UTC()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func cutoff(limits Limits, now time.Time) time.Time {
	if limits.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-limits.MaxAge)
}
