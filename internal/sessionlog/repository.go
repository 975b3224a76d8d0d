// Package sessionlog persists session lifecycle stamps. It is a consumer
// of the engine, not part of it: the engine calls it once when
// connectivity is first confirmed and once on leave.
package sessionlog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles session_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SessionStarted stamps the first confirmed connectivity for a
// participant. Idempotent: a second stamp for the same participant and
// session is a no-op.
func (r *Repository) SessionStarted(ctx context.Context, sessionID, identity string) error {
	const q = `INSERT INTO session_logs (session_id, identity, started_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id, identity) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, sessionID, identity)
	return err
}

// SessionEnded stamps the participant's departure.
func (r *Repository) SessionEnded(ctx context.Context, sessionID, identity string) error {
	const q = `UPDATE session_logs SET ended_at = NOW()
		WHERE session_id = $1 AND identity = $2 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID, identity)
	return err
}
