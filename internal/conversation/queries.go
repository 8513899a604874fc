package conversation

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGQuerier is the pgx-backed Querier implementation.
type PGQuerier struct {
	db DBTX
}

// NewPGQuerier creates a Querier over the given connection pool.
func NewPGQuerier(db DBTX) *PGQuerier {
	return &PGQuerier{db: db}
}

const insertTurnSQL = `
INSERT INTO turns (user_id, speaker, entry, final_at)
VALUES ($1, $2, $3, CASE WHEN $4 THEN now() ELSE NULL END)
RETURNING id`

func (q *PGQuerier) InsertTurn(ctx context.Context, userID string, speaker Speaker, text string, final bool) (uuid.UUID, error) {
	var id pgtype.UUID
	if err := q.db.QueryRow(ctx, insertTurnSQL, userID, string(speaker), text, final).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return uuid.UUID(id.Bytes), nil
}

const finalizeTurnSQL = `
UPDATE turns
SET entry = $2, final_at = now()
WHERE id = $1 AND speaker = 'assistant' AND final_at IS NULL`

func (q *PGQuerier) FinalizeTurn(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	tag, err := q.db.Exec(ctx, finalizeTurnSQL, pgtype.UUID{Bytes: id, Valid: true}, text)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PGQuerier) TurnExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM turns WHERE id = $1)`,
		pgtype.UUID{Bytes: id, Valid: true},
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

const recentTurnsSQL = `
SELECT id, user_id, speaker, entry, final_at IS NOT NULL, created_at
FROM turns
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

func (q *PGQuerier) RecentTurns(ctx context.Context, userID string, limit int32) ([]Turn, error) {
	rows, err := q.db.Query(ctx, recentTurnsSQL, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			id        pgtype.UUID
			speaker   string
			turn      Turn
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &turn.UserID, &speaker, &turn.Text, &turn.Final, &createdAt); err != nil {
			return nil, err
		}
		turn.ID = uuid.UUID(id.Bytes)
		turn.Speaker = Speaker(speaker)
		turn.CreatedAt = createdAt.Time
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
