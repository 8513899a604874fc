package checkpoint

import (
	"context"
	"errors"

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

// The insert only lands when the caller's previous version still exists,
// so a writer whose thread was cleared mid-turn gets no rows back instead
// of resurrecting deleted state. The (thread_id, version) primary key
// turns a lost race between two writers into a constraint error instead
// of silent overwrite; the agent's single-flight guard makes that race
// impossible in normal operation.
const insertCheckpointSQL = `
INSERT INTO checkpoints (thread_id, version, user_id, step, state)
SELECT $1, $5 + 1, $2, $3, $4
WHERE ($5 = 0 AND NOT EXISTS (SELECT 1 FROM checkpoints WHERE thread_id = $1))
   OR EXISTS (SELECT 1 FROM checkpoints WHERE thread_id = $1 AND version = $5)
RETURNING version`

func (q *PGQuerier) InsertCheckpoint(ctx context.Context, threadID uuid.UUID, userID, step string, state []byte, prev int32) (int32, error) {
	var version int32
	err := q.db.QueryRow(ctx, insertCheckpointSQL,
		pgtype.UUID{Bytes: threadID, Valid: true}, userID, step, state, prev,
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

const latestCheckpointSQL = `
SELECT thread_id, version, user_id, step, state, created_at
FROM checkpoints
WHERE thread_id = $1
ORDER BY version DESC
LIMIT 1`

func (q *PGQuerier) LatestCheckpoint(ctx context.Context, threadID uuid.UUID) (*Checkpoint, error) {
	var (
		id        pgtype.UUID
		cp        Checkpoint
		createdAt pgtype.Timestamptz
	)
	err := q.db.QueryRow(ctx, latestCheckpointSQL, pgtype.UUID{Bytes: threadID, Valid: true}).
		Scan(&id, &cp.Version, &cp.UserID, &cp.Step, &cp.State, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.ThreadID = uuid.UUID(id.Bytes)
	cp.CreatedAt = createdAt.Time
	return &cp, nil
}

const interruptedThreadsSQL = `
SELECT thread_id, user_id
FROM (
    SELECT DISTINCT ON (thread_id) thread_id, user_id, step
    FROM checkpoints
    ORDER BY thread_id, version DESC
) latest
WHERE step <> $1`

func (q *PGQuerier) InterruptedThreads(ctx context.Context, terminalStep string) ([]ThreadRef, error) {
	rows, err := q.db.Query(ctx, interruptedThreadsSQL, terminalStep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []ThreadRef
	for rows.Next() {
		var (
			id  pgtype.UUID
			ref ThreadRef
		)
		if err := rows.Scan(&id, &ref.UserID); err != nil {
			return nil, err
		}
		ref.ThreadID = uuid.UUID(id.Bytes)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
