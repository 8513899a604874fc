package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGIndex searches the documents table by cosine similarity between the
// query embedding and stored passage embeddings.
type PGIndex struct {
	db       DBTX
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewPGIndex creates a PGIndex. Pass nil logger for the default.
func NewPGIndex(db DBTX, embedder ai.Embedder, logger *slog.Logger) *PGIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGIndex{db: db, embedder: embedder, logger: logger}
}

const searchSQL = `
SELECT source_url, content, content_type, 1 - (embedding <=> $1) AS similarity
FROM documents
ORDER BY embedding <=> $1, id
LIMIT $2`

// Search embeds the query and returns the closest passages, ordered by
// descending similarity.
func (idx *PGIndex) Search(ctx context.Context, query string, limit int) ([]Passage, error) {
	resp, err := idx.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(query, nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding query: empty response")
	}

	vec := pgvector.NewVector(resp.Embeddings[0].Embedding)
	rows, err := idx.db.Query(ctx, searchSQL, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.SourceURL, &p.Text, &p.ContentType, &p.Score); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading passages: %w", err)
	}

	idx.logger.Debug("similarity search", "query_len", len(query), "limit", limit, "hits", len(passages))
	return passages, nil
}
