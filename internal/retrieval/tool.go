package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidK indicates a search was requested with a non-positive result
// count.
var ErrInvalidK = errors.New("retrieval: k must be at least 1")

// Tool turns raw index hits into a clean result set for the agent loop:
// it enforces the similarity floor, keeps only the best passage per
// source, and caps the result count.
type Tool struct {
	index         Index
	minSimilarity float32
	logger        *slog.Logger
}

// NewTool creates a Tool. Pass nil logger for the default.
func NewTool(index Index, minSimilarity float32, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{index: index, minSimilarity: minSimilarity, logger: logger}
}

// Search returns up to k relevant passages for the query. An empty result
// is not an error: it means the corpus has nothing close enough.
func (t *Tool) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	// Overfetch so the per-source dedup below still has k candidates
	// left after collapsing near-duplicate chunks from one page.
	raw, err := t.index.Search(ctx, query, k*2)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(raw))
	results := make([]Passage, 0, k)
	for _, p := range raw {
		if p.Score < t.minSimilarity {
			// Index results are ordered by similarity, so everything
			// after the first miss is below the floor too.
			break
		}
		if seen[p.SourceURL] {
			continue
		}
		seen[p.SourceURL] = true
		results = append(results, p)
		if len(results) == k {
			break
		}
	}

	t.logger.Debug("retrieval search",
		"k", k, "raw", len(raw), "kept", len(results))
	return results, nil
}
