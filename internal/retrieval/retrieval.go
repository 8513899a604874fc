// Package retrieval finds corpus passages relevant to a query using
// vector similarity over embedded documents.
package retrieval

import "context"

// Passage is one retrieved chunk of corpus content with its provenance.
type Passage struct {
	SourceURL   string  `json:"sourceUrl"`
	Text        string  `json:"text"`
	ContentType string  `json:"contentType"`
	Score       float32 `json:"score"`
}

// Index performs raw similarity search over the document corpus. Results
// come back ordered by descending similarity and may contain multiple
// passages from the same source.
type Index interface {
	Search(ctx context.Context, query string, limit int) ([]Passage, error)
}
