// Package search provides admin search over chat messages, backed by
// Meilisearch when available and Postgres full-text search otherwise.
package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string     `json:"id"`
	Snippet    string     `json:"snippet"`
	AuthorName string     `json:"authorName"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// index is the writable side of an external search engine.
type index interface {
	Searcher
	IndexMessage(r MessageRecord) error
	IndexMessages(records []MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	AuthorName      string `json:"authorName"`
	IsAdminAuthored bool   `json:"isAdminAuthored"`
	CreatedAt       int64  `json:"createdAt"`
}
