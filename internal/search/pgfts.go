package search

import (
	"context"
	"fmt"
	"strings"

	"folio/api/internal/store"
)

// MessageSource is the subset of the message store that search reads.
type MessageSource interface {
	SearchMessages(ctx context.Context, query string, limit int) ([]store.SearchHit, error)
	LatestMessages(ctx context.Context, limit int) ([]store.Message, error)
}

// reindexLimit caps how many messages a full reindex reads.
const reindexLimit = 10000

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	source MessageSource
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(source MessageSource) *PgFTS {
	return &PgFTS{source: source}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	hits, err := p.source.SearchMessages(ctx, q.Text, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			ID:         hit.ID,
			Snippet:    hit.Snippet,
			AuthorName: hit.AuthorDisplayName,
			CreatedAt:  hit.CreatedAt,
		})
	}
	return results, len(results), nil
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	messages, err := p.source.LatestMessages(ctx, reindexLimit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	records := make([]MessageRecord, 0, len(messages))
	for _, msg := range messages {
		records = append(records, RecordFor(msg))
	}
	return records, nil
}

// RecordFor converts a stored message into its index record.
func RecordFor(msg store.Message) MessageRecord {
	record := MessageRecord{
		ID:              msg.ID,
		Text:            msg.Text,
		AuthorName:      msg.AuthorDisplayName,
		IsAdminAuthored: msg.IsAdminAuthored,
	}
	if msg.CreatedAt != nil {
		record.CreatedAt = msg.CreatedAt.Unix()
	}
	return record
}
