package search

import (
	"context"

	"go.uber.org/zap"

	"folio/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  index
	pgfts  Searcher
	loader func(context.Context) ([]MessageRecord, error)
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger}
	if m != nil {
		s.meili = m
	}
	if pgfts != nil {
		s.pgfts = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage indexes a stored message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(msg store.Message) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(msg)
	go func() {
		if err := s.meili.IndexMessage(record); err != nil {
			s.logger.Warn("search: index message", zap.String("message_id", record.ID), zap.Error(err))
		}
	}()
}

// RemoveMessage removes a message from the search index (fire-and-forget).
func (s *Service) RemoveMessage(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(id); err != nil {
			s.logger.Warn("search: delete message", zap.String("message_id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every stored message into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		s.logger.Error("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		s.logger.Error("search: reindex messages", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
