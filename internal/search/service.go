package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Service is the facade that tries the primary index first and falls back
// to Postgres full-text search.
type Service struct {
	primary  Index
	fallback Searcher
	log      *zap.Logger
	stale    atomic.Bool
	deletes  atomic.Int64
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured. A primary index starts stale: searches use the fallback
// until a Resync has loaded it.
func NewService(primary Index, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{primary: primary, fallback: fallback, log: logger}
	s.markStale()
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy and in sync, otherwise falls
// back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Limit = normalizeLimit(q.Limit)
	if q.Offset < 0 {
		q.Offset = 0
	}

	if s.primaryReady() && !s.stale.Load() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "pgfts"}
}

// IndexMessage pushes a message to the primary index in the background.
// A write the index cannot take marks it stale until the next Resync.
func (s *Service) IndexMessage(rec MessageRecord) {
	if !s.primaryReady() {
		s.markStale()
		return
	}
	go func() {
		if err := s.primary.IndexMessages([]MessageRecord{rec}); err != nil {
			s.markStale()
			s.log.Warn("index message", zap.String("message_id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteMessage removes a message from the primary index in the background.
func (s *Service) DeleteMessage(id string) {
	s.deletes.Add(1)
	if !s.primaryReady() {
		s.markStale()
		return
	}
	go func() {
		if err := s.primary.DeleteMessage(id); err != nil {
			s.markStale()
			s.log.Warn("delete message from index", zap.String("message_id", id), zap.Error(err))
		}
	}()
}

func (s *Service) markStale() {
	if s.primary != nil {
		s.stale.Store(true)
	}
}

// Stale reports whether the primary index may disagree with Postgres.
func (s *Service) Stale() bool {
	return s.stale.Load()
}

// RecordLoader supplies every indexable message for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

var errPrimaryUnavailable = errors.New("primary index unavailable")

// Resync clears the primary index and reloads it from loader. The index
// stays stale if a delete arrives while the reload is in flight.
func (s *Service) Resync(ctx context.Context, loader RecordLoader) error {
	if !s.primaryReady() {
		return errPrimaryUnavailable
	}
	deletesBefore := s.deletes.Load()

	// Clear before loading so a message indexed concurrently is either in
	// the load or written after the clear.
	if err := s.primary.ClearMessages(); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	if err := s.primary.IndexMessages(records); err != nil {
		return fmt.Errorf("index records: %w", err)
	}

	if s.deletes.Load() == deletesBefore {
		s.stale.Store(false)
	}
	s.log.Info("search index resynced", zap.Int("count", len(records)))
	return nil
}

// Maintain resyncs the primary index whenever it is healthy but stale,
// checking every interval until ctx is cancelled.
func (s *Service) Maintain(ctx context.Context, loader RecordLoader, interval time.Duration) {
	if s.primary == nil || loader == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !s.primaryReady() {
			// Writes may be lost while the index is down.
			s.markStale()
		} else if s.stale.Load() {
			if err := s.Resync(ctx, loader); err != nil {
				s.log.Warn("search index resync failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
