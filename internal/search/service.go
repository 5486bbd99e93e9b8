package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"formgate/api/internal/logging"
	"formgate/api/internal/store"
)

type bulkIndexer interface {
	IndexVersions(records []VersionRecord) error
}

type index interface {
	Searcher
	bulkIndexer
}

const indexQueueSize = 256

type indexBatch struct {
	records []VersionRecord
	done    chan struct{}
}

// Service is the facade that tries Meilisearch first and falls back to the store.
// Index updates go through a single worker so they reach Meilisearch in the
// order they were committed.
type Service struct {
	primary  index
	fallback Searcher
	log      zerolog.Logger

	mu      sync.Mutex
	queue   chan indexBatch
	stopped chan struct{}
	closed  bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	s := &Service{fallback: fallback, log: logging.Component("search")}
	if meili != nil {
		s.primary = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store search")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("store search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "store"}
}

// IndexVersions queues records for Meilisearch without waiting for the write.
// The returned channel closes once the batch has been sent.
func (s *Service) IndexVersions(records ...VersionRecord) <-chan struct{} {
	done := make(chan struct{})
	if s.primary == nil || len(records) == 0 {
		close(done)
		return done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(done)
		return done
	}
	if s.queue == nil {
		s.queue = make(chan indexBatch, indexQueueSize)
		s.stopped = make(chan struct{})
		go s.runIndexer(s.queue, s.stopped)
	}
	s.queue <- indexBatch{records: records, done: done}
	return done
}

func (s *Service) runIndexer(queue <-chan indexBatch, stopped chan<- struct{}) {
	defer close(stopped)
	for batch := range queue {
		if !s.primary.Healthy() {
			s.log.Debug().Int("records", len(batch.records)).Msg("meilisearch unhealthy, index update dropped")
		} else if err := s.primary.IndexVersions(batch.records); err != nil {
			s.log.Warn().Err(err).Str("version_id", batch.records[0].ID).Int("records", len(batch.records)).Msg("index versions")
		}
		close(batch.done)
	}
}

// Close drains queued index updates and stops the worker.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := s.stopped
	if s.queue != nil {
		close(s.queue)
	}
	s.mu.Unlock()

	if stopped != nil {
		<-stopped
	}
}

// VersionSource pages through every stored version.
type VersionSource interface {
	ListVersionsAfter(ctx context.Context, afterID string, limit int) ([]store.EntityVersion, error)
}

// Reindex pushes every stored version to the index in batches and returns the
// number of records sent.
func Reindex(ctx context.Context, idx bulkIndexer, source VersionSource, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	total := 0
	after := ""
	for {
		page, err := source.ListVersionsAfter(ctx, after, batchSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		records := make([]VersionRecord, 0, len(page))
		for _, v := range page {
			records = append(records, RecordFromVersion(v))
		}
		if err := idx.IndexVersions(records); err != nil {
			return total, fmt.Errorf("index batch after %q: %w", after, err)
		}
		total += len(records)
		after = page[len(page)-1].ID
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
