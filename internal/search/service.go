package search

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localpulse/internal/dedup"
	"localpulse/internal/geo"
	"localpulse/internal/store"
)

const (
	refreshTimeout = 5 * time.Second
	refreshStripes = 64
)

// ReportSource is the authoritative side: the dedup engine.
type ReportSource interface {
	QueryReports(ctx context.Context, q dedup.Query) ([]store.CanonicalReport, error)
	GetReports(ctx context.Context, ids []string) ([]store.CanonicalReport, error)
	GetReport(ctx context.Context, reportID string) (store.CanonicalReport, error)
}

// Index is a map index that can be searched and written.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries the map index first and falls back to
// scanning the covered cells.
type Service struct {
	index  Index
	source ReportSource
	logger zerolog.Logger
	wg     sync.WaitGroup

	// refreshes of one report hold the same stripe
	stripes [refreshStripes]sync.Mutex
}

// NewService creates a search service. index is nil when Meilisearch is not
// configured.
func NewService(index Index, source ReportSource, logger zerolog.Logger) *Service {
	return &Service{index: index, source: source, logger: logger.With().Str("component", "search").Logger()}
}

// QueryReports answers bounds queries from the map index when it is healthy
// and otherwise delegates to the engine. Cell queries always go to the
// engine.
func (s *Service) QueryReports(ctx context.Context, q dedup.Query) ([]store.CanonicalReport, error) {
	if q.Bounds != nil && len(q.Cells) == 0 && q.Bounds.Valid() && s.index != nil && s.index.Healthy() {
		reports, err := s.searchIndex(ctx, q)
		if err == nil {
			return reports, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("map index error, falling back to cell scan")
	}
	return s.source.QueryReports(ctx, q)
}

func (s *Service) searchIndex(ctx context.Context, q dedup.Query) ([]store.CanonicalReport, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = dedup.DefaultQueryLimit
	}
	if limit > dedup.MaxQueryLimit {
		limit = dedup.MaxQueryLimit
	}
	ids, err := s.index.SearchBounds(ctx, BoundsQuery{Bounds: *q.Bounds, Since: q.Since, Limit: limit})
	if err != nil {
		return nil, err
	}
	reports, err := s.source.GetReports(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The index may lag the store; drop anything that no longer matches.
	items := reports[:0]
	for _, r := range reports {
		if !q.Bounds.Contains(geo.Point{Lat: r.Location.Lat, Lng: r.Location.Lng}) {
			continue
		}
		if !q.Since.IsZero() && r.LastUpdatedAt.Before(q.Since) {
			continue
		}
		items = append(items, r)
	}
	return items, nil
}

// RefreshReport pushes the stored version of a report to the map index in
// the background. The report is read under a per-id lock, so a refresh
// started after a write never leaves an older version in the index.
func (s *Service) RefreshReport(reportID string) {
	if reportID == "" || s.index == nil || !s.index.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		mu := s.stripe(reportID)
		mu.Lock()
		defer mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		report, err := s.source.GetReport(ctx, reportID)
		if err != nil {
			s.logger.Warn().Err(err).Str("report_id", reportID).Msg("read report for index")
			return
		}
		if err := s.index.IndexReport(RecordFromReport(report)); err != nil {
			s.logger.Warn().Err(err).Str("report_id", reportID).Msg("index report")
		}
	}()
}

func (s *Service) stripe(reportID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(reportID))
	return &s.stripes[h.Sum32()%refreshStripes]
}

// Healthy reports whether bounds queries are served by the map index.
func (s *Service) Healthy() bool {
	return s.index != nil && s.index.Healthy()
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
