package dedup

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"localpulse/internal/geo"
	"localpulse/internal/store"
)

const (
	DefaultQueryLimit = 200
	MaxQueryLimit     = 1000

	DefaultQueryMaxCells = 512
)

// Query selects visible reports either inside Bounds or in explicit Cells.
type Query struct {
	Bounds *geo.Bounds
	Cells  []string
	Since  time.Time
	Limit  int
}

// QueryReports returns visible reports, most recently updated first.
func (e *Engine) QueryReports(ctx context.Context, q Query) ([]store.CanonicalReport, error) {
	cells := q.Cells
	switch {
	case q.Bounds != nil && len(cells) > 0:
		return nil, invalid("bbox", "use either bbox or cells, not both")
	case q.Bounds != nil:
		covered, err := e.cells.CoverCells(*q.Bounds, e.queryMaxCells)
		if errors.Is(err, geo.ErrTooManyCells) {
			return nil, invalid("bbox", "area is too large, zoom in")
		}
		if err != nil {
			return nil, invalid("bbox", err.Error())
		}
		cells = covered
	case len(cells) == 0:
		return nil, invalid("bbox", "bbox or cells is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	scans := make([]store.CellScan, len(cells))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, cell := range cells {
		g.Go(func() error {
			scan, err := e.store.Scan(gctx, cell, q.Since)
			if err != nil {
				return storeFailure("scan cell", err)
			}
			scans[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	items := make([]store.CanonicalReport, 0)
	for _, scan := range scans {
		for _, report := range scan.Reports {
			if report.Withdrawn {
				continue
			}
			if _, dup := seen[report.ID]; dup {
				continue
			}
			if q.Bounds != nil && !q.Bounds.Contains(geo.Point{Lat: report.Location.Lat, Lng: report.Location.Lng}) {
				continue
			}
			seen[report.ID] = struct{}{}
			items = append(items, report)
		}
	}
	sortByRecency(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// GetReports loads reports by id, skipping unknown and withdrawn ones and
// keeping the given order.
func (e *Engine) GetReports(ctx context.Context, ids []string) ([]store.CanonicalReport, error) {
	items := make([]store.CanonicalReport, 0, len(ids))
	for _, id := range ids {
		report, err := e.GetReport(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if report.Withdrawn {
			continue
		}
		items = append(items, report)
	}
	return items, nil
}

func sortByRecency(items []store.CanonicalReport) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastUpdatedAt.Equal(items[j].LastUpdatedAt) {
			return items[i].LastUpdatedAt.After(items[j].LastUpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
