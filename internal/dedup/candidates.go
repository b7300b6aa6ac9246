package dedup

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"localpulse/internal/geo"
	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

// CandidateIndex finds canonical reports near a point and recent enough to
// be the same occurrence.
type CandidateIndex struct {
	store  Store
	cells  geo.CellResolver
	policy Policy
}

func NewCandidateIndex(st Store, cells geo.CellResolver, policy Policy) *CandidateIndex {
	return &CandidateIndex{store: st, cells: cells, policy: policy}
}

// FindCandidates scans every cell within reach of loc and returns the
// visible reports of the same major category whose envelope lies within the
// match radius, plus a guard for each scanned cell. It has no side effects.
func (ix *CandidateIndex) FindCandidates(ctx context.Context, loc store.Location, category taxonomy.Category, submittedAt time.Time) ([]store.CanonicalReport, []store.CellGuard, error) {
	// A candidate's envelope can be up to one radius wide, so look twice as far.
	// The reach is fixed by the policy, so its cover is never capped.
	reach := geo.BoundsAround(geo.Point{Lat: loc.Lat, Lng: loc.Lng}, 2*ix.policy.MatchRadiusMeters)
	cells, err := ix.cells.CoverCells(reach, 0)
	if err != nil {
		return nil, nil, invalid("location", err.Error())
	}

	since := submittedAt.Add(-ix.policy.TimeWindow)
	scans := make([]store.CellScan, len(cells))
	g, gctx := errgroup.WithContext(ctx)
	for i, cell := range cells {
		g.Go(func() error {
			scan, err := ix.store.Scan(gctx, cell, since)
			if err != nil {
				return storeFailure("scan cell", err)
			}
			scans[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	guards := make([]store.CellGuard, 0, len(scans))
	seen := make(map[string]struct{})
	var candidates []store.CanonicalReport
	for _, scan := range scans {
		guards = append(guards, scan.Guard())
		for _, report := range scan.Reports {
			if _, dup := seen[report.ID]; dup {
				continue
			}
			seen[report.ID] = struct{}{}
			if report.Withdrawn || report.Category.Major != category.Major {
				continue
			}
			if report.LastUpdatedAt.Before(since) {
				continue
			}
			if envelopeDistance(report, loc, ix.policy.MatchRadiusMeters) > ix.policy.MatchRadiusMeters {
				continue
			}
			candidates = append(candidates, report)
		}
	}
	return candidates, guards, nil
}

// envelopeDistance is the distance from loc to the edge of the area a
// report already covers, capped so one report cannot claim more than a
// match radius.
func envelopeDistance(report store.CanonicalReport, loc store.Location, matchRadius float64) float64 {
	d := geo.DistanceMeters(
		geo.Point{Lat: report.Location.Lat, Lng: report.Location.Lng},
		geo.Point{Lat: loc.Lat, Lng: loc.Lng},
	)
	return math.Max(0, d-math.Min(report.RadiusMeters, matchRadius))
}
