package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"localpulse/internal/dedup"
	"localpulse/internal/geo"
	"localpulse/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	ids     []string
	err     error
	queries []BoundsQuery
	indexed []ReportRecord
}

func (f *fakeIndex) SearchBounds(_ context.Context, q BoundsQuery) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.ids, f.err
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexReport(r ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, r)
	return nil
}

type fakeSource struct {
	reports   map[string]store.CanonicalReport
	scanned   int
	requested []string
}

func (f *fakeSource) QueryReports(context.Context, dedup.Query) ([]store.CanonicalReport, error) {
	f.scanned++
	return []store.CanonicalReport{f.reports["rpt_scan"]}, nil
}

func (f *fakeSource) GetReport(_ context.Context, id string) (store.CanonicalReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return store.CanonicalReport{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeSource) GetReports(_ context.Context, ids []string) ([]store.CanonicalReport, error) {
	f.requested = append(f.requested, ids...)
	out := make([]store.CanonicalReport, 0, len(ids))
	for _, id := range ids {
		if r, ok := f.reports[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

var updated = time.Date(2024, 7, 4, 21, 30, 0, 0, time.UTC)

func report(id string, lat, lng float64) store.CanonicalReport {
	return store.CanonicalReport{
		ID:            id,
		PartitionKey:  "c23nb6",
		Location:      store.Location{Lat: lat, Lng: lng},
		Category:      store.Category{Major: "Public Events", Sub: "Celebrations", Leaf: "Fireworks"},
		Description:   "fireworks over the lake",
		LastUpdatedAt: updated,
		MergedCount:   2,
	}
}

func newTestService(idx *fakeIndex, src *fakeSource) *Service {
	s := NewService(nil, src, zerolog.Nop())
	if idx != nil {
		s.index = idx
	}
	return s
}

func viewport() *geo.Bounds {
	b := geo.BoundsAround(geo.Point{Lat: 47.60, Lng: -122.33}, 1000)
	return &b
}

func TestQueryUsesIndexAndRereadsStore(t *testing.T) {
	idx := &fakeIndex{healthy: true, ids: []string{"rpt_a", "rpt_gone", "rpt_far"}}
	src := &fakeSource{reports: map[string]store.CanonicalReport{
		"rpt_a":   report("rpt_a", 47.6001, -122.3301),
		"rpt_far": report("rpt_far", 48.5, -122.33),
	}}
	svc := newTestService(idx, src)

	got, err := svc.QueryReports(context.Background(), dedup.Query{Bounds: viewport(), Limit: 5000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "rpt_a", got[0].ID)
	require.Equal(t, []string{"rpt_a", "rpt_gone", "rpt_far"}, src.requested)
	require.Zero(t, src.scanned)
	require.Equal(t, dedup.MaxQueryLimit, idx.queries[0].Limit)
}

func TestQueryFallsBackToCellScan(t *testing.T) {
	src := &fakeSource{reports: map[string]store.CanonicalReport{"rpt_scan": report("rpt_scan", 47.6, -122.33)}}

	cases := []struct {
		name  string
		index *fakeIndex
		query dedup.Query
	}{
		{name: "no index", query: dedup.Query{Bounds: viewport()}},
		{name: "unhealthy", index: &fakeIndex{healthy: false}, query: dedup.Query{Bounds: viewport()}},
		{name: "index error", index: &fakeIndex{healthy: true, err: errors.New("boom")}, query: dedup.Query{Bounds: viewport()}},
		{name: "cell query", index: &fakeIndex{healthy: true}, query: dedup.Query{Cells: []string{"c23nb6"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src.scanned = 0
			got, err := newTestService(tc.index, src).QueryReports(context.Background(), tc.query)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "rpt_scan", got[0].ID)
			require.Equal(t, 1, src.scanned)
		})
	}
}

func TestRefreshReportIndexesStoredVersion(t *testing.T) {
	stored := report("rpt_a", 47.6, -122.33)
	stored.LastUpdatedAt = updated.Add(10 * time.Minute)
	stored.MergedCount = 3
	withdrawn := report("rpt_w", 47.6, -122.33)
	withdrawn.Withdrawn = true
	src := &fakeSource{reports: map[string]store.CanonicalReport{"rpt_a": stored, "rpt_w": withdrawn}}
	idx := &fakeIndex{healthy: true}
	svc := newTestService(idx, src)

	svc.RefreshReport("rpt_a")
	svc.RefreshReport("rpt_w")
	svc.RefreshReport("rpt_missing")
	svc.RefreshReport("")
	svc.Wait()

	require.Len(t, idx.indexed, 2)
	byID := map[string]ReportRecord{}
	for _, rec := range idx.indexed {
		byID[rec.ID] = rec
	}
	rec := byID["rpt_a"]
	require.Equal(t, "Fireworks", rec.Leaf)
	require.Equal(t, stored.LastUpdatedAt.UnixMilli(), rec.LastUpdatedAt)
	require.Equal(t, 3, rec.MergedCount)
	require.Equal(t, GeoPoint{Lat: 47.6, Lng: -122.33}, rec.Geo)
	require.True(t, byID["rpt_w"].Withdrawn)

	down := &fakeIndex{healthy: false}
	svc = newTestService(down, src)
	svc.RefreshReport("rpt_a")
	svc.Wait()
	require.Empty(t, down.indexed)
}

func TestRefreshReportSerialisesPerReport(t *testing.T) {
	src := &fakeSource{reports: map[string]store.CanonicalReport{"rpt_a": report("rpt_a", 47.6, -122.33)}}
	idx := &fakeIndex{healthy: true}
	svc := newTestService(idx, src)

	// Hold the report's stripe so refreshes queue behind a pending write.
	mu := svc.stripe("rpt_a")
	mu.Lock()
	svc.RefreshReport("rpt_a")
	svc.RefreshReport("rpt_a")
	latest := report("rpt_a", 47.6, -122.33)
	latest.LastUpdatedAt = updated.Add(time.Hour)
	src.reports["rpt_a"] = latest
	mu.Unlock()
	svc.Wait()

	require.Len(t, idx.indexed, 2)
	for _, rec := range idx.indexed {
		require.Equal(t, latest.LastUpdatedAt.UnixMilli(), rec.LastUpdatedAt)
	}
}

func TestBoundsFilter(t *testing.T) {
	q := BoundsQuery{
		Bounds: geo.Bounds{MinLat: 47.5, MinLng: -122.4, MaxLat: 47.7, MaxLng: -122.25},
		Since:  updated,
	}
	require.Equal(t, []string{
		"_geoBoundingBox([47.7, -122.25], [47.5, -122.4])",
		"withdrawn = false",
		"lastUpdatedAt >= 1720128600000",
	}, boundsFilter(q))

	q.Since = time.Time{}
	require.Len(t, boundsFilter(q), 2)
}
