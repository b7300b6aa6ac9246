package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

var (
	seattle  = store.Location{Lat: 47.60, Lng: -122.33}
	nearby   = store.Location{Lat: 47.6005, Lng: -122.3305}
	baseTime = time.Date(2024, 7, 4, 21, 30, 0, 0, time.UTC)
)

func candidate(id, leaf string, loc store.Location, updated time.Time) store.CanonicalReport {
	category, ok := taxonomy.Default().Resolve(leaf)
	if !ok {
		panic("unknown leaf " + leaf)
	}
	return store.CanonicalReport{
		ID:            id,
		PartitionKey:  "c23nb6",
		Location:      loc,
		Category:      category,
		CreatedAt:     updated,
		LastUpdatedAt: updated,
		MergedCount:   1,
		Contributors:  map[string]int{"u1": 1},
	}
}

func subReport(leaf string, loc store.Location, at time.Time) store.SubReport {
	return store.SubReport{
		Location:     &loc,
		CategoryLeaf: leaf,
		Description:  "something happening",
		ReporterID:   "u2",
		SubmittedAt:  at,
	}
}

func TestScoreCandidateTiers(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	c := candidate("rpt_a", "Fireworks (legal displays)", seattle, baseTime)

	cases := []struct {
		name     string
		leaf     string
		wantTier taxonomy.Tier
		wantOK   bool
		wantCat  float64
	}{
		{"same leaf", "Fireworks (legal displays)", taxonomy.TierLeaf, true, TierWeightLeaf},
		{"same sub", "Fireworks (illegal / residential)", taxonomy.TierSub, true, TierWeightSub},
		{"same major", "Outdoor concert", taxonomy.TierMajor, true, TierWeightMajor},
		{"other major", "Street racing", taxonomy.TierNone, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := subReport(tc.leaf, seattle, baseTime)
			category, _ := tax.Resolve(tc.leaf)
			score, ok := ScoreCandidate(c, sub, category, policy, tax)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.wantTier, score.Tier)
			require.Equal(t, tc.wantCat, score.Category)
		})
	}
}

func TestScoreCandidateDistanceAndRecency(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	c := candidate("rpt_a", "Fireworks (legal displays)", seattle, baseTime)
	category, _ := tax.Resolve("Fireworks (legal displays)")

	same, ok := ScoreCandidate(c, subReport(category.Leaf, seattle, baseTime), category, policy, tax)
	require.True(t, ok)
	require.InDelta(t, 1.0, same.Total, 1e-9)

	near, ok := ScoreCandidate(c, subReport(category.Leaf, nearby, baseTime.Add(5*time.Minute)), category, policy, tax)
	require.True(t, ok)
	require.InDelta(t, 67, near.DistanceMeters, 3)
	require.Less(t, near.Total, same.Total)
	require.InDelta(t, 1-float64(5*time.Minute)/float64(policy.TimeWindow), near.Recency, 1e-9)

	// Updates stamped after the submission count as fresh.
	future, ok := ScoreCandidate(c, subReport(category.Leaf, seattle, baseTime.Add(-time.Minute)), category, policy, tax)
	require.True(t, ok)
	require.Equal(t, 1.0, future.Recency)

	stale, ok := ScoreCandidate(c, subReport(category.Leaf, seattle, baseTime.Add(7*time.Hour)), category, policy, tax)
	require.True(t, ok)
	require.Zero(t, stale.Recency)

	far := store.Location{Lat: 47.61, Lng: -122.33}
	_, ok = ScoreCandidate(c, subReport(category.Leaf, far, baseTime), category, policy, tax)
	require.False(t, ok)
}

func TestScoreCandidateUsesEnvelope(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	c := candidate("rpt_a", "Street racing", seattle, baseTime)
	category := c.Category
	// About 330m north: out of range for a point, inside for a 100m envelope.
	edge := store.Location{Lat: 47.603, Lng: -122.33}

	_, ok := ScoreCandidate(c, subReport(category.Leaf, edge, baseTime), category, policy, tax)
	require.False(t, ok)

	c.RadiusMeters = 100
	score, ok := ScoreCandidate(c, subReport(category.Leaf, edge, baseTime), category, policy, tax)
	require.True(t, ok)
	require.InDelta(t, 233, score.DistanceMeters, 3)
}

func TestSelectBestMatchBreaksTies(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	sub := subReport("Fireworks (legal displays)", seattle, baseTime)

	older := candidate("rpt_a", "Fireworks (legal displays)", seattle, baseTime.Add(-time.Minute))
	newer := candidate("rpt_b", "Fireworks (legal displays)", seattle, baseTime.Add(time.Minute))
	best, score := SelectBestMatch([]store.CanonicalReport{older, newer}, sub, policy, tax)
	require.NotNil(t, best)
	require.Equal(t, "rpt_b", best.ID)
	require.InDelta(t, 1.0, score.Total, 1e-9)

	twinA := candidate("rpt_z", "Fireworks (legal displays)", seattle, baseTime)
	twinB := candidate("rpt_y", "Fireworks (legal displays)", seattle, baseTime)
	best, _ = SelectBestMatch([]store.CanonicalReport{twinA, twinB}, sub, policy, tax)
	require.Equal(t, "rpt_y", best.ID)
	best, _ = SelectBestMatch([]store.CanonicalReport{twinB, twinA}, sub, policy, tax)
	require.Equal(t, "rpt_y", best.ID)
}

func TestSelectBestMatchPrefersCloserCategory(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	sub := subReport("Fireworks (illegal / residential)", seattle, baseTime)

	concert := candidate("rpt_concert", "Outdoor concert", seattle, baseTime)
	fireworks := candidate("rpt_fireworks", "Fireworks (legal displays)", seattle, baseTime)
	best, score := SelectBestMatch([]store.CanonicalReport{concert, fireworks}, sub, policy, tax)
	require.NotNil(t, best)
	require.Equal(t, "rpt_fireworks", best.ID)
	require.Equal(t, taxonomy.TierSub, score.Tier)
}

func TestSelectBestMatchHonoursThreshold(t *testing.T) {
	tax := taxonomy.Default()
	policy := DefaultPolicy()
	policy.AcceptThreshold = 0.95

	c := candidate("rpt_a", "Fireworks (legal displays)", nearby, baseTime)
	best, _ := SelectBestMatch([]store.CanonicalReport{c}, subReport("Fireworks (illegal / residential)", seattle, baseTime), policy, tax)
	require.Nil(t, best)

	best, _ = SelectBestMatch(nil, subReport("Fireworks (legal displays)", seattle, baseTime), DefaultPolicy(), tax)
	require.Nil(t, best)

	best, _ = SelectBestMatch([]store.CanonicalReport{c}, subReport("Unknown leaf", seattle, baseTime), DefaultPolicy(), tax)
	require.Nil(t, best)
}
