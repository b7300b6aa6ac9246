package dedup

import (
	"math"
	"strings"

	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

// Score breaks down how well a canonical report matches a sub-report.
type Score struct {
	Total          float64       `json:"total"`
	Distance       float64       `json:"distance"`
	Category       float64       `json:"category"`
	Recency        float64       `json:"recency"`
	Tier           taxonomy.Tier `json:"tier"`
	DistanceMeters float64       `json:"distanceMeters"`
}

// ScoreCandidate scores one candidate. ok is false when the candidate is
// disqualified outright (other major category, or out of range).
func ScoreCandidate(candidate store.CanonicalReport, sub store.SubReport, category taxonomy.Category, policy Policy, tax *taxonomy.Taxonomy) (Score, bool) {
	tier := tax.Tier(candidate.Category, category)
	var categoryScore float64
	switch tier {
	case taxonomy.TierLeaf:
		categoryScore = TierWeightLeaf
	case taxonomy.TierSub:
		categoryScore = TierWeightSub
	case taxonomy.TierMajor:
		categoryScore = TierWeightMajor
	default:
		return Score{Tier: tier}, false
	}

	if sub.Location == nil {
		return Score{Tier: tier}, false
	}
	d := envelopeDistance(candidate, *sub.Location, policy.MatchRadiusMeters)
	if d > policy.MatchRadiusMeters {
		return Score{Tier: tier, DistanceMeters: d}, false
	}
	distanceScore := clip01(1 - d/policy.MatchRadiusMeters)

	age := sub.SubmittedAt.Sub(candidate.LastUpdatedAt)
	if age < 0 {
		age = 0
	}
	recencyScore := clip01(1 - float64(age)/float64(policy.TimeWindow))

	total := policy.DistanceWeight*distanceScore +
		policy.CategoryWeight*categoryScore +
		policy.RecencyWeight*recencyScore

	return Score{
		Total:          clip01(total),
		Distance:       distanceScore,
		Category:       categoryScore,
		Recency:        recencyScore,
		Tier:           tier,
		DistanceMeters: d,
	}, true
}

// SelectBestMatch picks the highest scoring candidate, preferring the most
// recently updated report and then the smaller id on ties. It returns nil
// when nothing reaches the accept threshold. Pure.
func SelectBestMatch(candidates []store.CanonicalReport, sub store.SubReport, policy Policy, tax *taxonomy.Taxonomy) (*store.CanonicalReport, Score) {
	category, ok := tax.Resolve(sub.CategoryLeaf)
	if !ok {
		return nil, Score{}
	}

	var (
		best      *store.CanonicalReport
		bestScore Score
	)
	for i := range candidates {
		c := candidates[i]
		score, ok := ScoreCandidate(c, sub, category, policy, tax)
		if !ok || score.Total < policy.AcceptThreshold {
			continue
		}
		if best == nil || betterMatch(score, c, bestScore, *best) {
			picked := c
			best, bestScore = &picked, score
		}
	}
	return best, bestScore
}

func betterMatch(score Score, c store.CanonicalReport, bestScore Score, best store.CanonicalReport) bool {
	if score.Total != bestScore.Total {
		return score.Total > bestScore.Total
	}
	if !c.LastUpdatedAt.Equal(best.LastUpdatedAt) {
		return c.LastUpdatedAt.After(best.LastUpdatedAt)
	}
	return strings.Compare(c.ID, best.ID) < 0
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
