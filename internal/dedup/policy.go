package dedup

import (
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Category agreement weights used by the scorer.
const (
	TierWeightLeaf  = 1.0
	TierWeightSub   = 0.6
	TierWeightMajor = 0.25
)

// Policy holds the tunable parameters of matching and retrying.
type Policy struct {
	MatchRadiusMeters float64
	TimeWindow        time.Duration
	AcceptThreshold   float64

	DistanceWeight float64
	CategoryWeight float64
	RecencyWeight  float64

	// MaxAttempts bounds the ingest loop; UpvoteMaxAttempts bounds the
	// counter loop of an upvote.
	MaxAttempts       int
	UpvoteMaxAttempts int

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MatchRadiusMeters:    250,
		TimeWindow:           6 * time.Hour,
		AcceptThreshold:      0.5,
		DistanceWeight:       0.5,
		CategoryWeight:       0.35,
		RecencyWeight:        0.15,
		MaxAttempts:          3,
		UpvoteMaxAttempts:    8,
		RetryInitialInterval: 20 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MatchRadiusMeters <= 0 || math.IsNaN(p.MatchRadiusMeters):
		return fmt.Errorf("match radius must be positive")
	case p.TimeWindow <= 0:
		return fmt.Errorf("time window must be positive")
	case p.AcceptThreshold < 0 || p.AcceptThreshold > 1:
		return fmt.Errorf("accept threshold must be within [0, 1]")
	case p.DistanceWeight < 0 || p.CategoryWeight < 0 || p.RecencyWeight < 0:
		return fmt.Errorf("score weights must not be negative")
	case p.DistanceWeight+p.CategoryWeight+p.RecencyWeight == 0:
		return fmt.Errorf("at least one score weight must be positive")
	case p.MaxAttempts < 1 || p.UpvoteMaxAttempts < 1:
		return fmt.Errorf("attempt limits must be at least 1")
	case p.RetryInitialInterval < 0 || p.RetryMaxInterval < p.RetryInitialInterval:
		return fmt.Errorf("retry intervals are inconsistent")
	}
	return nil
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryInitialInterval
	b.MaxInterval = p.RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset()
	return b
}
