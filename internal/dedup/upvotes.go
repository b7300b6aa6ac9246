package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"localpulse/internal/store"
)

type UpvoteResult struct {
	UpvoteCount    int  `json:"upvoteCount"`
	AlreadyUpvoted bool `json:"alreadyUpvoted"`
}

type UpvoteStatus struct {
	UpvoteCount int  `json:"upvoteCount"`
	HasUpvoted  bool `json:"hasUpvoted"`
}

// Upvote records at most one upvote per user and report. The ledger entry
// is written first, conditioned on absence, so only one of two racing calls
// for the same pair ever increments the counter. If the counter cannot be
// updated the ledger entry is removed again. Withdrawn reports read as
// not found.
func (e *Engine) Upvote(ctx context.Context, reportID, userID string) (UpvoteResult, error) {
	if strings.TrimSpace(userID) == "" {
		return UpvoteResult{}, invalid("userId", "is required")
	}
	partition, err := e.locateVisible(ctx, reportID)
	if err != nil {
		return UpvoteResult{}, err
	}

	added, err := e.store.InsertUpvote(ctx, store.UpvoteRecord{ReportID: reportID, UserID: userID, CreatedAt: e.clock()})
	if err != nil {
		return UpvoteResult{}, storeFailure("insert upvote", err)
	}
	if !added {
		report, err := e.store.Get(ctx, partition, reportID)
		if err != nil {
			return UpvoteResult{}, storeFailure("get report", err)
		}
		return UpvoteResult{UpvoteCount: report.UpvoteCount, AlreadyUpvoted: true}, nil
	}

	var count int
	attempts, err := e.retry(ctx, e.policy.UpvoteMaxAttempts, func(int) (bool, error) {
		current, err := e.store.Get(ctx, partition, reportID)
		if err != nil {
			return false, storeFailure("get report", err)
		}
		if current.Withdrawn {
			return false, ErrNotFound
		}
		next := current.Clone()
		next.UpvoteCount++
		if now := e.clock(); now.After(next.LastUpdatedAt) {
			next.LastUpdatedAt = now
		}
		_, err = e.store.Update(ctx, next, current.Token)
		if errors.Is(err, store.ErrConflict) {
			return true, nil
		}
		if err != nil {
			return false, storeFailure("update upvote count", err)
		}
		count = next.UpvoteCount
		return false, nil
	})
	if err != nil {
		e.compensateUpvote(ctx, reportID, userID, attempts, err)
		return UpvoteResult{}, err
	}
	return UpvoteResult{UpvoteCount: count}, nil
}

func (e *Engine) compensateUpvote(ctx context.Context, reportID, userID string, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.DeleteUpvote(ctx, reportID, userID); err != nil {
		e.logger.Error().Err(err).AnErr("cause", cause).
			Str("report_id", reportID).Str("user_id", userID).
			Msg("upvote ledger entry left without a counted vote")
		return
	}
	e.logger.Warn().Err(cause).Int("attempts", attempts).
		Str("report_id", reportID).Str("user_id", userID).
		Msg("upvote rolled back")
}

func (e *Engine) UpvoteStatus(ctx context.Context, reportID, userID string) (UpvoteStatus, error) {
	partition, err := e.locate(ctx, reportID)
	if err != nil {
		return UpvoteStatus{}, err
	}
	report, err := e.store.Get(ctx, partition, reportID)
	if err != nil {
		return UpvoteStatus{}, storeFailure("get report", err)
	}
	status := UpvoteStatus{UpvoteCount: report.UpvoteCount}
	if strings.TrimSpace(userID) == "" {
		return status, nil
	}
	status.HasUpvoted, err = e.store.HasUpvote(ctx, reportID, userID)
	if err != nil {
		return UpvoteStatus{}, storeFailure("check upvote", err)
	}
	return status, nil
}
