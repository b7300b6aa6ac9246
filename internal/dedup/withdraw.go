package dedup

import (
	"context"
	"errors"
	"strings"

	"localpulse/internal/store"
)

// Withdraw removes every contribution userID made to a report in one
// conditional write. A report left without contributions is marked
// withdrawn: it stops matching and leaves bounds queries but stays
// readable by id. Comments are kept.
func (e *Engine) Withdraw(ctx context.Context, reportID, userID string) (store.CanonicalReport, error) {
	if strings.TrimSpace(userID) == "" {
		return store.CanonicalReport{}, invalid("userId", "is required")
	}
	partition, err := e.locate(ctx, reportID)
	if err != nil {
		return store.CanonicalReport{}, err
	}

	var result store.CanonicalReport
	_, err = e.retry(ctx, e.policy.MaxAttempts, func(int) (bool, error) {
		current, err := e.store.Get(ctx, partition, reportID)
		if err != nil {
			return false, storeFailure("get report", err)
		}
		n := current.Contributors[userID]
		if n == 0 {
			return false, ErrNotContributor
		}
		next := current.Clone()
		delete(next.Contributors, userID)
		next.MergedCount -= n
		if next.MergedCount <= 0 {
			next.MergedCount = 0
			next.Withdrawn = true
		}
		if now := e.clock(); now.After(next.LastUpdatedAt) {
			next.LastUpdatedAt = now
		}
		token, err := e.store.Update(ctx, next, current.Token)
		if errors.Is(err, store.ErrConflict) {
			return true, nil
		}
		if err != nil {
			return false, storeFailure("withdraw contribution", err)
		}
		next.Token = token
		result = next
		return false, nil
	})
	if err != nil {
		return store.CanonicalReport{}, err
	}
	return result, nil
}
