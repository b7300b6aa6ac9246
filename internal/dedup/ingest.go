package dedup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"localpulse/internal/geo"
	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
	"localpulse/internal/util"
)

const (
	MaxDescriptionRunes = 2000
	mergeCommentPrefix  = "Merged report: "
)

type IngestResult struct {
	Report   store.CanonicalReport `json:"report"`
	Merged   bool                  `json:"merged"`
	Attempts int                   `json:"attempts"`
	Score    *Score                `json:"score,omitempty"`
}

// Ingest folds sub into the best matching canonical report, or founds a new
// one. Every attempt repeats the full search, so a lost race is resolved by
// matching against the winner. The result is returned only after the
// canonical write committed.
func (e *Engine) Ingest(ctx context.Context, sub store.SubReport) (IngestResult, error) {
	category, err := e.normalize(&sub)
	if err != nil {
		return IngestResult{}, err
	}
	partition, err := e.cells.ResolveCell(geo.Point{Lat: sub.Location.Lat, Lng: sub.Location.Lng})
	if err != nil {
		return IngestResult{}, invalid("location", err.Error())
	}

	var result IngestResult
	attempts, err := e.retry(ctx, e.policy.MaxAttempts, func(attempt int) (bool, error) {
		candidates, guards, err := e.index.FindCandidates(ctx, *sub.Location, category, sub.SubmittedAt)
		if err != nil {
			return false, err
		}

		match, score := SelectBestMatch(candidates, sub, e.policy, e.taxonomy)
		if match == nil {
			founded := e.found(sub, category, partition)
			token, err := e.store.Insert(ctx, founded, guards)
			if errors.Is(err, store.ErrConflict) {
				e.logger.Debug().Int("attempt", attempt).Str("partition", partition).Msg("founding insert lost a race")
				return true, nil
			}
			if err != nil {
				return false, storeFailure("insert report", err)
			}
			founded.Token = token
			result = IngestResult{Report: founded}
			return false, nil
		}

		current, err := e.store.Get(ctx, match.PartitionKey, match.ID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, storeFailure("get report", err)
		}
		if current.Withdrawn {
			return true, nil
		}

		merged := e.merge(current, sub)
		token, err := e.store.Update(ctx, merged, current.Token)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			e.logger.Debug().Int("attempt", attempt).Str("report_id", current.ID).Msg("merge update lost a race")
			return true, nil
		}
		if err != nil {
			return false, storeFailure("update report", err)
		}
		merged.Token = token
		result = IngestResult{Report: merged, Merged: true, Score: &score}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrConflictExhausted) {
			e.logger.Warn().Int("attempts", attempts).Str("partition", partition).Msg("ingest gave up after repeated conflicts")
		}
		return IngestResult{}, err
	}
	result.Attempts = attempts

	if result.Merged {
		e.appendMergeComment(ctx, result.Report, sub)
	}
	return result, nil
}

func (e *Engine) normalize(sub *store.SubReport) (taxonomy.Category, error) {
	if sub.Location == nil {
		return taxonomy.Category{}, invalid("location", "is required")
	}
	if !(geo.Point{Lat: sub.Location.Lat, Lng: sub.Location.Lng}).Valid() {
		return taxonomy.Category{}, invalid("location", "latitude must be within [-90, 90] and longitude within [-180, 180]")
	}
	if math.IsNaN(sub.AccuracyMeters) || math.IsInf(sub.AccuracyMeters, 0) || sub.AccuracyMeters < 0 {
		return taxonomy.Category{}, invalid("accuracyMeters", "must be a non-negative number")
	}
	category, ok := e.taxonomy.Resolve(sub.CategoryLeaf)
	if !ok {
		return taxonomy.Category{}, invalid("category", fmt.Sprintf("unknown category %q", sub.CategoryLeaf))
	}
	sub.CategoryLeaf = category.Leaf
	sub.Description = strings.TrimSpace(sub.Description)
	if sub.Description == "" {
		return taxonomy.Category{}, invalid("description", "is required")
	}
	if utf8.RuneCountInString(sub.Description) > MaxDescriptionRunes {
		return taxonomy.Category{}, invalid("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionRunes))
	}
	if strings.TrimSpace(sub.ReporterID) == "" {
		return taxonomy.Category{}, invalid("reporterId", "is required")
	}
	now := e.clock()
	if sub.SubmittedAt.IsZero() || sub.SubmittedAt.After(now) {
		sub.SubmittedAt = now
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()
	return category, nil
}

func (e *Engine) found(sub store.SubReport, category taxonomy.Category, partition string) store.CanonicalReport {
	now := e.clock()
	return store.CanonicalReport{
		ID:             util.NewID("rpt"),
		PartitionKey:   partition,
		Location:       *sub.Location,
		AccuracyMeters: sub.AccuracyMeters,
		Category:       category,
		Description:    sub.Description,
		CreatedAt:      now,
		LastUpdatedAt:  now,
		MergedCount:    1,
		Contributors:   map[string]int{sub.ReporterID: 1},
	}
}

// merge applies one sub-report to a fresh copy of current. Count and
// contributor membership change together. Category and description stay
// as founded.
func (e *Engine) merge(current store.CanonicalReport, sub store.SubReport) store.CanonicalReport {
	next := current.Clone()
	next.MergedCount++
	next.Contributors[sub.ReporterID]++
	if now := e.clock(); now.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = now
	}

	here := geo.Point{Lat: current.Location.Lat, Lng: current.Location.Lng}
	there := geo.Point{Lat: sub.Location.Lat, Lng: sub.Location.Lng}
	d := geo.DistanceMeters(here, there)

	// A more precise fix moves the centre, but only inside the home cell so
	// the record stays where cell scans look for it.
	morePrecise := sub.AccuracyMeters > 0 && (current.AccuracyMeters == 0 || sub.AccuracyMeters < current.AccuracyMeters)
	sameCell := false
	if morePrecise {
		cell, err := e.cells.ResolveCell(there)
		sameCell = err == nil && cell == current.PartitionKey
	}
	if morePrecise && sameCell {
		next.Location = *sub.Location
		next.AccuracyMeters = sub.AccuracyMeters
		next.RadiusMeters = current.RadiusMeters + d
	} else {
		next.RadiusMeters = math.Max(current.RadiusMeters, d)
	}
	next.RadiusMeters = math.Min(next.RadiusMeters, e.policy.MatchRadiusMeters)
	return next
}

// appendMergeComment records the merged sub-report's description. The merge
// already committed, so a failure here is only logged.
func (e *Engine) appendMergeComment(ctx context.Context, report store.CanonicalReport, sub store.SubReport) {
	comment := store.Comment{
		ID:        util.NewID("cmt"),
		ReportID:  report.ID,
		AuthorID:  store.MergeAuthor,
		Text:      mergeCommentPrefix + sub.Description,
		CreatedAt: report.LastUpdatedAt,
		Origin:    store.OriginMergeDerived,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.AppendComment(ctx, comment); err != nil {
		e.logger.Warn().
			Err(fmt.Errorf("%w: %w", ErrDerivedCommentWrite, err)).
			Str("report_id", report.ID).
			Msg("merge committed without its derived comment")
	}
}
