// Package dedup decides whether an incoming sub-report describes a new
// occurrence or one already on the map, and maintains the aggregates of
// canonical reports (merge count, contributors, comments, upvotes) using
// only the conditional writes of the underlying store.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"localpulse/internal/geo"
	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

// Store is the partitioned key-value store the engine runs against.
// Insert and Update are conditional and report a lost race as
// store.ErrConflict.
type Store interface {
	Get(context.Context, string, string) (store.CanonicalReport, error)
	Insert(context.Context, store.CanonicalReport, []store.CellGuard) (store.Token, error)
	Update(context.Context, store.CanonicalReport, store.Token) (store.Token, error)
	Scan(context.Context, string, time.Time) (store.CellScan, error)
	Locate(context.Context, string) (string, error)
	AppendComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)
	InsertUpvote(context.Context, store.UpvoteRecord) (bool, error)
	HasUpvote(context.Context, string, string) (bool, error)
	DeleteUpvote(context.Context, string, string) error
	Ping(context.Context) error
}

type Engine struct {
	store    Store
	taxonomy *taxonomy.Taxonomy
	cells    geo.CellResolver
	policy   Policy
	index    *CandidateIndex
	logger   zerolog.Logger
	now      func() time.Time

	queryMaxCells int
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithQueryMaxCells bounds how many cells a bounds query may scan.
func WithQueryMaxCells(n int) Option {
	return func(e *Engine) { e.queryMaxCells = n }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st Store, tax *taxonomy.Taxonomy, cells geo.CellResolver, policy Policy, opts ...Option) (*Engine, error) {
	if st == nil || tax == nil || cells == nil {
		return nil, fmt.Errorf("dedup: store, taxonomy and cell resolver are required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	e := &Engine{
		store:    st,
		taxonomy: tax,
		cells:    cells,
		policy:   policy,
		logger:   zerolog.Nop(),
		now:      time.Now,

		queryMaxCells: DefaultQueryMaxCells,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.index = NewCandidateIndex(st, cells, policy)
	return e, nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) Taxonomy() *taxonomy.Taxonomy {
	return e.taxonomy
}

func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return storeFailure("ping", err)
	}
	return nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// retry runs op up to attempts times, sleeping with exponential backoff
// between attempts. op returns retry=true to ask for another attempt.
func (e *Engine) retry(ctx context.Context, attempts int, op func(attempt int) (retry bool, err error)) (int, error) {
	b := e.policy.newBackOff()
	for attempt := 1; attempt <= attempts; attempt++ {
		again, err := op(attempt)
		if !again {
			return attempt, err
		}
		if attempt == attempts {
			break
		}
		wait := b.NextBackOff()
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, ErrConflictExhausted
}

// locate finds the partition of a report, mapping failures to engine errors.
func (e *Engine) locate(ctx context.Context, reportID string) (string, error) {
	if reportID == "" {
		return "", invalid("reportId", "is required")
	}
	partition, err := e.store.Locate(ctx, reportID)
	if err != nil {
		return "", storeFailure("locate report", err)
	}
	return partition, nil
}

// locateVisible is locate for interactions, which a withdrawn report no
// longer accepts.
func (e *Engine) locateVisible(ctx context.Context, reportID string) (string, error) {
	partition, err := e.locate(ctx, reportID)
	if err != nil {
		return "", err
	}
	report, err := e.store.Get(ctx, partition, reportID)
	if err != nil {
		return "", storeFailure("get report", err)
	}
	if report.Withdrawn {
		return "", ErrNotFound
	}
	return partition, nil
}

// GetReport returns a report by id, including withdrawn ones.
func (e *Engine) GetReport(ctx context.Context, reportID string) (store.CanonicalReport, error) {
	partition, err := e.locate(ctx, reportID)
	if err != nil {
		return store.CanonicalReport{}, err
	}
	report, err := e.store.Get(ctx, partition, reportID)
	if err != nil {
		return store.CanonicalReport{}, storeFailure("get report", err)
	}
	return report, nil
}
