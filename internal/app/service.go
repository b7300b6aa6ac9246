package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"localpulse/internal/auth"
	"localpulse/internal/dedup"
	"localpulse/internal/events"
	"localpulse/internal/idempotency"
	"localpulse/internal/search"
	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

type Session struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// IdempotencyStore remembers which report a submission key produced.
type IdempotencyStore interface {
	Begin(ctx context.Context, userID, key string) (string, bool, error)
	Complete(ctx context.Context, userID, key, reportID string) error
	Release(ctx context.Context, userID, key string) error
	Ping(ctx context.Context) error
}

type SubmitInput struct {
	Lat            *float64   `json:"lat"`
	Lng            *float64   `json:"lng"`
	AccuracyMeters float64    `json:"accuracyMeters"`
	Category       string     `json:"category"`
	Description    string     `json:"description"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
}

type SubmitResult struct {
	Report   store.CanonicalReport `json:"report"`
	Merged   bool                  `json:"merged"`
	Replayed bool                  `json:"replayed"`
	Attempts int                   `json:"attempts,omitempty"`
	Score    *dedup.Score          `json:"score,omitempty"`
}

const (
	maxIdempotencyKeyLength = 128
	sideEffectTimeout       = 5 * time.Second
)

type Service struct {
	engine      *dedup.Engine
	search      *search.Service
	events      events.Publisher
	idempotency IdempotencyStore
	tokenSecret []byte
	logger      zerolog.Logger
	now         func() time.Time
}

// New wires the service. keys may be nil, in which case Idempotency-Key
// headers are ignored.
func New(engine *dedup.Engine, searchService *search.Service, publisher events.Publisher, keys IdempotencyStore, tokenSecret string, logger zerolog.Logger) *Service {
	if searchService == nil {
		searchService = search.NewService(nil, engine, logger)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		engine:      engine,
		search:      searchService,
		events:      publisher,
		idempotency: keys,
		tokenSecret: []byte(tokenSecret),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	session := Session{UserID: claims.Subject, UserName: claims.Name}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// SubmitReport ingests one sub-report. With an idempotency key, a repeated
// submission returns the report produced the first time instead of being
// counted again.
func (s *Service) SubmitReport(ctx context.Context, session Session, key string, input SubmitInput) (SubmitResult, error) {
	key = strings.TrimSpace(key)
	if len(key) > maxIdempotencyKeyLength {
		return SubmitResult{}, invalidIdempotencyKey(maxIdempotencyKeyLength)
	}
	if input.Lat == nil || input.Lng == nil {
		return SubmitResult{}, &dedup.ValidationError{Field: "location", Message: "is required"}
	}
	useKey := key != "" && s.idempotency != nil

	if useKey {
		reportID, replay, err := s.idempotency.Begin(ctx, session.UserID, key)
		if errors.Is(err, idempotency.ErrInProgress) {
			return SubmitResult{}, err
		}
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %w", dedup.ErrStoreUnavailable, err)
		}
		if replay {
			report, err := s.engine.GetReport(ctx, reportID)
			if err != nil {
				return SubmitResult{}, err
			}
			return SubmitResult{Report: report, Replayed: true}, nil
		}
	}

	sub := store.SubReport{
		Location:       &store.Location{Lat: *input.Lat, Lng: *input.Lng},
		AccuracyMeters: input.AccuracyMeters,
		CategoryLeaf:   input.Category,
		Description:    input.Description,
		ReporterID:     session.UserID,
	}
	if input.SubmittedAt != nil {
		sub.SubmittedAt = *input.SubmittedAt
	}

	result, err := s.engine.Ingest(ctx, sub)
	if err != nil {
		if useKey {
			s.releaseKey(ctx, session.UserID, key)
		}
		return SubmitResult{}, err
	}

	if useKey {
		if err := s.idempotency.Complete(context.WithoutCancel(ctx), session.UserID, key, result.Report.ID); err != nil {
			s.logger.Warn().Err(err).Str("report_id", result.Report.ID).Msg("record idempotency key")
		}
	}

	kind := events.KindCreated
	if result.Merged {
		kind = events.KindMerged
	}
	s.afterWrite(ctx, result.Report, kind, session.UserID)

	return SubmitResult{
		Report:   result.Report,
		Merged:   result.Merged,
		Attempts: result.Attempts,
		Score:    result.Score,
	}, nil
}

func (s *Service) releaseKey(ctx context.Context, userID, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.idempotency.Release(ctx, userID, key); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("release idempotency key")
	}
}

// afterWrite updates the map index and publishes the contribution event of a
// committed write. Neither affects the outcome of the request.
func (s *Service) afterWrite(ctx context.Context, report store.CanonicalReport, kind events.Kind, userID string) {
	s.search.RefreshReport(report.ID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	event := events.Event{
		Kind:         kind,
		ReportID:     report.ID,
		PartitionKey: report.PartitionKey,
		UserID:       userID,
		MergedCount:  report.MergedCount,
		At:           s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("report_id", report.ID).Str("kind", string(kind)).Msg("publish contribution event")
	}
}

func (s *Service) QueryReports(ctx context.Context, q dedup.Query) ([]store.CanonicalReport, error) {
	return s.search.QueryReports(ctx, q)
}

func (s *Service) GetReport(ctx context.Context, reportID string) (store.CanonicalReport, error) {
	return s.engine.GetReport(ctx, reportID)
}

// Upvote and AddComment move the report's LastUpdatedAt forward, so both
// refresh the map index.
func (s *Service) Upvote(ctx context.Context, reportID string, session Session) (dedup.UpvoteResult, error) {
	result, err := s.engine.Upvote(ctx, reportID, session.UserID)
	if err != nil {
		return dedup.UpvoteResult{}, err
	}
	if !result.AlreadyUpvoted {
		s.search.RefreshReport(reportID)
	}
	return result, nil
}

func (s *Service) UpvoteStatus(ctx context.Context, reportID string, session Session) (dedup.UpvoteStatus, error) {
	return s.engine.UpvoteStatus(ctx, reportID, session.UserID)
}

func (s *Service) AddComment(ctx context.Context, reportID string, session Session, text string) (store.Comment, error) {
	comment, err := s.engine.AddComment(ctx, reportID, session.UserID, text)
	if err != nil {
		return store.Comment{}, err
	}
	s.search.RefreshReport(reportID)
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, reportID string) ([]store.Comment, error) {
	return s.engine.ListComments(ctx, reportID)
}

func (s *Service) Withdraw(ctx context.Context, reportID string, session Session) (store.CanonicalReport, error) {
	report, err := s.engine.Withdraw(ctx, reportID, session.UserID)
	if err != nil {
		return store.CanonicalReport{}, err
	}
	s.afterWrite(ctx, report, events.KindWithdrawn, session.UserID)
	return report, nil
}

func (s *Service) Taxonomy() []taxonomy.Major {
	return s.engine.Taxonomy().Majors()
}

// ReadinessChecks pings every collaborator and returns one entry per
// check. Only the report store is required for readiness.
func (s *Service) ReadinessChecks(ctx context.Context) (map[string]any, bool) {
	ready := true
	checks := map[string]any{}

	if err := s.engine.Ping(ctx); err != nil {
		ready = false
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["store"] = map[string]any{"status": "ok"}
	}

	if s.idempotency != nil {
		if err := s.idempotency.Ping(ctx); err != nil {
			checks["idempotency"] = map[string]any{"status": "degraded", "error": err.Error()}
		} else {
			checks["idempotency"] = map[string]any{"status": "ok"}
		}
	}

	if s.search.Healthy() {
		checks["search"] = map[string]any{"status": "ok"}
	} else {
		checks["search"] = map[string]any{"status": "fallback"}
	}
	return checks, ready
}
