package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"localpulse/internal/auth"
	"localpulse/internal/dedup"
	"localpulse/internal/geo"
	"localpulse/internal/store"
	"localpulse/internal/util"
)

const maxBodyBytes = 64 << 10

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)
	r.Get("/api/taxonomy", s.handleTaxonomy)

	r.Get("/api/reports", s.handleQueryReports)
	r.Get("/api/reports/{id}", s.handleGetReport)
	r.Get("/api/reports/{id}/comments", s.handleListComments)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/api/reports", s.handleSubmitReport)
		r.Post("/api/reports/{id}/upvote", s.handleUpvote)
		r.Get("/api/reports/{id}/upvote", s.handleUpvoteStatus)
		r.Post("/api/reports/{id}/comments", s.handleAddComment)
		r.Delete("/api/reports/{id}/contributions", s.handleWithdraw)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, ready := s.service.ReadinessChecks(ctx)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleTaxonomy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"majors": s.service.Taxonomy()})
}

// reportView adds the distinct contributor ids used for points bookkeeping.
type reportView struct {
	store.CanonicalReport
	ContributorIDs []string `json:"contributorIds"`
}

func viewOf(report store.CanonicalReport) reportView {
	return reportView{CanonicalReport: report, ContributorIDs: report.ContributorIDs()}
}

func (s *HTTPServer) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var body SubmitInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SubmitReport(r.Context(), sessionFrom(r), r.Header.Get("Idempotency-Key"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Merged || result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"report":   viewOf(result.Report),
		"merged":   result.Merged,
		"replayed": result.Replayed,
		"attempts": result.Attempts,
		"score":    result.Score,
	})
}

func (s *HTTPServer) handleQueryReports(w http.ResponseWriter, r *http.Request) {
	q, err := parseReportQuery(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	reports, err := s.service.QueryReports(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]reportView, 0, len(reports))
	for _, report := range reports {
		items = append(items, viewOf(report))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(report))
}

func (s *HTTPServer) handleUpvote(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Upvote(r.Context(), chi.URLParam(r, "id"), sessionFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpvoteStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.UpvoteStatus(r.Context(), chi.URLParam(r, "id"), sessionFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.AddComment(r.Context(), chi.URLParam(r, "id"), sessionFrom(r), body.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.service.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if comments == nil {
		comments = []store.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": comments})
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Withdraw(r.Context(), chi.URLParam(r, "id"), sessionFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(report))
}

// parseReportQuery reads bbox=minLng,minLat,maxLng,maxLat or
// cells=a,b,c plus optional since (RFC 3339) and limit.
func parseReportQuery(r *http.Request) (dedup.Query, error) {
	values := r.URL.Query()
	var q dedup.Query

	if raw := strings.TrimSpace(values.Get("bbox")); raw != "" {
		bounds, err := parseBBox(raw)
		if err != nil {
			return dedup.Query{}, &dedup.ValidationError{Field: "bbox", Message: err.Error()}
		}
		q.Bounds = &bounds
	}
	if raw := strings.TrimSpace(values.Get("cells")); raw != "" {
		for _, cell := range strings.Split(raw, ",") {
			if cell = strings.TrimSpace(cell); cell != "" {
				q.Cells = append(q.Cells, cell)
			}
		}
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return dedup.Query{}, &dedup.ValidationError{Field: "since", Message: "must be an RFC 3339 timestamp"}
		}
		q.Since = since
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return dedup.Query{}, &dedup.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		q.Limit = limit
	}
	return q, nil
}

func parseBBox(raw string) (geo.Bounds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return geo.Bounds{}, fmt.Errorf("expected minLng,minLat,maxLng,maxLat")
	}
	var nums [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geo.Bounds{}, fmt.Errorf("expected minLng,minLat,maxLng,maxLat")
		}
		nums[i] = v
	}
	bounds := geo.Bounds{MinLng: nums[0], MinLat: nums[1], MaxLng: nums[2], MaxLat: nums[3]}
	if !bounds.Valid() {
		return geo.Bounds{}, fmt.Errorf("bounds are out of range or inverted")
	}
	return bounds, nil
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr := asDomainError(err)
	if domainErr.Code == codeConflictRetry {
		w.Header().Set("Retry-After", "1")
	}
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
