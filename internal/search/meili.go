package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxReports = "localpulse_reports"

const healthInterval = 10 * time.Second

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the report index.
// A failed initial health check leaves the client marked unhealthy; the
// background loop reconfigures the index once Meilisearch comes back.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger.With().Str("component", "search").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxReports,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug().Err(err).Str("index", idxReports).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxReports)
	filterable := []interface{}{"_geo", "partitionKey", "lastUpdatedAt", "withdrawn", "major"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn().Err(err).Msg("update filterable attributes")
	}
	sortable := []string{"lastUpdatedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn().Err(err).Msg("update sortable attributes")
	}
	searchable := []string{"description", "leaf", "sub"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// SearchBounds runs a `_geoBoundingBox` filter over the report index.
func (m *Meili) SearchBounds(ctx context.Context, q BoundsQuery) ([]string, error) {
	if !m.healthy.Load() {
		return nil, errUnhealthy
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := m.client.Index(idxReports).Search("", &meili.SearchRequest{
		Filter:               boundsFilter(q),
		Sort:                 []string{"lastUpdatedAt:desc"},
		Limit:                int64(q.Limit),
		AttributesToRetrieve: []string{"id"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if id := decodeString(hit, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// boundsFilter builds the filter expressions, which Meilisearch ANDs.
// `_geoBoundingBox` takes the top-right corner first.
func boundsFilter(q BoundsQuery) []string {
	filters := []string{
		fmt.Sprintf("_geoBoundingBox([%s, %s], [%s, %s])",
			formatCoord(q.Bounds.MaxLat), formatCoord(q.Bounds.MaxLng),
			formatCoord(q.Bounds.MinLat), formatCoord(q.Bounds.MinLng)),
		"withdrawn = false",
	}
	if !q.Since.IsZero() {
		filters = append(filters, fmt.Sprintf("lastUpdatedAt >= %d", q.Since.UnixMilli()))
	}
	return filters
}

func formatCoord(v float64) string {
	s := fmt.Sprintf("%.7f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexReport adds or replaces a report in the map index.
func (m *Meili) IndexReport(r ReportRecord) error {
	_, err := m.client.Index(idxReports).AddDocuments([]ReportRecord{r}, nil)
	return err
}

var _ Searcher = (*Meili)(nil)
var _ Indexer = (*Meili)(nil)
