// Package search keeps a map index of canonical reports in Meilisearch so
// bounds queries can be answered without scanning every covered cell. The
// report store stays authoritative: the index only yields ids, and results
// are re-read from the store.
package search

import (
	"context"
	"time"

	"localpulse/internal/geo"
	"localpulse/internal/store"
)

// GeoPoint is the Meilisearch `_geo` attribute.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ReportRecord is the data we index for a canonical report.
type ReportRecord struct {
	ID            string   `json:"id"`
	PartitionKey  string   `json:"partitionKey"`
	Major         string   `json:"major"`
	Sub           string   `json:"sub"`
	Leaf          string   `json:"leaf"`
	Description   string   `json:"description"`
	LastUpdatedAt int64    `json:"lastUpdatedAt"`
	MergedCount   int      `json:"mergedCount"`
	Withdrawn     bool     `json:"withdrawn"`
	Geo           GeoPoint `json:"_geo"`
}

func RecordFromReport(r store.CanonicalReport) ReportRecord {
	return ReportRecord{
		ID:            r.ID,
		PartitionKey:  r.PartitionKey,
		Major:         r.Category.Major,
		Sub:           r.Category.Sub,
		Leaf:          r.Category.Leaf,
		Description:   r.Description,
		LastUpdatedAt: r.LastUpdatedAt.UnixMilli(),
		MergedCount:   r.MergedCount,
		Withdrawn:     r.Withdrawn,
		Geo:           GeoPoint{Lat: r.Location.Lat, Lng: r.Location.Lng},
	}
}

// BoundsQuery describes a map viewport lookup.
type BoundsQuery struct {
	Bounds geo.Bounds
	Since  time.Time
	Limit  int
}

// Searcher returns the ids of visible reports inside a viewport, most
// recently updated first.
type Searcher interface {
	SearchBounds(ctx context.Context, q BoundsQuery) ([]string, error)
	Healthy() bool
}

// Indexer can push reports into the map index.
type Indexer interface {
	IndexReport(r ReportRecord) error
}
