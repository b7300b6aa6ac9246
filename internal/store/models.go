package store

import (
	"errors"
	"sort"
	"time"

	"localpulse/internal/taxonomy"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a failed conditional write: the record token, a
	// guarded cell version, or an absence condition did not hold.
	ErrConflict = errors.New("conditional write conflict")
)

// MergeAuthor is the author of comments derived from merged sub-reports.
const MergeAuthor = "system:merge"

const (
	OriginUserAuthored = "USER"
	OriginMergeDerived = "MERGE"
)

// Token is an opaque concurrency token. Tokens are only compared for
// equality by the store that issued them.
type Token string

type Category = taxonomy.Category

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type CanonicalReport struct {
	ID             string         `json:"id"`
	PartitionKey   string         `json:"partitionKey"`
	Location       Location       `json:"location"`
	AccuracyMeters float64        `json:"accuracyMeters"`
	RadiusMeters   float64        `json:"radiusMeters"`
	Category       Category       `json:"category"`
	Description    string         `json:"description"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdatedAt  time.Time      `json:"lastUpdatedAt"`
	MergedCount    int            `json:"mergedCount"`
	Contributors   map[string]int `json:"contributors"`
	UpvoteCount    int            `json:"upvoteCount"`
	Withdrawn      bool           `json:"withdrawn"`
	Token          Token          `json:"-"`
}

// ContributorIDs returns the distinct contributors in sorted order.
func (r CanonicalReport) ContributorIDs() []string {
	ids := make([]string, 0, len(r.Contributors))
	for id, n := range r.Contributors {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone copies r deeply enough that mutating the result leaves r untouched.
func (r CanonicalReport) Clone() CanonicalReport {
	out := r
	out.Contributors = make(map[string]int, len(r.Contributors))
	for id, n := range r.Contributors {
		out.Contributors[id] = n
	}
	return out
}

// SubReport is one citizen submission. Location is nil when the
// submission carried no coordinates.
type SubReport struct {
	Location       *Location
	AccuracyMeters float64
	CategoryLeaf   string
	Description    string
	ReporterID     string
	SubmittedAt    time.Time
}

type Comment struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"reportId"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Origin    string    `json:"origin"`
}

type UpvoteRecord struct {
	ReportID  string    `json:"reportId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CellGuard pins the version of a cell observed by a scan. Insert fails
// with ErrConflict if any guarded cell changed since.
type CellGuard struct {
	Partition string
	Version   Token
}

type CellScan struct {
	Partition string
	Reports   []CanonicalReport
	Version   Token
}

func (s CellScan) Guard() CellGuard {
	return CellGuard{Partition: s.Partition, Version: s.Version}
}
