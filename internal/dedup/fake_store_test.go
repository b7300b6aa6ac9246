package dedup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"localpulse/internal/store"
)

type memRecord struct {
	report  store.CanonicalReport
	version int64
}

// memStore is an in-memory Store with the same conditional-write semantics
// as the real backends. Conflicts and failures can be injected.
type memStore struct {
	mu           sync.Mutex
	reports      map[string]memRecord
	cells        map[string]map[string]struct{}
	cellVersions map[string]int64
	comments     map[string][]store.Comment
	upvotes      map[string]map[string]time.Time

	insertConflicts int
	updateConflicts int // negative means every update conflicts

	scanFn          func(context.Context, string, time.Time) error
	appendCommentFn func(context.Context, store.Comment) error

	scans   int
	inserts int
	updates int
}

func newMemStore() *memStore {
	return &memStore{
		reports:      map[string]memRecord{},
		cells:        map[string]map[string]struct{}{},
		cellVersions: map[string]int64{},
		comments:     map[string][]store.Comment{},
		upvotes:      map[string]map[string]time.Time{},
	}
}

func (m *memStore) Get(_ context.Context, partition, id string) (store.CanonicalReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reports[id]
	if !ok || rec.report.PartitionKey != partition {
		return store.CanonicalReport{}, store.ErrNotFound
	}
	return m.view(rec), nil
}

func (m *memStore) Insert(_ context.Context, report store.CanonicalReport, guards []store.CellGuard) (store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.insertConflicts > 0 {
		m.insertConflicts--
		return "", store.ErrConflict
	}
	if _, exists := m.reports[report.ID]; exists {
		return "", store.ErrConflict
	}
	for _, g := range guards {
		if strconv.FormatInt(m.cellVersions[g.Partition], 10) != string(g.Version) {
			return "", store.ErrConflict
		}
	}
	m.write(report, 1)
	return "1", nil
}

func (m *memStore) Update(_ context.Context, report store.CanonicalReport, expected store.Token) (store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateConflicts != 0 {
		if m.updateConflicts > 0 {
			m.updateConflicts--
		}
		return "", store.ErrConflict
	}
	rec, ok := m.reports[report.ID]
	if !ok {
		return "", store.ErrNotFound
	}
	if strconv.FormatInt(rec.version, 10) != string(expected) {
		return "", store.ErrConflict
	}
	m.write(report, rec.version+1)
	return store.Token(strconv.FormatInt(rec.version+1, 10)), nil
}

func (m *memStore) Scan(ctx context.Context, partition string, since time.Time) (store.CellScan, error) {
	if m.scanFn != nil {
		if err := m.scanFn(ctx, partition, since); err != nil {
			return store.CellScan{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	scan := store.CellScan{Partition: partition, Version: store.Token(strconv.FormatInt(m.cellVersions[partition], 10))}
	for id := range m.cells[partition] {
		rec := m.reports[id]
		if rec.report.LastUpdatedAt.Before(since) {
			continue
		}
		scan.Reports = append(scan.Reports, m.view(rec))
	}
	return scan, nil
}

func (m *memStore) Locate(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reports[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return rec.report.PartitionKey, nil
}

func (m *memStore) AppendComment(ctx context.Context, comment store.Comment) error {
	if m.appendCommentFn != nil {
		if err := m.appendCommentFn(ctx, comment); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[comment.ReportID] = append(m.comments[comment.ReportID], comment)
	return nil
}

func (m *memStore) ListComments(_ context.Context, reportID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Comment(nil), m.comments[reportID]...), nil
}

func (m *memStore) InsertUpvote(_ context.Context, vote store.UpvoteRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upvotes[vote.ReportID] == nil {
		m.upvotes[vote.ReportID] = map[string]time.Time{}
	}
	if _, ok := m.upvotes[vote.ReportID][vote.UserID]; ok {
		return false, nil
	}
	m.upvotes[vote.ReportID][vote.UserID] = vote.CreatedAt
	return true, nil
}

func (m *memStore) HasUpvote(_ context.Context, reportID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.upvotes[reportID][userID]
	return ok, nil
}

func (m *memStore) DeleteUpvote(_ context.Context, reportID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.upvotes[reportID], userID)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) write(report store.CanonicalReport, version int64) {
	report = report.Clone()
	report.Token = ""
	m.reports[report.ID] = memRecord{report: report, version: version}
	if m.cells[report.PartitionKey] == nil {
		m.cells[report.PartitionKey] = map[string]struct{}{}
	}
	m.cells[report.PartitionKey][report.ID] = struct{}{}
	m.cellVersions[report.PartitionKey]++
}

func (m *memStore) view(rec memRecord) store.CanonicalReport {
	out := rec.report.Clone()
	out.Token = store.Token(strconv.FormatInt(rec.version, 10))
	return out
}

func (m *memStore) all() []store.CanonicalReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.CanonicalReport, 0, len(m.reports))
	for _, rec := range m.reports {
		items = append(items, m.view(rec))
	}
	return items
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 7, 4, 21, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
