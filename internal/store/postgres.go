package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// PostgresStore keeps canonical reports in Postgres. Record tokens are the
// row version; cell tokens are rows of report_cells, locked in key order by
// conditional inserts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const reportColumns = `
	id, partition_key, lat, lng, accuracy_m, radius_m,
	category_major, category_sub, category_leaf, description,
	created_at, last_updated_at, merged_count, contributors,
	upvote_count, withdrawn, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (CanonicalReport, error) {
	var (
		item         CanonicalReport
		contributors []byte
		version      int64
	)
	err := row.Scan(
		&item.ID, &item.PartitionKey, &item.Location.Lat, &item.Location.Lng, &item.AccuracyMeters, &item.RadiusMeters,
		&item.Category.Major, &item.Category.Sub, &item.Category.Leaf, &item.Description,
		&item.CreatedAt, &item.LastUpdatedAt, &item.MergedCount, &contributors,
		&item.UpvoteCount, &item.Withdrawn, &version,
	)
	if err != nil {
		return CanonicalReport{}, err
	}
	item.Contributors = map[string]int{}
	if len(contributors) > 0 {
		if err := json.Unmarshal(contributors, &item.Contributors); err != nil {
			return CanonicalReport{}, fmt.Errorf("decode contributors: %w", err)
		}
	}
	item.Token = versionToken(version)
	return item, nil
}

func (s *PostgresStore) Get(ctx context.Context, partition, id string) (CanonicalReport, error) {
	item, err := scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM canonical_reports
		WHERE partition_key=$1 AND id=$2
	`, partition, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CanonicalReport{}, ErrNotFound
	}
	if err != nil {
		return CanonicalReport{}, fmt.Errorf("get report: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) Insert(ctx context.Context, report CanonicalReport, guards []CellGuard) (Token, error) {
	contributors, err := json.Marshal(report.Contributors)
	if err != nil {
		return "", fmt.Errorf("marshal contributors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	expected := make(map[string]Token, len(guards))
	for _, g := range guards {
		expected[g.Partition] = g.Version
	}
	partitions := make([]string, 0, len(expected)+1)
	for p := range expected {
		partitions = append(partitions, p)
	}
	if _, ok := expected[report.PartitionKey]; !ok {
		partitions = append(partitions, report.PartitionKey)
	}
	sort.Strings(partitions)

	for _, p := range partitions {
		version, err := lockCell(ctx, tx, p)
		if err != nil {
			return "", err
		}
		if want, guarded := expected[p]; guarded && versionToken(version) != want {
			return "", ErrConflict
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO canonical_reports (
			id, partition_key, lat, lng, accuracy_m, radius_m,
			category_major, category_sub, category_leaf, description,
			created_at, last_updated_at, merged_count, contributors,
			upvote_count, withdrawn, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		ON CONFLICT (id) DO NOTHING
	`, report.ID, report.PartitionKey, report.Location.Lat, report.Location.Lng, report.AccuracyMeters, report.RadiusMeters,
		report.Category.Major, report.Category.Sub, report.Category.Leaf, report.Description,
		report.CreatedAt, report.LastUpdatedAt, report.MergedCount, string(contributors),
		report.UpvoteCount, report.Withdrawn)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert report rows: %w", err)
	}
	if affected == 0 {
		return "", ErrConflict
	}

	if err := bumpCell(ctx, tx, report.PartitionKey); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert: %w", err)
	}
	return versionToken(1), nil
}

func (s *PostgresStore) Update(ctx context.Context, report CanonicalReport, expected Token) (Token, error) {
	want, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return "", ErrConflict
	}
	contributors, err := json.Marshal(report.Contributors)
	if err != nil {
		return "", fmt.Errorf("marshal contributors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	err = tx.QueryRowContext(ctx, `
		UPDATE canonical_reports
		SET lat=$3, lng=$4, accuracy_m=$5, radius_m=$6, last_updated_at=$7,
			merged_count=$8, contributors=$9, upvote_count=$10, withdrawn=$11,
			version=version+1
		WHERE partition_key=$1 AND id=$2 AND version=$12
		RETURNING version
	`, report.PartitionKey, report.ID, report.Location.Lat, report.Location.Lng, report.AccuracyMeters, report.RadiusMeters,
		report.LastUpdatedAt, report.MergedCount, string(contributors), report.UpvoteCount, report.Withdrawn, want).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM canonical_reports WHERE partition_key=$1 AND id=$2)
		`, report.PartitionKey, report.ID).Scan(&exists); err != nil {
			return "", fmt.Errorf("check report: %w", err)
		}
		if !exists {
			return "", ErrNotFound
		}
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("update report: %w", err)
	}

	if err := bumpCell(ctx, tx, report.PartitionKey); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit update: %w", err)
	}
	return versionToken(next), nil
}

func (s *PostgresStore) Scan(ctx context.Context, partition string, since time.Time) (CellScan, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM report_cells WHERE partition_key=$1`, partition).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CellScan{}, fmt.Errorf("read cell version: %w", err)
	}
	scan := CellScan{Partition: partition, Version: versionToken(version)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM canonical_reports
		WHERE partition_key=$1 AND last_updated_at >= $2
		ORDER BY last_updated_at DESC
	`, partition, since)
	if err != nil {
		return CellScan{}, fmt.Errorf("scan cell %s: %w", partition, err)
	}
	defer rows.Close()

	scan.Reports = make([]CanonicalReport, 0)
	for rows.Next() {
		item, err := scanReport(rows)
		if err != nil {
			return CellScan{}, fmt.Errorf("scan report: %w", err)
		}
		scan.Reports = append(scan.Reports, item)
	}
	if err := rows.Err(); err != nil {
		return CellScan{}, fmt.Errorf("iterate reports: %w", err)
	}
	return scan, nil
}

func (s *PostgresStore) Locate(ctx context.Context, id string) (string, error) {
	var partition string
	err := s.db.QueryRowContext(ctx, `SELECT partition_key FROM canonical_reports WHERE id=$1`, id).Scan(&partition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("locate report: %w", err)
	}
	return partition, nil
}

func (s *PostgresStore) AppendComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_comments (id, report_id, author_id, text, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.ReportID, comment.AuthorID, comment.Text, comment.Origin, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, reportID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, author_id, text, origin, created_at
		FROM report_comments
		WHERE report_id=$1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ReportID, &item.AuthorID, &item.Text, &item.Origin, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUpvote(ctx context.Context, vote UpvoteRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO report_upvotes (report_id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (report_id, user_id) DO NOTHING
	`, vote.ReportID, vote.UserID, vote.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert upvote: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert upvote rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) HasUpvote(ctx context.Context, reportID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM report_upvotes WHERE report_id=$1 AND user_id=$2)
	`, reportID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check upvote: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteUpvote(ctx context.Context, reportID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM report_upvotes WHERE report_id=$1 AND user_id=$2`, reportID, userID); err != nil {
		return fmt.Errorf("delete upvote: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockCell creates the cell row if needed and holds its lock until the
// transaction ends.
func lockCell(ctx context.Context, tx *sql.Tx, partition string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO report_cells (partition_key, version)
		VALUES ($1, 0)
		ON CONFLICT (partition_key) DO NOTHING
	`, partition); err != nil {
		return 0, fmt.Errorf("ensure cell %s: %w", partition, err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `
		SELECT version FROM report_cells WHERE partition_key=$1 FOR UPDATE
	`, partition).Scan(&version); err != nil {
		return 0, fmt.Errorf("lock cell %s: %w", partition, err)
	}
	return version, nil
}

func bumpCell(ctx context.Context, tx *sql.Tx, partition string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO report_cells (partition_key, version)
		VALUES ($1, 1)
		ON CONFLICT (partition_key) DO UPDATE SET version = report_cells.version + 1
	`, partition); err != nil {
		return fmt.Errorf("bump cell %s: %w", partition, err)
	}
	return nil
}
