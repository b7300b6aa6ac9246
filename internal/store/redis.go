package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps canonical reports in Redis, partitioned by cell.
//
// Layout, under the store prefix:
//
//	report:{cell}:{id}   JSON record with an integer version
//	cell:{cell}          ZSET of report ids scored by last update (ms)
//	cellver:{cell}       counter bumped by every write into the cell
//	report-cell:{id}     cell holding the report
//	comments:{id}        ZSET of JSON comments scored by creation (ms)
//	upvotes:{id}         HASH user id -> upvote time
//
// Conditional writes use WATCH/MULTI, so a write that lost a race aborts
// with ErrConflict.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisRecord struct {
	CanonicalReport
	Version int64 `json:"version"`
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "lp:",
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) reportKey(partition, id string) string {
	return s.prefix + "report:" + partition + ":" + id
}

func (s *RedisStore) cellKey(partition string) string {
	return s.prefix + "cell:" + partition
}

func (s *RedisStore) cellVersionKey(partition string) string {
	return s.prefix + "cellver:" + partition
}

func (s *RedisStore) locateKey(id string) string {
	return s.prefix + "report-cell:" + id
}

func (s *RedisStore) commentsKey(reportID string) string {
	return s.prefix + "comments:" + reportID
}

func (s *RedisStore) upvotesKey(reportID string) string {
	return s.prefix + "upvotes:" + reportID
}

func (s *RedisStore) Get(ctx context.Context, partition, id string) (CanonicalReport, error) {
	raw, err := s.client.Get(ctx, s.reportKey(partition, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CanonicalReport{}, ErrNotFound
	}
	if err != nil {
		return CanonicalReport{}, fmt.Errorf("get report: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return CanonicalReport{}, err
	}
	return rec.report(), nil
}

// Insert writes a new report if its id is unused and every guarded cell is
// still at the version observed by the caller's scan.
func (s *RedisStore) Insert(ctx context.Context, report CanonicalReport, guards []CellGuard) (Token, error) {
	reportKey := s.reportKey(report.PartitionKey, report.ID)
	locateKey := s.locateKey(report.ID)
	watched := []string{reportKey, locateKey}
	for _, g := range guards {
		watched = append(watched, s.cellVersionKey(g.Partition))
	}

	payload, err := json.Marshal(redisRecord{CanonicalReport: report, Version: 1})
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, reportKey, locateKey).Result()
		if err != nil {
			return fmt.Errorf("check report absence: %w", err)
		}
		if n > 0 {
			return ErrConflict
		}
		for _, g := range guards {
			current, err := readCounter(ctx, tx, s.cellVersionKey(g.Partition))
			if err != nil {
				return err
			}
			if current != g.Version {
				return ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, reportKey, payload, 0)
			pipe.ZAdd(ctx, s.cellKey(report.PartitionKey), redis.Z{Score: scoreOf(report.LastUpdatedAt), Member: report.ID})
			pipe.Incr(ctx, s.cellVersionKey(report.PartitionKey))
			pipe.Set(ctx, locateKey, report.PartitionKey, 0)
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return "", classifyTxError("insert report", err)
	}
	return versionToken(1), nil
}

// Update replaces a report if its stored token still equals expected.
func (s *RedisStore) Update(ctx context.Context, report CanonicalReport, expected Token) (Token, error) {
	reportKey := s.reportKey(report.PartitionKey, report.ID)
	var next int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, reportKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read report: %w", err)
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if versionToken(current.Version) != expected {
			return ErrConflict
		}
		next = current.Version + 1
		payload, err := json.Marshal(redisRecord{CanonicalReport: report, Version: next})
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, reportKey, payload, 0)
			pipe.ZAdd(ctx, s.cellKey(report.PartitionKey), redis.Z{Score: scoreOf(report.LastUpdatedAt), Member: report.ID})
			pipe.Incr(ctx, s.cellVersionKey(report.PartitionKey))
			return nil
		})
		return err
	}, reportKey)
	if err != nil {
		return "", classifyTxError("update report", err)
	}
	return versionToken(next), nil
}

// Scan returns the reports in a cell updated at or after since, together
// with the cell version read before the reports.
func (s *RedisStore) Scan(ctx context.Context, partition string, since time.Time) (CellScan, error) {
	version, err := readCounter(ctx, s.client, s.cellVersionKey(partition))
	if err != nil {
		return CellScan{}, err
	}
	scan := CellScan{Partition: partition, Version: version}

	lower := "-inf"
	if !since.IsZero() {
		lower = strconv.FormatFloat(scoreOf(since), 'f', 0, 64)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.cellKey(partition), &redis.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return CellScan{}, fmt.Errorf("scan cell %s: %w", partition, err)
	}
	if len(ids) == 0 {
		return scan, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reportKey(partition, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return CellScan{}, fmt.Errorf("load cell %s: %w", partition, err)
	}
	scan.Reports = make([]CanonicalReport, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return CellScan{}, err
		}
		scan.Reports = append(scan.Reports, rec.report())
	}
	return scan, nil
}

func (s *RedisStore) Locate(ctx context.Context, id string) (string, error) {
	partition, err := s.client.Get(ctx, s.locateKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("locate report: %w", err)
	}
	return partition, nil
}

func (s *RedisStore) AppendComment(ctx context.Context, comment Comment) error {
	payload, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	member := redis.Z{Score: scoreOf(comment.CreatedAt), Member: payload}
	if err := s.client.ZAdd(ctx, s.commentsKey(comment.ReportID), member).Err(); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

func (s *RedisStore) ListComments(ctx context.Context, reportID string) ([]Comment, error) {
	members, err := s.client.ZRange(ctx, s.commentsKey(reportID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	items := make([]Comment, 0, len(members))
	for _, m := range members {
		var c Comment
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			return nil, fmt.Errorf("unmarshal comment: %w", err)
		}
		items = append(items, c)
	}
	return items, nil
}

// InsertUpvote records the pair only if absent and reports whether it did.
func (s *RedisStore) InsertUpvote(ctx context.Context, vote UpvoteRecord) (bool, error) {
	added, err := s.client.HSetNX(ctx, s.upvotesKey(vote.ReportID), vote.UserID, vote.CreatedAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("insert upvote: %w", err)
	}
	return added, nil
}

func (s *RedisStore) HasUpvote(ctx context.Context, reportID, userID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.upvotesKey(reportID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check upvote: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) DeleteUpvote(ctx context.Context, reportID, userID string) error {
	if err := s.client.HDel(ctx, s.upvotesKey(reportID), userID).Err(); err != nil {
		return fmt.Errorf("delete upvote: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (r redisRecord) report() CanonicalReport {
	out := r.CanonicalReport
	out.Token = versionToken(r.Version)
	if out.Contributors == nil {
		out.Contributors = map[string]int{}
	}
	return out
}

func decodeRecord(raw []byte) (redisRecord, error) {
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return redisRecord{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return rec, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readCounter(ctx context.Context, c stringGetter, key string) (Token, error) {
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cell version: %w", err)
	}
	return Token(v), nil
}

func classifyTxError(op string, err error) error {
	switch {
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func versionToken(v int64) Token {
	return Token(strconv.FormatInt(v, 10))
}

func scoreOf(t time.Time) float64 {
	if t.IsZero() {
		return math.Inf(-1)
	}
	return float64(t.UnixMilli())
}
