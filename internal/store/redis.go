package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cam3ron2/bugfind/internal/record"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type redisCommander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed progress store.
type RedisStoreConfig struct {
	Namespace string
	Retention time.Duration
}

// RedisStore stores per-issue records in Redis hashes indexed by a set.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed progress store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "bugfind"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// SaveIssue writes the records for key and indexes it.
func (s *RedisStore) SaveIssue(ctx context.Context, key string, records []record.Record) (err error) {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if key == "" {
		return fmt.Errorf("issue key is required")
	}

	ctx, span := startRedisSpan(ctx, "redis.save_issue", key)
	defer endRedisSpan(span, &err)

	if records == nil {
		records = []record.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal issue records: %w", err)
	}

	savedAt := s.now()
	issueID := hashIssueKey(key)
	dataKey := s.issueDataKey(issueID)
	fields := map[string]any{
		"key":      key,
		"records":  string(payload),
		"count":    strconv.Itoa(len(records)),
		"saved_at": strconv.FormatInt(savedAt.UnixNano(), 10),
	}
	if err := s.client.HSet(ctx, dataKey, fields).Err(); err != nil {
		return fmt.Errorf("write issue hash: %w", err)
	}
	if err := s.client.SAdd(ctx, s.issuesIndexKey(), issueID).Err(); err != nil {
		return fmt.Errorf("index issue: %w", err)
	}
	if s.retention > 0 {
		if err := s.client.ExpireAt(ctx, dataKey, savedAt.Add(s.retention)).Err(); err != nil {
			return fmt.Errorf("set issue ttl: %w", err)
		}
	}
	return nil
}

// LoadIssue reads the records saved for key.
func (s *RedisStore) LoadIssue(ctx context.Context, key string) (_ []record.Record, _ bool, err error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("redis store is not initialized")
	}
	if key == "" {
		return nil, false, fmt.Errorf("issue key is required")
	}

	ctx, span := startRedisSpan(ctx, "redis.load_issue", key)
	defer endRedisSpan(span, &err)

	fields, err := s.client.HGetAll(ctx, s.issueDataKey(hashIssueKey(key))).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read issue hash: %w", err)
	}
	if len(fields) == 0 || fields["key"] != key {
		return nil, false, nil
	}
	if nanos, parseErr := strconv.ParseInt(fields["saved_at"], 10, 64); parseErr == nil {
		if expired(time.Unix(0, nanos), s.retention, s.now()) {
			return nil, false, nil
		}
	}

	var records []record.Record
	if err := json.Unmarshal([]byte(fields["records"]), &records); err != nil {
		return nil, false, fmt.Errorf("decode issue records: %w", err)
	}
	if records == nil {
		records = []record.Record{}
	}
	return records, true, nil
}

// GC removes stale index references whose issue hashes have already expired.
func (s *RedisStore) GC(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}

	issueIDs, err := s.client.SMembers(ctx, s.issuesIndexKey()).Result()
	if err != nil {
		return fmt.Errorf("list issue index: %w", err)
	}
	for _, issueID := range issueIDs {
		exists, err := s.client.Exists(ctx, s.issueDataKey(issueID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, s.issuesIndexKey(), issueID).Err()
		}
	}
	return nil
}

// Count returns the number of indexed issues.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("redis store is not initialized")
	}
	issueIDs, err := s.client.SMembers(ctx, s.issuesIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list issue index: %w", err)
	}
	return len(issueIDs), nil
}

func startRedisSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return otel.Tracer("bugfind/internal/store").Start(
		ctx,
		name,
		trace.WithAttributes(attribute.String("bugfind.issue_key", key)),
	)
}

func endRedisSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) issuesIndexKey() string {
	return s.prefixed("issues:index")
}

func (s *RedisStore) issueDataKey(issueID string) string {
	return s.prefixed("issue:" + issueID)
}

func hashIssueKey(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
