// Package store persists per-issue crawl results so an interrupted crawl can resume.
package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/bugfind/internal/record"
)

const (
	// BackendNone disables progress persistence.
	BackendNone = "none"
	// BackendMemory keeps progress for the life of the process.
	BackendMemory = "memory"
	// BackendRedis keeps progress in Redis.
	BackendRedis = "redis"
	// BackendSQLite keeps progress in a local SQLite file.
	BackendSQLite = "sqlite"
)

// ProgressStore persists the records produced for each processed issue.
type ProgressStore interface {
	// LoadIssue returns the records saved for key. The bool is false when nothing
	// usable is stored, including entries older than the retention window.
	LoadIssue(ctx context.Context, key string) ([]record.Record, bool, error)
	SaveIssue(ctx context.Context, key string, records []record.Record) error
	Ping(ctx context.Context) error
	Close() error
}

// IssueKey builds the progress key for one issue of one repository.
func IssueKey(repoFullName string, issueNumber int) string {
	return strings.ToLower(strings.TrimSpace(repoFullName)) + "#" + strconv.Itoa(issueNumber)
}

type storedIssue struct {
	records []record.Record
	savedAt time.Time
}

// MemoryStore is an in-memory progress store.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	now       func() time.Time
	issues    map[string]storedIssue
}

// NewMemoryStore creates a memory store. A zero retention keeps entries forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		now:       time.Now,
		issues:    make(map[string]storedIssue),
	}
}

// LoadIssue returns a copy of the records saved for key.
func (s *MemoryStore) LoadIssue(_ context.Context, key string) ([]record.Record, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("issue key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.issues[key]
	if !ok || expired(stored.savedAt, s.retention, s.now()) {
		return nil, false, nil
	}
	return cloneRecords(stored.records), true, nil
}

// SaveIssue stores a copy of records under key, replacing earlier entries.
func (s *MemoryStore) SaveIssue(_ context.Context, key string, records []record.Record) error {
	if key == "" {
		return fmt.Errorf("issue key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.issues[key] = storedIssue{
		records: cloneRecords(records),
		savedAt: s.now(),
	}
	return nil
}

// GC deletes entries older than the retention window.
func (s *MemoryStore) GC(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, stored := range s.issues {
		if expired(stored.savedAt, s.retention, now) {
			delete(s.issues, key)
		}
	}
	return nil
}

// Keys returns the stored issue keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.issues))
	for key := range s.issues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of stored issues, expired ones included until GC runs.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issues), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func expired(savedAt time.Time, retention time.Duration, now time.Time) bool {
	if retention <= 0 {
		return false
	}
	return now.Sub(savedAt) > retention
}

// cloneRecords copies the slice; the pointer fields are never mutated after construction.
func cloneRecords(records []record.Record) []record.Record {
	if records == nil {
		return []record.Record{}
	}
	return slices.Clone(records)
}
