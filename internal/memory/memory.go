// Package memory defines the Memory Substrate contract: a durable, append-mostly
// record store used to persist task state and analysis results.
package memory

import (
	"context"
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Limits applied to Search, matching the memory server API.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 500
)

// Record is one stored memory.
type Record struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Scope     string         `json:"scope"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Substrate persists and searches records. Implementations must be safe for
// concurrent use.
type Substrate interface {
	Add(ctx context.Context, rec Record) (string, error)
	Search(ctx context.Context, query, scope string, limit int) ([]Record, error)
}

// ClampLimit maps a requested limit into [1, MaxSearchLimit]; non-positive
// values mean DefaultSearchLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

// Matches reports whether rec satisfies query: an empty query matches all,
// otherwise the metadata "type" must equal query or the content must contain it.
func Matches(rec Record, query string) bool {
	if query == "" {
		return true
	}
	if t, ok := rec.Metadata["type"].(string); ok && t == query {
		return true
	}
	return strings.Contains(strings.ToLower(rec.Content), strings.ToLower(query))
}

// Prepare fills ID and CreatedAt when missing and stamps content metadata.
func Prepare(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	md := make(map[string]any, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		md[k] = v
	}
	sum := md5.Sum([]byte(rec.Content)) //nolint:gosec // see import
	md["contentHash"] = hex.EncodeToString(sum[:])
	md["contentLength"] = len(rec.Content)
	rec.Metadata = md
	return rec
}

// InMemory is a process-local Substrate. It backs the "none" persistence mode
// in tests and the simulate command.
type InMemory struct {
	mu      sync.RWMutex
	records []Record
	addErr  error
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// FailWith makes every later Add return err (nil restores normal behavior).
func (m *InMemory) FailWith(err error) {
	m.mu.Lock()
	m.addErr = err
	m.mu.Unlock()
}

// Add implements Substrate.
func (m *InMemory) Add(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return "", m.addErr
	}
	rec = Prepare(rec)
	m.records = append(m.records, rec)
	return rec.ID, nil
}

// Search implements Substrate. Results are newest first.
func (m *InMemory) Search(ctx context.Context, query, scope string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Filter(m.records, query, scope, limit), nil
}

// Len returns the number of stored records.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Filter selects matching records in scope, newest first, up to limit.
func Filter(records []Record, query, scope string, limit int) []Record {
	limit = ClampLimit(limit)
	out := make([]Record, 0, limit)
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if scope != "" && r.Scope != scope {
			continue
		}
		if !Matches(r, query) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
