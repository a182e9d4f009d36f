// Package walstore is a file-backed Memory Substrate built on the append-only WAL.
package walstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/storage/wal"
)

// Store keeps every record in the WAL and an in-memory index rebuilt on open.
type Store struct {
	mu      sync.RWMutex
	log     *wal.WAL
	records []memory.Record
}

// Open opens (or creates) the WAL at path and replays it into memory.
func Open(path string) (*Store, error) {
	log, err := wal.Open(path, true)
	if err != nil {
		return nil, err
	}

	s := &Store{log: log}
	err = log.Replay(func(e wal.Entry) error {
		var rec memory.Record
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return fmt.Errorf("decode record seq=%d: %w", e.Seq, err)
		}
		s.records = append(s.records, rec)
		return nil
	})
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}

	return s, nil
}

// Add implements memory.Substrate.
func (s *Store) Add(ctx context.Context, rec memory.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec = memory.Prepare(rec)

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.log.Append(payload); err != nil {
		return "", err
	}
	s.records = append(s.records, rec)
	return rec.ID, nil
}

// Search implements memory.Substrate.
func (s *Store) Search(ctx context.Context, query, scope string, limit int) ([]memory.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memory.Filter(s.records, query, scope, limit), nil
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	return s.log.Close()
}
