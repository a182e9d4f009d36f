// ============================================================================
// Queue Checkpoint Manager - Atomic Checkpoint File
// ============================================================================
//
// Package: internal/snapshot
// File: manager.go
// Function: Writes the queue checkpoint at shutdown and reads it back for the
//           status command
//
// Atomic write:
//   1. write <path>.tmp
//   2. rename over <path>
//   A reader sees either the previous checkpoint or the new one, never a
//   partial file. A failed rename removes the temp file.
//
// Backups:
//   WriteWithBackup moves the current checkpoint to <path>.<timestamp> first
//   and prunes all but the newest keepBackups copies.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// SchemaVersion is the checkpoint format version this build reads and writes.
const SchemaVersion = 1

var (
	ErrCorruptedCheckpoint = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
)

// Manager owns one checkpoint file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write atomically replaces the checkpoint file.
func (m *Manager) Write(cp types.QueueCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(cp)
}

func (m *Manager) write(cp types.QueueCheckpoint) error {
	cp.SchemaVer = SchemaVersion
	if cp.Tasks == nil {
		cp.Tasks = []types.TaskSummary{}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. A missing file yields an empty checkpoint.
func (m *Manager) Load() (types.QueueCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cp types.QueueCheckpoint
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.QueueCheckpoint{
				Tasks:     []types.TaskSummary{},
				Stats:     map[string]int{},
				SchemaVer: SchemaVersion,
			}, nil
		}
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}

	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("%w: %v", ErrCorruptedCheckpoint, err)
	}
	if cp.SchemaVer != SchemaVersion {
		return cp, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, SchemaVersion)
	}
	if cp.Tasks == nil {
		cp.Tasks = []types.TaskSummary{}
	}
	if cp.Stats == nil {
		cp.Stats = map[string]int{}
	}
	return cp, nil
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the checkpoint file path.
func (m *Manager) Path() string {
	return m.path
}

// WriteWithBackup keeps the previous checkpoint as a timestamped backup, then
// writes cp. Only the newest keepBackups backups survive.
func (m *Manager) WriteWithBackup(cp types.QueueCheckpoint, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backup := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000"))
		if err := os.Rename(m.path, backup); err != nil {
			return fmt.Errorf("backup checkpoint: %w", err)
		}
	}
	if err := m.write(cp); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	// timestamp suffixes sort chronologically
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	var errs []error
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		backups = backups[1:]
	}
	return errors.Join(errs...)
}
