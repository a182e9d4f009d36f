package snapshot

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

func sampleCheckpoint(takenAt int64) types.QueueCheckpoint {
	return types.QueueCheckpoint{
		Tasks: []types.TaskSummary{
			{ID: "t1", Status: types.StatusQueued, Action: "reduce p95 latency"},
			{ID: "t2", Status: types.StatusFailed, Action: "water the plants", Attempts: 3},
		},
		Stats:   map[string]int{"queued": 1, "failed": 1, "total": 2},
		TakenAt: takenAt,
	}
}

func TestWriteAndLoad(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state", "checkpoint.json"))
	assert.False(t, m.Exists())

	require.NoError(t, m.Write(sampleCheckpoint(42)))
	assert.True(t, m.Exists())

	cp, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cp.SchemaVer)
	assert.Equal(t, int64(42), cp.TakenAt)
	require.Len(t, cp.Tasks, 2)
	assert.Equal(t, "water the plants", cp.Tasks[1].Action)
	assert.Equal(t, 2, cp.Stats["total"])

	_, err = os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "none.json"))
	cp, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, cp.Tasks)
	assert.NotNil(t, cp.Stats)
	assert.Equal(t, SchemaVersion, cp.SchemaVer)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"corrupted", "{not json", ErrCorruptedCheckpoint},
		{"version mismatch", `{"tasks":[],"schema_ver":2}`, ErrIncompatibleVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// the checkpoint path is an existing directory, so the rename fails
	path := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	err := NewManager(path).Write(sampleCheckpoint(1))
	require.Error(t, err)
	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteWithBackupPrunes(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, m.WriteWithBackup(sampleCheckpoint(i), 2))
		now = now.Add(time.Second)
	}

	backups, err := m.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	cp, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(4), cp.TakenAt)
}

func TestConcurrentWriteAndLoad(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, m.Write(sampleCheckpoint(50)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int64) {
			defer wg.Done()
			assert.NoError(t, m.Write(sampleCheckpoint(100+n)))
		}(int64(i))
		go func() {
			defer wg.Done()
			cp, err := m.Load()
			assert.NoError(t, err)
			assert.Len(t, cp.Tasks, 2)
		}()
	}
	wg.Wait()
}
