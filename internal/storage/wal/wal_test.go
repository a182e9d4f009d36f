package wal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.wal")
	w, err := Open(path, true)
	require.NoError(t, err)

	_, err = w.Append([]byte(`{"content": "first <b>", "n": 1}`))
	require.NoError(t, err)
	e2, err := w.Append([]byte(`{"content":"second","n":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Seq)

	var payloads []string
	require.NoError(t, w.Replay(func(e Entry) error {
		payloads = append(payloads, string(e.Payload))
		return nil
	}))
	assert.Equal(t, []string{`{"content":"first <b>","n":1}`, `{"content":"second","n":2}`}, payloads)
	require.NoError(t, w.Close())
}

func TestAppendRejectsInvalidJSON(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "m.wal"), false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("not json"))
	assert.Error(t, err)
	assert.Equal(t, uint64(0), w.LastSeq())
}

func TestReopenResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append([]byte(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := Open(path, false)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.LastSeq())

	e, err := w2.Append([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	_, err = w.Append([]byte(`{"v":"original"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "original", "tampered", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	w2, err := Open(path, false)
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "m.wal"), false)
	require.NoError(t, err)
	defer w.Close()
	for i := 0; i < 3; i++ {
		_, _ = w.Append([]byte(`{}`))
	}

	stop := errors.New("stop")
	seen := 0
	err = w.Replay(func(Entry) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestClosedWAL(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "m.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	_, err = w.Append([]byte(`{}`))
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Replay(func(Entry) error { return nil }), ErrWALClosed)
}

func TestChecksum(t *testing.T) {
	a := CalculateChecksum(1, []byte(`{"a":1}`))
	assert.Equal(t, a, CalculateChecksum(1, []byte(`{"a":1}`)))
	assert.NotEqual(t, a, CalculateChecksum(2, []byte(`{"a":1}`)), "seq is covered")
	assert.NotEqual(t, a, CalculateChecksum(1, []byte(`{"a":2}`)), "payload is covered")
}
