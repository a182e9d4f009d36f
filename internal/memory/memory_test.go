package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultSearchLimit, ClampLimit(0))
	assert.Equal(t, DefaultSearchLimit, ClampLimit(-3))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, 250, ClampLimit(250))
	assert.Equal(t, MaxSearchLimit, ClampLimit(10_000))
}

func TestMatches(t *testing.T) {
	rec := Record{Content: "Reduce P95 latency", Metadata: map[string]any{"type": "delegated_task"}}

	assert.True(t, Matches(rec, ""))
	assert.True(t, Matches(rec, "delegated_task"))
	assert.True(t, Matches(rec, "p95"), "content match is case-insensitive")
	assert.False(t, Matches(rec, "deep_analysis"))
}

func TestPrepareStampsMetadata(t *testing.T) {
	in := Record{Content: "hello", Metadata: map[string]any{"type": "x"}}
	out := Prepare(in)

	assert.NotEmpty(t, out.ID)
	assert.False(t, out.CreatedAt.IsZero())
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", out.Metadata["contentHash"])
	assert.Equal(t, 5, out.Metadata["contentLength"])
	assert.NotContains(t, in.Metadata, "contentHash", "input metadata is not mutated")
}

func TestInMemorySearch(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, c := range []string{"a", "b", "c"} {
		_, err := m.Add(ctx, Record{
			Content:   c,
			Scope:     "s1",
			Metadata:  map[string]any{"type": "delegated_task"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := m.Add(ctx, Record{Content: "other", Scope: "s2", Metadata: map[string]any{"type": "delegated_task"}})
	require.NoError(t, err)

	got, err := m.Search(ctx, "delegated_task", "s1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Content, "newest first")
	assert.Equal(t, "b", got[1].Content)
	assert.Equal(t, 4, m.Len())
}

func TestInMemoryFailWith(t *testing.T) {
	m := NewInMemory()
	boom := errors.New("boom")
	m.FailWith(boom)

	_, err := m.Add(context.Background(), Record{Content: "x"})
	assert.ErrorIs(t, err, boom)

	m.FailWith(nil)
	_, err = m.Add(context.Background(), Record{Content: "x"})
	assert.NoError(t, err)
}

func TestInMemoryHonorsContext(t *testing.T) {
	m := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Add(ctx, Record{Content: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = m.Search(ctx, "", "", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
