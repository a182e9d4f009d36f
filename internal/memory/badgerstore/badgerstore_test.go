package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestAddAndSearchNewestFirst(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, c := range []string{"first", "second", "third"} {
		_, err := s.Add(ctx, memory.Record{
			Content:   c,
			Scope:     "task-delegation",
			Metadata:  map[string]any{"type": "delegated_task"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.Add(ctx, memory.Record{
		Content:   "analysis",
		Scope:     "task-delegation",
		Metadata:  map[string]any{"type": "deep_analysis"},
		CreatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := s.Search(ctx, "delegated_task", "task-delegation", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
}

func TestSearchIsScoped(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	_, err := s.Add(ctx, memory.Record{Content: "a", Scope: "alpha"})
	require.NoError(t, err)
	_, err = s.Add(ctx, memory.Record{Content: "b", Scope: "alphabet"})
	require.NoError(t, err)

	got, err := s.Search(ctx, "", "alpha", 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "scope prefix must not leak into longer scope names")
	assert.Equal(t, "a", got[0].Content)

	all, err := s.Search(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
