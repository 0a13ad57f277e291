// Package storetest runs the backsync.Store contract against an
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/request"
)

// Item builds a test item with the given ID, provider hint and priority.
func Item(id, provider string, p request.Priority) backsync.Item {
	return backsync.Item{
		ID: id,
		Request: &request.Request{
			ID:          id,
			Provider:    provider,
			Payload:     []byte(`{"prompt":"` + id + `"}`),
			Fingerprint: "fp-" + id,
			Priority:    p,
			Timeout:     3 * time.Second,
			CreatedAt:   time.Unix(1700000000, 0).UTC(),
		},
		EnqueuedAt: time.Unix(1700000000, 0).UTC(),
	}
}

// Run exercises s. s must be empty.
func Run(t *testing.T, s backsync.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		items, err := s.ListPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("append order and round trip", func(t *testing.T) {
		for _, it := range []backsync.Item{
			Item("a", "openai", request.PriorityLow),
			Item("b", "", request.PriorityHigh),
			Item("c", "anthropic", request.PriorityNormal),
		} {
			require.NoError(t, s.Append(ctx, it))
		}

		items, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []string{"a", "b", "c"}, ids(items))

		got := items[0]
		want := Item("a", "openai", request.PriorityLow)
		assert.Equal(t, want.Request.Payload, got.Request.Payload)
		assert.Equal(t, want.Request.Provider, got.Request.Provider)
		assert.Equal(t, want.Request.Priority, got.Request.Priority)
		assert.Equal(t, want.Request.Timeout, got.Request.Timeout)
		assert.Equal(t, want.Request.Fingerprint, got.Request.Fingerprint)
		assert.True(t, want.EnqueuedAt.Equal(got.EnqueuedAt), "EnqueuedAt = %v", got.EnqueuedAt)
	})

	t.Run("duplicate", func(t *testing.T) {
		err := s.Append(ctx, Item("a", "openai", request.PriorityLow))
		assert.ErrorIs(t, err, backsync.ErrDuplicate)
	})

	t.Run("invalid", func(t *testing.T) {
		assert.ErrorIs(t, s.Append(ctx, backsync.Item{ID: "x"}), backsync.ErrInvalidItem)
	})

	t.Run("set attempt", func(t *testing.T) {
		rec, ok := s.(backsync.AttemptRecorder)
		if !ok {
			t.Skip("store does not record attempts")
		}
		require.NoError(t, rec.SetAttempt(ctx, "b", 2))
		assert.ErrorIs(t, rec.SetAttempt(ctx, "missing", 1), backsync.ErrNotFound)

		items, err := s.ListPending(ctx)
		require.NoError(t, err)
		for _, it := range items {
			if it.ID == "b" {
				assert.Equal(t, 2, it.Attempt)
			}
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids(items), "SetAttempt must not reorder")
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, "b"))
		assert.ErrorIs(t, s.Remove(ctx, "b"), backsync.ErrNotFound)

		items, err := s.ListPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(items))

		require.NoError(t, s.Append(ctx, Item("b", "", request.PriorityHigh)))
		items, err = s.ListPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c", "b"}, ids(items), "re-appended item goes to the back")
	})
}

func ids(items []backsync.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
