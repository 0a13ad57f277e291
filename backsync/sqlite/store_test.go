package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/backsync/storetest"
	"github.com/jonwraymond/infergate/request"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_Contract(t *testing.T) {
	s, _ := openTempStore(t)
	storetest.Run(t, s)
}

func TestStore_SurvivesReopen(t *testing.T) {
	s, path := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, storetest.Item("one", "openai", request.PriorityHigh)))
	require.NoError(t, s.Append(ctx, storetest.Item("two", "", request.PriorityLow)))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "one", items[0].ID)
	assert.Equal(t, "openai", items[0].Request.Provider)
	assert.Equal(t, "two", items[1].ID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStore_Unconfigured(t *testing.T) {
	var s *Store
	_, err := s.ListPending(context.Background())
	assert.Error(t, err)
}

func TestStore_CancelledContext(t *testing.T) {
	s, _ := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Append(ctx, storetest.Item("x", "", request.PriorityNormal))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.ListPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, backsync.ErrNotFound)
}
