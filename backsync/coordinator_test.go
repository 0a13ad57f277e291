package backsync_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/backsync/storetest"
	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/request"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, backsync.NewMemoryStore())
}

func TestMemoryStore_Closed(t *testing.T) {
	s := backsync.NewMemoryStore()
	_ = s.Close()
	if err := s.Append(context.Background(), storetest.Item("a", "", request.PriorityNormal)); !errors.Is(err, backsync.ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
}

// replayRecorder records replayed IDs and answers from a fixed table.
type replayRecorder struct {
	mu      sync.Mutex
	order   []string
	results map[string]error
}

func (r *replayRecorder) replay(_ context.Context, it backsync.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, it.ID)
	return r.results[it.ID]
}

func (r *replayRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func persist(t *testing.T, c *backsync.Coordinator, id, provider string, p request.Priority) {
	t.Helper()
	req := &request.Request{ID: id, Provider: provider, Payload: []byte("x"), Priority: p}
	if _, err := c.Persist(context.Background(), req); err != nil {
		t.Fatalf("Persist(%s): %v", id, err)
	}
}

func TestCoordinator_ReplayPriorityThenFIFO(t *testing.T) {
	rec := &replayRecorder{}
	store := backsync.NewMemoryStore()
	c := backsync.NewCoordinator(store, rec.replay, backsync.Config{StartOffline: true})
	ctx := context.Background()

	persist(t, c, "n1", "", request.PriorityNormal)
	persist(t, c, "l1", "", request.PriorityLow)
	persist(t, c, "n2", "", request.PriorityNormal)
	persist(t, c, "h1", "", request.PriorityHigh)

	rep, err := c.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Replayed != 0 || rep.Remaining != 4 {
		t.Fatalf("offline replay = %+v, want nothing replayed", rep)
	}

	c.SetOnline(true)
	rep, err = c.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Replayed != 4 || rep.Removed != 4 || rep.Remaining != 0 {
		t.Errorf("Report = %+v", rep)
	}

	want := []string{"h1", "n1", "n2", "l1"}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("replayed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay order = %v, want %v", got, want)
			break
		}
	}
}

func TestCoordinator_RetryableFailureStopsProvider(t *testing.T) {
	rec := &replayRecorder{results: map[string]error{
		"a1": fault.Provider("a", 503, nil),
	}}
	store := backsync.NewMemoryStore()
	c := backsync.NewCoordinator(store, rec.replay, backsync.Config{})

	persist(t, c, "a1", "a", request.PriorityNormal)
	persist(t, c, "a2", "a", request.PriorityNormal)
	persist(t, c, "b1", "b", request.PriorityNormal)

	rep, err := c.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Remaining != 2 || rep.Removed != 1 {
		t.Errorf("Report = %+v, want a1 and a2 kept, b1 removed", rep)
	}
	for _, id := range rec.seen() {
		if id == "a2" {
			t.Error("a2 replayed after a1 failed")
		}
	}

	items, _ := store.ListPending(context.Background())
	if len(items) != 2 || items[0].ID != "a1" || items[0].Attempt != 1 {
		t.Errorf("pending = %+v, want a1 first with one attempt", items)
	}
}

func TestCoordinator_TerminalFailureRemoves(t *testing.T) {
	rec := &replayRecorder{results: map[string]error{
		"bad": fault.Provider("p", 400, nil),
	}}
	c := backsync.NewCoordinator(backsync.NewMemoryStore(), rec.replay, backsync.Config{})

	persist(t, c, "bad", "p", request.PriorityNormal)
	persist(t, c, "good", "p", request.PriorityNormal)

	rep, _ := c.Replay(context.Background())
	if rep.Remaining != 0 || rep.Removed != 2 {
		t.Errorf("Report = %+v", rep)
	}
}

func TestCoordinator_SerialPerProvider(t *testing.T) {
	var active, peak atomic.Int32
	replay := func(_ context.Context, it backsync.Item) error {
		if it.Provider() != "solo" {
			return nil
		}
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	c := backsync.NewCoordinator(backsync.NewMemoryStore(), replay, backsync.Config{})
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		persist(t, c, id, "solo", request.PriorityNormal)
	}
	persist(t, c, "o1", "other", request.PriorityNormal)

	if _, err := c.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency within a provider = %d, want 1", peak.Load())
	}
}

func TestCoordinator_ReconnectTriggersRun(t *testing.T) {
	rec := &replayRecorder{}
	c := backsync.NewCoordinator(backsync.NewMemoryStore(), rec.replay, backsync.Config{StartOffline: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	persist(t, c, "r1", "", request.PriorityNormal)
	if !c.SetOnline(true) {
		t.Fatal("SetOnline(true) reported no change")
	}
	if c.SetOnline(true) {
		t.Error("repeated SetOnline(true) reported a change")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := c.Pending(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backlog not drained after reconnect: %d pending", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_Discard(t *testing.T) {
	c := backsync.NewCoordinator(backsync.NewMemoryStore(), nil, backsync.Config{})
	persist(t, c, "d1", "", request.PriorityNormal)

	ok, err := c.Discard(context.Background(), "d1")
	if err != nil || !ok {
		t.Fatalf("Discard = %v, %v; want true", ok, err)
	}
	ok, err = c.Discard(context.Background(), "d1")
	if err != nil || ok {
		t.Fatalf("second Discard = %v, %v; want false", ok, err)
	}
}

func TestCoordinator_PersistRejectsMissingID(t *testing.T) {
	c := backsync.NewCoordinator(backsync.NewMemoryStore(), nil, backsync.Config{})
	if _, err := c.Persist(context.Background(), &request.Request{Payload: []byte("x")}); !errors.Is(err, backsync.ErrInvalidItem) {
		t.Errorf("Persist without ID = %v", err)
	}
}

// flakyStore fails the first Remove call.
type flakyStore struct {
	*backsync.MemoryStore
	failed atomic.Bool
}

func (s *flakyStore) Remove(ctx context.Context, id string) error {
	if s.failed.CompareAndSwap(false, true) {
		return errors.New("database is locked")
	}
	return s.MemoryStore.Remove(ctx, id)
}

func TestCoordinator_RemoveIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: backsync.NewMemoryStore()}
	c := backsync.NewCoordinator(store, func(context.Context, backsync.Item) error { return nil }, backsync.Config{})
	persist(t, c, "x", "", request.PriorityNormal)

	rep, err := c.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0 after retried removal", rep.Remaining)
	}
}
