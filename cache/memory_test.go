package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCache_GetSetDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if val, ok := c.Get(ctx, "missing"); ok || val != nil {
		t.Fatal("Get on empty cache should miss")
	}

	value := []byte("response")
	if err := c.Set(ctx, "fp1", value, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok := c.Get(ctx, "fp1")
	if !ok || !bytes.Equal(got, value) {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	if err := c.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("Get after Delete should miss")
	}
	if err := c.Delete(ctx, "fp1"); err != nil {
		t.Errorf("Delete should be idempotent, got: %v", err)
	}
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	value := []byte("abc")
	_ = c.Set(ctx, "fp", value, time.Minute)
	value[0] = 'X'

	got, _ := c.Get(ctx, "fp")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
	got[1] = 'Y'
	again, _ := c.Get(ctx, "fp")
	if string(again) != "abc" {
		t.Fatalf("returned value aliased stored slice: %q", again)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache(WithClock(clk.Now))
	ctx := context.Background()

	_ = c.Set(ctx, "fp", []byte("v"), 10*time.Second)

	clk.Advance(9 * time.Second)
	if _, ok := c.Get(ctx, "fp"); !ok {
		t.Fatal("entry should be live before TTL")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, "fp"); ok {
		t.Fatal("entry must not be returned once TTL elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed lazily, Len = %d", c.Len())
	}
}

func TestMemoryCache_ZeroTTLNotStored(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "fp", []byte("v"), 0)
	_ = c.Set(ctx, "fp2", []byte("v"), -time.Second)
	if c.Len() != 0 {
		t.Fatalf("non-positive TTL stored entries: Len = %d", c.Len())
	}
}

func TestMemoryCache_SetRejectsInvalidKey(t *testing.T) {
	c := NewMemoryCache()
	if err := c.Set(context.Background(), "", []byte("v"), time.Minute); err != ErrInvalidKey {
		t.Fatalf("Set with empty key = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryCache_InvalidateByPrefix(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Minute, "provider:openai", "model:gpt")
	_ = c.Set(ctx, "b", []byte("2"), time.Minute, "provider:openai-eu")
	_ = c.Set(ctx, "c", []byte("3"), time.Minute, "provider:anthropic")
	_ = c.Set(ctx, "d", []byte("4"), time.Minute)

	n, err := c.InvalidateByPrefix(ctx, "provider:openai")
	if err != nil {
		t.Fatalf("InvalidateByPrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d entries, want 2", n)
	}
	for _, fp := range []string{"a", "b"} {
		if _, ok := c.Get(ctx, fp); ok {
			t.Errorf("%s should be invalidated", fp)
		}
	}
	for _, fp := range []string{"c", "d"} {
		if _, ok := c.Get(ctx, fp); !ok {
			t.Errorf("%s should survive", fp)
		}
	}

	n, err = c.InvalidateByPrefix(ctx, "model:")
	if err != nil || n != 0 {
		t.Errorf("second tag of a removed entry should be gone: n=%d err=%v", n, err)
	}
}

func TestMemoryCache_InvalidateNoMatchIsNoop(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	n, err := c.InvalidateByPrefix(ctx, "provider:nobody")
	if err != nil || n != 0 {
		t.Fatalf("empty cache: n=%d err=%v, want 0, nil", n, err)
	}

	_ = c.Set(ctx, "a", []byte("1"), time.Minute, "provider:openai")
	n, err = c.InvalidateByPrefix(ctx, "provider:nobody")
	if err != nil || n != 0 {
		t.Fatalf("no match: n=%d err=%v, want 0, nil", n, err)
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("unrelated entry removed")
	}

	if _, err := c.InvalidateByPrefix(ctx, ""); err != ErrInvalidTag {
		t.Errorf("empty prefix = %v, want ErrInvalidTag", err)
	}
}

func TestMemoryCache_OverwriteReplacesTags(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "fp", []byte("old"), time.Minute, "provider:openai")
	_ = c.Set(ctx, "fp", []byte("new"), time.Minute, "provider:anthropic")

	if n, _ := c.InvalidateByPrefix(ctx, "provider:openai"); n != 0 {
		t.Errorf("stale tag still indexed: removed %d", n)
	}
	got, ok := c.Get(ctx, "fp")
	if !ok || string(got) != "new" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryCache_Sweep(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache(WithClock(clk.Now))
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("v"), time.Second, "t:short")
	_ = c.Set(ctx, "long", []byte("v"), time.Hour, "t:long")

	clk.Advance(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if n, _ := c.InvalidateByPrefix(ctx, "t:short"); n != 0 {
		t.Error("swept entry left in tag index")
	}
}

func TestMemoryCache_BackgroundSweep(t *testing.T) {
	c := NewMemoryCache(WithSweepInterval(5 * time.Millisecond))
	defer c.Close()

	_ = c.Set(context.Background(), "fp", []byte("v"), time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep never removed the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("fp-%d", i%8)
			tag := fmt.Sprintf("provider:p%d", i%3)
			for j := 0; j < 200; j++ {
				_ = c.Set(ctx, fp, []byte("v"), time.Minute, tag)
				c.Get(ctx, fp)
				if j%50 == 0 {
					_, _ = c.InvalidateByPrefix(ctx, "provider:p1")
				}
			}
		}(i)
	}
	wg.Wait()
}
