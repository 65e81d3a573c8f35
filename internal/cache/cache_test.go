package cache

import (
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
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func key(s string) Key { return Fingerprint("test", nil, s) }

func TestGetReturnsLastValue(t *testing.T) {
	c := New(Config{TTL: time.Minute, MaxItems: 4})
	c.Put(key("a"), []byte("one"))
	c.Put(key("a"), []byte("two"))

	got, ok := c.Get(key("a"))
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "two" {
		t.Fatalf("expected last value, got %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{TTL: time.Second, MaxItems: 2}, WithClock(clk.Now))
	c.Put(key("a"), []byte("A"))

	clk.Advance(999 * time.Millisecond)
	if _, ok := c.Get(key("a")); !ok {
		t.Fatal("expected hit before expiry")
	}
	clk.Advance(time.Millisecond)
	if _, ok := c.Get(key("a")); ok {
		t.Fatal("expected miss at expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry purged, have %d", c.Len())
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Expirations != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCapacityEvictsSoonestExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{TTL: time.Second, MaxItems: 2}, WithClock(clk.Now))

	c.Put(key("A"), []byte("A"))
	clk.Advance(10 * time.Millisecond)
	c.Put(key("B"), []byte("B"))
	clk.Advance(10 * time.Millisecond)
	c.Put(key("C"), []byte("C"))

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(key("A")); ok {
		t.Fatal("expected A evicted")
	}
	for _, k := range []string{"B", "C"} {
		if _, ok := c.Get(key(k)); !ok {
			t.Fatalf("expected %s to survive", k)
		}
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(key("B")); ok {
		t.Fatal("expected B expired after ttl")
	}
}

func TestEvictionFollowsExpiryNotInsertion(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{TTL: time.Hour, MaxItems: 2}, WithClock(clk.Now))

	c.PutTTL(key("long"), []byte("L"), time.Hour)
	c.PutTTL(key("short"), []byte("S"), time.Minute)
	c.PutTTL(key("new"), []byte("N"), time.Hour)

	if _, ok := c.Get(key("short")); ok {
		t.Fatal("expected entry with nearest expiry evicted")
	}
	if _, ok := c.Get(key("long")); !ok {
		t.Fatal("expected older entry with later expiry kept")
	}
}

func TestCapacityPurgesExpiredFirst(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{TTL: time.Minute, MaxItems: 3}, WithClock(clk.Now))

	c.PutTTL(key("stale"), []byte("x"), time.Second)
	c.Put(key("a"), []byte("a"))
	c.Put(key("b"), []byte("b"))
	clk.Advance(2 * time.Second)
	c.Put(key("c"), []byte("c"))

	for _, k := range []string{"a", "b", "c"} {
		if _, ok := c.Get(key(k)); !ok {
			t.Fatalf("expected %s present", k)
		}
	}
	if st := c.Stats(); st.Evictions != 0 || st.Expirations != 1 {
		t.Fatalf("expected only the expired entry purged, stats %+v", st)
	}
}

func TestNeverExceedsMaxItems(t *testing.T) {
	c := New(Config{TTL: time.Minute, MaxItems: 8})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Put(key(fmt.Sprintf("%d-%d", w, i)), []byte("v"))
				if n := c.Len(); n > 8 {
					t.Errorf("cache grew to %d", n)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if c.Len() > 8 {
		t.Fatalf("cache holds %d entries", c.Len())
	}
}

func TestDisabledCache(t *testing.T) {
	c := New(Config{TTL: time.Minute, MaxItems: 0})
	c.Put(key("a"), []byte("a"))
	if _, ok := c.Get(key("a")); ok {
		t.Fatal("expected disabled cache to miss")
	}

	var nilCache *Cache
	nilCache.Put(key("a"), []byte("a"))
	if _, ok := nilCache.Get(key("a")); ok {
		t.Fatal("expected nil cache to miss")
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("llm.complete", map[string]string{"model": "m", "temperature": "0.6"}, "hello")
	same := Fingerprint("llm.complete", map[string]string{"temperature": "0.6", "model": "m"}, "hello")
	if base != same {
		t.Fatal("expected parameter order not to matter")
	}
	cases := map[string]Key{
		"operation": Fingerprint("tts.synthesize", map[string]string{"model": "m", "temperature": "0.6"}, "hello"),
		"params":    Fingerprint("llm.complete", map[string]string{"model": "m", "temperature": "1.3"}, "hello"),
		"content":   Fingerprint("llm.complete", map[string]string{"model": "m", "temperature": "0.6"}, "hello!"),
		"boundary":  Fingerprint("llm.complete", map[string]string{"model": "m", "temperature": "0.6", "": ""}, "hello"),
	}
	for name, k := range cases {
		if k == base {
			t.Fatalf("expected %s change to alter key", name)
		}
	}
	if Fingerprint("ab", map[string]string{"c": ""}, "") == Fingerprint("a", map[string]string{"bc": ""}, "") {
		t.Fatal("expected field boundaries to be unambiguous")
	}
}
