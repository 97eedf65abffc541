package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemoryLimiter(t *testing.T, clock *fakeClock) (*ratelimit.Limiter, *ratelimit.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := ratelimit.NewMemoryStore(ctx)
	t.Cleanup(func() {
		store.Close()
		cancel()
	})
	return ratelimit.New(store, ratelimit.WithClock(clock.Now)), store
}

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in      string
		want    ratelimit.Spec
		wantErr bool
	}{
		{"60/m", ratelimit.Spec{Max: 60, Period: time.Minute}, false},
		{"10/s", ratelimit.Spec{Max: 10, Period: time.Second}, false},
		{"100/H", ratelimit.Spec{Max: 100, Period: time.Hour}, false},
		{" 1000/d ", ratelimit.Spec{Max: 1000, Period: 24 * time.Hour}, false},
		{"0/m", ratelimit.Spec{}, true},
		{"-1/m", ratelimit.Spec{}, true},
		{"ten/m", ratelimit.Spec{}, true},
		{"10/w", ratelimit.Spec{}, true},
		{"10", ratelimit.Spec{}, true},
		{"", ratelimit.Spec{}, true},
	}
	for _, tc := range cases {
		got, err := ratelimit.ParseSpec(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseSpec(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSpec(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestLimiter_NthAllowedNPlusOneDenied(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("5/m")

	for i := 1; i <= 5; i++ {
		if !l.Check(ctx, "b", spec) {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.Check(ctx, "b", spec) {
		t.Fatal("call 6 should be denied")
	}
}

func TestLimiter_TwoPerMinuteScenario(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("2/m")

	if !l.Check(ctx, "k", spec) {
		t.Fatal("t=0s should be allowed")
	}
	clock.Advance(10 * time.Second)
	if !l.Check(ctx, "k", spec) {
		t.Fatal("t=10s should be allowed")
	}
	clock.Advance(10 * time.Second)

	err := l.Gauntlet(ctx, []ratelimit.Tier{{Name: ratelimit.TierKey, Bucket: "k", Spec: spec}})
	var exceeded *ratelimit.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("t=20s should be denied, got %v", err)
	}
	if exceeded.ResetIn != 40*time.Second {
		t.Errorf("resetIn = %s, want 40s", exceeded.ResetIn)
	}
	if exceeded.RetryAfter() != "40" {
		t.Errorf("RetryAfter = %q, want 40", exceeded.RetryAfter())
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("3/s")

	for i := 0; i < 3; i++ {
		l.Check(ctx, "b", spec)
	}
	if rem, _ := l.Remaining(ctx, "b", spec); rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}

	clock.Advance(time.Second)
	rem, resetIn := l.Remaining(ctx, "b", spec)
	if rem != 3 {
		t.Errorf("remaining after reset = %d, want 3", rem)
	}
	if resetIn != time.Second {
		t.Errorf("resetIn after reset = %s, want 1s", resetIn)
	}
	if !l.Check(ctx, "b", spec) {
		t.Error("first call in new window should be allowed")
	}
}

func TestLimiter_RemainingDoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("2/m")

	for i := 0; i < 10; i++ {
		if rem, _ := l.Remaining(ctx, "b", spec); rem != 2 {
			t.Fatalf("remaining = %d, want 2", rem)
		}
	}
	l.Check(ctx, "b", spec)
	if rem, _ := l.Remaining(ctx, "b", spec); rem != 1 {
		t.Fatalf("remaining = %d, want 1", rem)
	}
}

func TestLimiter_ConcurrentChecksNeverOveradmit(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("50/m")

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "hot", spec) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 50 {
		t.Fatalf("admitted %d, want exactly 50", got)
	}
}

func TestLimiter_BucketsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()
	spec := ratelimit.MustParseSpec("1/m")

	if !l.Check(ctx, "a", spec) || !l.Check(ctx, "b", spec) {
		t.Fatal("first hit on each bucket should be allowed")
	}
	if l.Check(ctx, "a", spec) {
		t.Fatal("second hit on a should be denied")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) RecordRateLimit(tier, result string) {
	r.mu.Lock()
	r.events = append(r.events, tier+"="+result)
	r.mu.Unlock()
}

func TestGauntlet_StopsAtFirstDenial(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := ratelimit.NewMemoryStore(ctx)
	defer store.Close()
	rec := &recorder{}
	l := ratelimit.New(store, ratelimit.WithClock(clock.Now), ratelimit.WithRecorder(rec))

	one, ten := 1, 10
	epID := uint(7)
	tiers := ratelimit.Tiers(ratelimit.Quotas{
		KeyID:       "k1",
		KeySpec:     ratelimit.MustParseSpec("1/m"),
		ModelID:     "m1",
		ModelRPM:    &ten,
		ModelDay:    &ten,
		EndpointID:  &epID,
		EndpointRPM: &ten,
		EndpointDay: &one,
	})
	if len(tiers) != 5 {
		t.Fatalf("expected 5 tiers, got %d", len(tiers))
	}

	if err := l.Gauntlet(ctx, tiers); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	err := l.Gauntlet(ctx, tiers)
	var exceeded *ratelimit.ExceededError
	if !errors.As(err, &exceeded) || exceeded.Tier != ratelimit.TierKey {
		t.Fatalf("expected key tier denial, got %v", err)
	}

	// Tiers after the key were charged once, by the first request only.
	for _, tier := range tiers[1:] {
		rem, _ := l.Remaining(ctx, tier.Bucket, tier.Spec)
		if rem != tier.Spec.Max-1 {
			t.Errorf("tier %s remaining = %d, want %d", tier.Name, rem, tier.Spec.Max-1)
		}
	}

	want := []string{
		"key=allowed", "model_rpm=allowed", "model_day=allowed", "endpoint_rpm=allowed", "endpoint_day=allowed",
		"key=blocked",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, rec.events[i], want[i])
		}
	}
}

func TestGauntlet_SkipsUnconfiguredTiers(t *testing.T) {
	clock := newFakeClock()
	l, store := newMemoryLimiter(t, clock)

	tiers := ratelimit.Tiers(ratelimit.Quotas{
		KeyID:   "k1",
		KeySpec: ratelimit.MustParseSpec("5/m"),
		ModelID: "m1",
	})
	if len(tiers) != 3 {
		t.Fatalf("endpoint tiers should be omitted without an endpoint, got %d tiers", len(tiers))
	}
	if err := l.Gauntlet(context.Background(), tiers); err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("only the key bucket should exist, got %d buckets", store.Len())
	}
}

func TestGauntlet_LaterTierDenies(t *testing.T) {
	clock := newFakeClock()
	l, _ := newMemoryLimiter(t, clock)
	ctx := context.Background()

	one := 1
	tiers := ratelimit.Tiers(ratelimit.Quotas{
		KeyID:    "k1",
		KeySpec:  ratelimit.MustParseSpec("100/m"),
		ModelID:  "m1",
		ModelDay: &one,
	})
	if err := l.Gauntlet(ctx, tiers); err != nil {
		t.Fatalf("first request: %v", err)
	}
	clock.Advance(2 * time.Hour)

	err := l.Gauntlet(ctx, tiers)
	var exceeded *ratelimit.ExceededError
	if !errors.As(err, &exceeded) || exceeded.Tier != ratelimit.TierModelDay {
		t.Fatalf("expected model_day denial, got %v", err)
	}
	if exceeded.ResetIn != 22*time.Hour {
		t.Errorf("resetIn = %s, want 22h", exceeded.ResetIn)
	}
}

func TestKeySpec(t *testing.T) {
	def := ratelimit.MustParseSpec(ratelimit.DefaultKeySpec)

	if got, err := ratelimit.KeySpec(nil, def); err != nil || got != def {
		t.Errorf("nil spec: got %+v, %v", got, err)
	}
	custom := "10/s"
	if got, err := ratelimit.KeySpec(&custom, def); err != nil || got.Max != 10 || got.Period != time.Second {
		t.Errorf("custom spec: got %+v, %v", got, err)
	}
	bad := "lots"
	got, err := ratelimit.KeySpec(&bad, def)
	if err == nil {
		t.Error("malformed spec should report an error")
	}
	if got != def {
		t.Errorf("malformed spec should fall back to default, got %+v", got)
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, time.Time, ratelimit.Spec) (ratelimit.Window, bool, error) {
	return ratelimit.Window{}, false, errors.New("down")
}

func (failingStore) Peek(context.Context, string, time.Time, ratelimit.Spec) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("down")
}

func TestLimiter_StoreErrorAdmits(t *testing.T) {
	rec := &recorder{}
	l := ratelimit.New(failingStore{}, ratelimit.WithRecorder(rec))
	spec := ratelimit.MustParseSpec("1/m")

	if !l.Check(context.Background(), "b", spec) {
		t.Fatal("store failure should admit")
	}
	if err := l.Gauntlet(context.Background(), []ratelimit.Tier{{Name: "key", Bucket: "b", Spec: spec}}); err != nil {
		t.Fatalf("store failure should not deny: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0] != "key=error" {
		t.Errorf("events = %v", rec.events)
	}
}
