package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// Tier names, in gauntlet order.
const (
	TierKey         = "key"
	TierModelRPM    = "model_rpm"
	TierModelDay    = "model_day"
	TierEndpointRPM = "endpoint_rpm"
	TierEndpointDay = "endpoint_day"
)

// Recorder receives one event per evaluated tier. *metrics.Registry
// satisfies it.
type Recorder interface {
	RecordRateLimit(tier, result string)
}

// Limiter applies fixed-window checks against a CounterStore.
type Limiter struct {
	store CounterStore
	now   func() time.Time
	log   *slog.Logger
	rec   Recorder
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.rec = r }
}

func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records a hit on bucket and reports whether it is within spec.
// A store failure admits the request: quotas degrade open rather than take
// the gateway down with the counter backend.
func (l *Limiter) Check(ctx context.Context, bucket string, spec Spec) bool {
	ok, _ := l.check(ctx, bucket, spec)
	return ok
}

func (l *Limiter) check(ctx context.Context, bucket string, spec Spec) (allowed bool, err error) {
	_, allowed, err = l.store.Take(ctx, bucket, l.now(), spec)
	if err != nil {
		l.log.WarnContext(ctx, "rate_limit_store_error",
			slog.String("bucket", bucket),
			slog.String("error", err.Error()),
		)
		return true, err
	}
	return allowed, nil
}

// Remaining reports how many hits bucket has left in its current window and
// how long until that window resets. It never mutates the counter. A bucket
// whose window has lapsed reports the full (spec.Max, spec.Period).
func (l *Limiter) Remaining(ctx context.Context, bucket string, spec Spec) (int, time.Duration) {
	now := l.now()
	w, err := l.store.Peek(ctx, bucket, now, spec)
	if err != nil {
		return spec.Max, spec.Period
	}
	remaining := spec.Max - w.Count
	if remaining < 0 {
		remaining = 0
	}
	resetIn := w.Start.Add(spec.Period).Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}
	return remaining, resetIn
}

// Tier is one stage of the gauntlet. A tier with a zero Spec is skipped.
type Tier struct {
	Name   string
	Bucket string
	Spec   Spec
}

// ExceededError reports the first tier that denied a request.
type ExceededError struct {
	Tier    string
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded (tier=%s, reset_in=%s)", e.Tier, e.ResetIn.Round(time.Second))
}

// RetryAfter is the whole-second retry hint for the Retry-After header,
// rounded up and never below 1.
func (e *ExceededError) RetryAfter() string {
	secs := int(math.Ceil(e.ResetIn.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Gauntlet checks tiers in order and stops at the first denial, so later
// tiers are not charged for a request an earlier tier already rejected.
func (l *Limiter) Gauntlet(ctx context.Context, tiers []Tier) error {
	for _, t := range tiers {
		if t.Spec.IsZero() {
			continue
		}
		allowed, err := l.check(ctx, t.Bucket, t.Spec)
		switch {
		case err != nil:
			l.record(t.Name, "error")
		case allowed:
			l.record(t.Name, "allowed")
		default:
			l.record(t.Name, "blocked")
			_, resetIn := l.Remaining(ctx, t.Bucket, t.Spec)
			return &ExceededError{Tier: t.Name, ResetIn: resetIn}
		}
	}
	return nil
}

func (l *Limiter) record(tier, result string) {
	if l.rec != nil {
		l.rec.RecordRateLimit(tier, result)
	}
}

// Quotas collects the limits that apply to one request.
type Quotas struct {
	KeyID   string
	KeySpec Spec

	ModelID  string
	ModelRPM *int
	ModelDay *int

	EndpointID  *uint
	EndpointRPM *int
	EndpointDay *int
}

// Tiers expands q into the five-tier gauntlet: key, model rpm, model day,
// endpoint rpm, endpoint day. Endpoint tiers are omitted when the request is
// not bound to an endpoint.
func Tiers(q Quotas) []Tier {
	tiers := []Tier{
		{Name: TierKey, Bucket: "key:" + q.KeyID, Spec: q.KeySpec},
		{Name: TierModelRPM, Bucket: "model:" + q.ModelID + ":rpm", Spec: PerMinute(q.ModelRPM)},
		{Name: TierModelDay, Bucket: "model:" + q.ModelID + ":day", Spec: PerDay(q.ModelDay)},
	}
	if q.EndpointID != nil {
		id := strconv.FormatUint(uint64(*q.EndpointID), 10)
		tiers = append(tiers,
			Tier{Name: TierEndpointRPM, Bucket: "endpoint:" + id + ":rpm", Spec: PerMinute(q.EndpointRPM)},
			Tier{Name: TierEndpointDay, Bucket: "endpoint:" + id + ":day", Spec: PerDay(q.EndpointDay)},
		)
	}
	return tiers
}

// KeySpec resolves an API key's own limit string, falling back to def when
// the key has none. A malformed string is returned as an error alongside def
// so the caller can log it without failing the request.
func KeySpec(raw *string, def Spec) (Spec, error) {
	if raw == nil || *raw == "" {
		return def, nil
	}
	s, err := ParseSpec(*raw)
	if err != nil {
		return def, err
	}
	return s, nil
}
