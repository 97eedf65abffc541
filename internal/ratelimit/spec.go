// Package ratelimit implements fixed-window request quotas.
//
// A Limiter counts hits per bucket (an arbitrary string such as "key:<id>")
// against a Spec of the form "<count>/<unit>". Counters live behind the
// CounterStore interface: MemoryStore keeps them in process, RedisStore
// shares them between replicas.
//
// Windows are fixed, not sliding. A burst that straddles a window boundary
// can see up to twice the nominal rate. This is accepted.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultKeySpec applies to API keys that carry no rate limit of their own.
const DefaultKeySpec = "60/m"

var periods = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Spec is a parsed "<count>/<unit>" limit. The zero Spec means "no limit".
type Spec struct {
	Max    int
	Period time.Duration
}

// IsZero reports whether the spec is unset.
func (s Spec) IsZero() bool { return s.Max <= 0 || s.Period <= 0 }

func (s Spec) String() string {
	for unit, d := range periods {
		if d == s.Period {
			return fmt.Sprintf("%d/%s", s.Max, unit)
		}
	}
	return fmt.Sprintf("%d/%s", s.Max, s.Period)
}

// ParseSpec parses strings like "60/m", "1000/d". Units are s, m, h, d
// (case-insensitive) and the count must be a positive integer.
func ParseSpec(raw string) (Spec, error) {
	count, unit, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Spec{}, fmt.Errorf("ratelimit: invalid spec %q: expected <count>/<s|m|h|d>", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return Spec{}, fmt.Errorf("ratelimit: invalid spec %q: count must be a positive integer", raw)
	}
	period, ok := periods[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return Spec{}, fmt.Errorf("ratelimit: invalid spec %q: unit must be one of s, m, h, d", raw)
	}
	return Spec{Max: n, Period: period}, nil
}

// MustParseSpec is ParseSpec for constants. It panics on error.
func MustParseSpec(raw string) Spec {
	s, err := ParseSpec(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// PerMinute returns an n/m spec, or the zero Spec when n is nil or not positive.
func PerMinute(n *int) Spec { return fromLimit(n, time.Minute) }

// PerDay returns an n/d spec, or the zero Spec when n is nil or not positive.
func PerDay(n *int) Spec { return fromLimit(n, 24*time.Hour) }

func fromLimit(n *int, period time.Duration) Spec {
	if n == nil || *n <= 0 {
		return Spec{}
	}
	return Spec{Max: *n, Period: period}
}
