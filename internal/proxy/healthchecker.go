package proxy

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second

	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Dependency is a named probe. Critical dependencies gate readiness.
type Dependency struct {
	Name     string
	Probe    Probe
	Critical bool
}

// HealthRecorder mirrors probe results into metrics. *metrics.Registry
// satisfies it.
type HealthRecorder interface {
	SetDependencyHealth(dep string, ok bool)
}

type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker probes dependencies in the background and serves the last
// results, so /health never blocks on a slow database.
type HealthChecker struct {
	deps     []Dependency
	statuses map[string]*componentStatus
	baseCtx  context.Context
	rec      HealthRecorder
	interval time.Duration

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs one probe round synchronously, then keeps probing
// every interval until Close. A non-positive interval uses 30s.
func NewHealthChecker(ctx context.Context, deps []Dependency, rec HealthRecorder, interval time.Duration) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = healthProbeInterval
	}

	hc := &HealthChecker{
		deps:      deps,
		statuses:  make(map[string]*componentStatus, len(deps)),
		baseCtx:   ctx,
		rec:       rec,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, d := range deps {
		hc.statuses[d.Name] = &componentStatus{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the /health body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Dependencies  map[string]string `json:"dependencies"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK
	deps := make(map[string]string, len(hc.deps))
	for _, d := range hc.deps {
		st := hc.statuses[d.Name].get()
		deps[d.Name] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Dependencies:  deps,
	}
}

// ReadinessOK reports whether every critical dependency answered its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	for _, d := range hc.deps {
		if d.Critical && hc.statuses[d.Name].get() != statusOK {
			return false
		}
	}
	return true
}

// Names lists the probed dependencies in sorted order.
func (hc *HealthChecker) Names() []string {
	names := make([]string, 0, len(hc.deps))
	for _, d := range hc.deps {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Close stops the probe loop. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, d := range hc.deps {
		d := d
		s := hc.statuses[d.Name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := d.Probe == nil || d.Probe(ctx) == nil
			switch {
			case ok:
				s.set(statusOK)
			case d.Critical:
				s.set(statusDown)
			default:
				s.set(statusDegraded)
			}
			if hc.rec != nil {
				hc.rec.SetDependencyHealth(d.Name, ok)
			}
		}()
	}
	wg.Wait()
}
