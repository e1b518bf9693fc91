package telemetry

import (
	"sort"
	"sync"
	"time"
)

// HealthReport is the body served on /healthz.
type HealthReport struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

type HealthCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthTracker aggregates background-loop heartbeats and component probes.
type HealthTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	beats  map[string]*Heartbeat
	probes map[string]func() error
}

// Heartbeat is stale once a full interval passes without Beat.
type Heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		now:    time.Now,
		beats:  make(map[string]*Heartbeat),
		probes: make(map[string]func() error),
	}
}

// Register adds a named loop that must beat at least once per interval.
func (t *HealthTracker) Register(name string, interval time.Duration) *Heartbeat {
	t.mu.Lock()
	defer t.mu.Unlock()
	beat := &Heartbeat{interval: interval, now: t.now}
	t.beats[name] = beat
	return beat
}

// SetProbe installs a component check; a nil probe removes it.
func (t *HealthTracker) SetProbe(name string, probe func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if probe == nil {
		delete(t.probes, name)
		return
	}
	t.probes[name] = probe
}

func (b *Heartbeat) Beat() {
	b.mu.Lock()
	b.last = b.now()
	b.mu.Unlock()
}

func (b *Heartbeat) fresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.last.IsZero() && b.now().Sub(b.last) <= b.interval
}

func (t *HealthTracker) Report() HealthReport {
	t.mu.Lock()
	beats := make(map[string]*Heartbeat, len(t.beats))
	for name, beat := range t.beats {
		beats[name] = beat
	}
	probes := make(map[string]func() error, len(t.probes))
	for name, probe := range t.probes {
		probes[name] = probe
	}
	t.mu.Unlock()

	report := HealthReport{Status: "ok"}
	for name, beat := range beats {
		check := HealthCheck{Name: name, Status: "ok"}
		if !beat.fresh() {
			check.Status = "stale"
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, check)
	}
	for name, probe := range probes {
		check := HealthCheck{Name: name, Status: "ok"}
		if err := probe(); err != nil {
			check.Status = "failing"
			check.Detail = err.Error()
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, check)
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report
}
