package metrics

import (
	"math"
	"slices"
	"time"

	"magictunnel/internal/domain"
)

// PositionHistogram buckets the discovery rank of invoked tools.
type PositionHistogram struct {
	Top3   uint64 `json:"top_3"`
	Top10  uint64 `json:"top_10"`
	Top30  uint64 `json:"top_30"`
	Beyond uint64 `json:"beyond"`
}

func (h *PositionHistogram) add(position int) {
	switch {
	case position <= 3:
		h.Top3++
	case position <= 10:
		h.Top10++
	case position <= 30:
		h.Top30++
	default:
		h.Beyond++
	}
}

// ToolSummary is the aggregated view of one tool's invocations.
type ToolSummary struct {
	Name            string                       `json:"name"`
	Total           uint64                       `json:"total"`
	Successes       uint64                       `json:"successes"`
	Errors          uint64                       `json:"errors"`
	Cancelled       uint64                       `json:"cancelled"`
	Timeouts        uint64                       `json:"timeouts"`
	SuccessRate     float64                      `json:"success_rate"`
	MedianLatency   time.Duration                `json:"median_latency"`
	P95Latency      time.Duration                `json:"p95_latency"`
	Positions       PositionHistogram            `json:"positions"`
	AvgConfidence   float64                      `json:"avg_confidence,omitempty"`
	Hourly          [24]uint64                   `json:"hourly"`
	Weekday         [7]uint64                    `json:"weekday"`
	Sources         map[domain.CallSource]uint64 `json:"sources"`
	ErrorKinds      map[domain.ErrorCode]uint64  `json:"error_kinds,omitempty"`
	ServiceSources  map[string]uint64            `json:"service_sources,omitempty"`
	LastUsed        time.Time                    `json:"last_used"`
	LastExecutionID string                       `json:"last_execution_id,omitempty"`
}

// toolStats is the mutable per-tool state; it is also the persisted form.
type toolStats struct {
	Total           uint64                       `json:"total"`
	Successes       uint64                       `json:"successes"`
	Errors          uint64                       `json:"errors"`
	Cancelled       uint64                       `json:"cancelled"`
	Timeouts        uint64                       `json:"timeouts"`
	Window          []time.Duration              `json:"window"`
	Next            int                          `json:"next"`
	Positions       PositionHistogram            `json:"positions"`
	ConfidenceSum   float64                      `json:"confidence_sum"`
	Discovered      uint64                       `json:"discovered"`
	Hourly          [24]uint64                   `json:"hourly"`
	Weekday         [7]uint64                    `json:"weekday"`
	Sources         map[domain.CallSource]uint64 `json:"sources"`
	ErrorKinds      map[domain.ErrorCode]uint64  `json:"error_kinds,omitempty"`
	ServiceSources  map[string]uint64            `json:"service_sources,omitempty"`
	LastUsed        time.Time                    `json:"last_used"`
	LastExecutionID string                       `json:"last_execution_id,omitempty"`
}

func newToolStats() *toolStats {
	return &toolStats{
		Sources:        make(map[domain.CallSource]uint64),
		ErrorKinds:     make(map[domain.ErrorCode]uint64),
		ServiceSources: make(map[string]uint64),
	}
}

func (s *toolStats) add(record domain.ExecutionRecord, window int) {
	s.Total++
	switch record.Result.Kind {
	case domain.ResultSuccess:
		s.Successes++
	case domain.ResultCancelled:
		s.Cancelled++
	default:
		s.Errors++
		if record.Result.ErrorKind != "" {
			s.ErrorKinds[record.Result.ErrorKind]++
		}
	}
	if record.Result.Timeout {
		s.Timeouts++
	}

	if len(s.Window) < window {
		s.Window = append(s.Window, record.Duration)
	} else {
		s.Window[s.Next%window] = record.Duration
	}
	s.Next = (s.Next + 1) % window

	if d := record.Discovery; d != nil && d.Position > 0 {
		s.Positions.add(d.Position)
		s.ConfidenceSum += d.Confidence
		s.Discovered++
	}

	start := record.StartTime.UTC()
	s.Hourly[start.Hour()]++
	s.Weekday[int(start.Weekday())]++

	source := record.Source
	if source == "" {
		source = domain.CallSourceDirect
	}
	s.Sources[source]++
	if record.ServiceSource != "" {
		s.ServiceSources[record.ServiceSource]++
	}
	if record.StartTime.After(s.LastUsed) {
		s.LastUsed = record.StartTime
		s.LastExecutionID = record.ExecutionID
	}
}

// trim shrinks a restored window that exceeds the configured size.
func (s *toolStats) trim(window int) {
	if s.Sources == nil {
		s.Sources = make(map[domain.CallSource]uint64)
	}
	if s.ErrorKinds == nil {
		s.ErrorKinds = make(map[domain.ErrorCode]uint64)
	}
	if s.ServiceSources == nil {
		s.ServiceSources = make(map[string]uint64)
	}
	if len(s.Window) > window {
		s.Window = s.Window[len(s.Window)-window:]
		s.Next = 0
	}
	s.Next %= window
}

func (s *toolStats) summary(name string) ToolSummary {
	out := ToolSummary{
		Name:            name,
		Total:           s.Total,
		Successes:       s.Successes,
		Errors:          s.Errors,
		Cancelled:       s.Cancelled,
		Timeouts:        s.Timeouts,
		Positions:       s.Positions,
		Hourly:          s.Hourly,
		Weekday:         s.Weekday,
		Sources:         cloneMap(s.Sources),
		ErrorKinds:      cloneMap(s.ErrorKinds),
		ServiceSources:  cloneMap(s.ServiceSources),
		LastUsed:        s.LastUsed,
		LastExecutionID: s.LastExecutionID,
	}
	if s.Total > 0 {
		out.SuccessRate = float64(s.Successes) / float64(s.Total)
	}
	if s.Discovered > 0 {
		out.AvgConfidence = s.ConfidenceSum / float64(s.Discovered)
	}
	sorted := slices.Clone(s.Window)
	slices.Sort(sorted)
	out.MedianLatency = percentile(sorted, 0.5)
	out.P95Latency = percentile(sorted, 0.95)
	return out
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if len(in) == 0 {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
