// Package metrics implements the Metrics Collector (C9): an in-memory ring
// of per-action outcomes flushed periodically to an append-only JSON-lines
// file, aggregated into success-rate/latency-percentile/retry/circuit-trip
// views grouped by platform and action type, alongside a Prometheus
// exposition for live dashboards.
package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	sharedmath "github.com/relaycore/actioncore/pkg/shared/math"
	"github.com/relaycore/actioncore/pkg/types"
)

var (
	// ActionsTotal counts every recorded action outcome by platform, action
	// type, and status.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actioncore_actions_total",
		Help: "Total number of actions recorded, by platform, action type, and status.",
	}, []string{"platform", "action", "status"})

	// ActionDuration observes recorded action durations in seconds.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actioncore_action_duration_seconds",
		Help:    "Observed action execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "action"})

	// RetriesTotal counts retry attempts observed by the collector.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actioncore_retries_total",
		Help: "Total number of retry attempts observed.",
	})

	// CircuitTripsTotal counts circuit-breaker open transitions.
	CircuitTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actioncore_circuit_trips_total",
		Help: "Total number of circuit breaker trips to open, by executor.",
	}, []string{"executor"})

	// ApprovalQueueDepth reports the current approval queue depth.
	ApprovalQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "actioncore_approval_queue_depth",
		Help: "Current number of pending approval requests.",
	})
)

// Status values recorded for an action outcome.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Config configures the Collector.
type Config struct {
	MaxInMemoryEntries int
	FlushInterval      time.Duration
	RetentionDays      int
	JournalPath        string
}

// DefaultConfig returns the collector's out-of-the-box settings: a 10000
// entry ring, a 5s flush interval, 30 days retention, writing to the
// conventional logs/metrics.jsonl journal path.
func DefaultConfig() Config {
	return Config{
		MaxInMemoryEntries: 10000,
		FlushInterval:      5 * time.Second,
		RetentionDays:      30,
		JournalPath:        "logs/metrics.jsonl",
	}
}

// Collector records action outcomes and aggregates them on demand.
type Collector struct {
	config Config

	mu      sync.Mutex
	ring    []types.MetricEntry
	pending []types.MetricEntry

	retryCount   int
	circuitTrips map[string]int
	approvalReq  int
	approvalOK   int
	queueDepths  []int

	stop chan struct{}
}

// New builds a Collector and starts its periodic flush loop.
func New(config Config) *Collector {
	c := &Collector{
		config:       config,
		circuitTrips: make(map[string]int),
		stop:         make(chan struct{}),
	}
	if config.FlushInterval > 0 {
		go c.flushLoop()
	}
	return c
}

// Close stops the periodic flush loop after a final flush.
func (c *Collector) Close() {
	close(c.stop)
	c.flush()
}

// Record appends a MetricEntry for action's outcome to the ring and pending
// write buffer, updating the Prometheus exposition in the same call.
func (c *Collector) Record(platform, action, status string, duration time.Duration, metadata map[string]interface{}) {
	entry := types.MetricEntry{
		Platform:   platform,
		ActionType: action,
		Status:     status,
		Duration:   duration,
		ExecutedAt: time.Now(),
		Metadata:   metadata,
	}

	ActionsTotal.WithLabelValues(platform, action, status).Inc()
	ActionDuration.WithLabelValues(platform, action).Observe(duration.Seconds())

	c.mu.Lock()
	c.ring = append(c.ring, entry)
	if c.config.MaxInMemoryEntries > 0 && len(c.ring) > c.config.MaxInMemoryEntries {
		excess := len(c.ring) - c.config.MaxInMemoryEntries
		c.ring = c.ring[excess:]
	}
	c.pending = append(c.pending, entry)
	c.mu.Unlock()
}

// RecordRetry notes one retry attempt observed anywhere in the system.
func (c *Collector) RecordRetry() {
	RetriesTotal.Inc()
	c.mu.Lock()
	c.retryCount++
	c.mu.Unlock()
}

// RecordCircuitTrip notes a circuit breaker's transition to Open.
func (c *Collector) RecordCircuitTrip(executor string) {
	CircuitTripsTotal.WithLabelValues(executor).Inc()
	c.mu.Lock()
	c.circuitTrips[executor]++
	c.mu.Unlock()
}

// RecordApprovalOutcome notes whether an action required approval and,
// if so, whether it was approved.
func (c *Collector) RecordApprovalOutcome(required, approved bool) {
	if !required {
		return
	}
	c.mu.Lock()
	c.approvalReq++
	if approved {
		c.approvalOK++
	}
	c.mu.Unlock()
}

// RecordQueueDepth samples the approval queue's current depth for the avg
// and max queue-depth aggregates.
func (c *Collector) RecordQueueDepth(depth int) {
	ApprovalQueueDepth.Set(float64(depth))
	c.mu.Lock()
	c.queueDepths = append(c.queueDepths, depth)
	c.mu.Unlock()
}

func (c *Collector) flushLoop() {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

// flush appends every pending entry to the journal file as JSON lines,
// preserving record order, then clears the pending buffer.
func (c *Collector) flush() {
	c.mu.Lock()
	toWrite := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(toWrite) == 0 || c.config.JournalPath == "" {
		return
	}

	f, err := os.OpenFile(c.config.JournalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, entry := range toWrite {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
}

// Summary is an aggregation of recorded entries over a time window.
type Summary struct {
	Total            int
	ByStatus         map[string]int
	SuccessRate      float64
	AvgDuration      time.Duration
	P50, P95, P99    time.Duration
	TotalRetries     int
	CircuitTrips     map[string]int
	ApprovalRequired int
	ApprovalRate     float64
	AvgQueueDepth    float64
	MaxQueueDepth    int
	ByPlatform       map[string]Summary
	ByActionType     map[string]Summary
}

// Aggregate summarizes every entry whose ExecutedAt falls within
// [since, until), grouped overall, by platform, and by action type.
func (c *Collector) Aggregate(since, until time.Time) Summary {
	c.mu.Lock()
	entries := make([]types.MetricEntry, 0, len(c.ring))
	for _, e := range c.ring {
		if !e.ExecutedAt.Before(since) && e.ExecutedAt.Before(until) {
			entries = append(entries, e)
		}
	}
	retryCount := c.retryCount
	circuitTrips := copyIntMap(c.circuitTrips)
	approvalReq, approvalOK := c.approvalReq, c.approvalOK
	queueDepths := append([]int(nil), c.queueDepths...)
	c.mu.Unlock()

	return summarize(entries, retryCount, circuitTrips, approvalReq, approvalOK, queueDepths, true)
}

func summarize(entries []types.MetricEntry, retryCount int, circuitTrips map[string]int, approvalReq, approvalOK int, queueDepths []int, withGroups bool) Summary {
	s := Summary{ByStatus: make(map[string]int), CircuitTrips: circuitTrips, TotalRetries: retryCount}

	var durations []float64
	var totalDuration time.Duration
	successCount := 0
	byPlatform := map[string][]types.MetricEntry{}
	byAction := map[string][]types.MetricEntry{}

	for _, e := range entries {
		s.Total++
		s.ByStatus[e.Status]++
		if e.Status == StatusSuccess {
			successCount++
		}
		totalDuration += e.Duration
		durations = append(durations, float64(e.Duration))
		byPlatform[e.Platform] = append(byPlatform[e.Platform], e)
		byAction[e.ActionType] = append(byAction[e.ActionType], e)
	}

	if s.Total > 0 {
		s.SuccessRate = float64(successCount) / float64(s.Total)
		s.AvgDuration = totalDuration / time.Duration(s.Total)
		s.P50 = time.Duration(sharedmath.Percentile(durations, 0.50))
		s.P95 = time.Duration(sharedmath.Percentile(durations, 0.95))
		s.P99 = time.Duration(sharedmath.Percentile(durations, 0.99))
	}

	s.ApprovalRequired = approvalReq
	if approvalReq > 0 {
		s.ApprovalRate = float64(approvalOK) / float64(approvalReq)
	}

	if len(queueDepths) > 0 {
		total := 0
		max := 0
		for _, d := range queueDepths {
			total += d
			if d > max {
				max = d
			}
		}
		s.AvgQueueDepth = float64(total) / float64(len(queueDepths))
		s.MaxQueueDepth = max
	}

	if withGroups {
		s.ByPlatform = make(map[string]Summary, len(byPlatform))
		for platform, es := range byPlatform {
			s.ByPlatform[platform] = summarize(es, 0, nil, 0, 0, nil, false)
		}
		s.ByActionType = make(map[string]Summary, len(byAction))
		for action, es := range byAction {
			s.ByActionType[action] = summarize(es, 0, nil, 0, 0, nil, false)
		}
	}

	return s
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RealtimeView is the last-hour dashboard snapshot.
type RealtimeView struct {
	Summary               Summary
	ActionsPerMinuteLast5 float64
	LatestFailures        []types.MetricEntry
}

// Realtime summarizes the last hour of activity plus a 5-minute
// actions-per-minute rate and the 10 most recent failures.
func (c *Collector) Realtime(now time.Time) RealtimeView {
	hourAgo := now.Add(-time.Hour)
	fiveMinAgo := now.Add(-5 * time.Minute)

	c.mu.Lock()
	var lastHour, last5Min []types.MetricEntry
	var failures []types.MetricEntry
	for _, e := range c.ring {
		if e.ExecutedAt.After(hourAgo) {
			lastHour = append(lastHour, e)
			if e.ExecutedAt.After(fiveMinAgo) {
				last5Min = append(last5Min, e)
			}
			if e.Status != StatusSuccess {
				failures = append(failures, e)
			}
		}
	}
	retryCount := c.retryCount
	circuitTrips := copyIntMap(c.circuitTrips)
	approvalReq, approvalOK := c.approvalReq, c.approvalOK
	queueDepths := append([]int(nil), c.queueDepths...)
	c.mu.Unlock()

	sort.Slice(failures, func(i, j int) bool { return failures[i].ExecutedAt.After(failures[j].ExecutedAt) })
	if len(failures) > 10 {
		failures = failures[:10]
	}

	return RealtimeView{
		Summary:               summarize(lastHour, retryCount, circuitTrips, approvalReq, approvalOK, queueDepths, true),
		ActionsPerMinuteLast5: float64(len(last5Min)) / 5.0,
		LatestFailures:        failures,
	}
}

// DailySummary is the persisted snapshot written once per calendar day.
type DailySummary struct {
	Day     string  `json:"day"`
	Summary Summary `json:"summary"`
}

// SummarizeDay aggregates every entry recorded during day's calendar date
// (UTC) and writes it to dir/<YYYY-MM-DD>.json.
func (c *Collector) SummarizeDay(day time.Time, dir string) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	summary := c.Aggregate(start, end)
	out := DailySummary{Day: start.Format("2006-01-02"), Summary: summary}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create daily summary directory")
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal daily summary")
	}
	if err := os.WriteFile(dir+"/"+out.Day+".json", data, 0o644); err != nil {
		return errors.Wrap(err, "write daily summary")
	}
	return nil
}

// PruneOlderThan drops ring entries older than retentionDays, called after
// loading a persisted journal back into memory.
func (c *Collector) PruneOlderThan(retentionDays int, now time.Time) {
	if retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.ring[:0]
	for _, e := range c.ring {
		if e.ExecutedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.ring = kept
}

// LoadJournal replays a previously flushed JSON-lines journal file into the
// ring, for process restarts that want continuity with prior data.
func (c *Collector) LoadJournal(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open metrics journal")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry types.MetricEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		c.mu.Lock()
		c.ring = append(c.ring, entry)
		c.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan metrics journal")
	}
	return nil
}
