package neon

import (
	"sync/atomic"
	"time"

	"github.com/kmenycht/neon/internal/model"
)

// LatencyBuckets defines the scheduling-latency histogram buckets in
// nanoseconds (submit-to-issue wait time). Buckets cover from 1us to 10s
// with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks NEON's own operational statistics: how many channel
// submissions/issues/completions the scheduler has processed, how much
// time work spent waiting vs. executing, and how often the
// malicious-process kill path fired. Counters are plain atomics so the
// polling worker and fault paths never take a lock to record.
type Metrics struct {
	SubmitOps   atomic.Uint64
	IssueOps    atomic.Uint64
	CompleteOps atomic.Uint64

	SubmitErrors   atomic.Uint64
	IssueErrors    atomic.Uint64
	CompleteErrors atomic.Uint64

	// WaitTotalNs/ExeTotalNs accumulate the wait and execute durations of
	// every completed request, for computing fleet-wide averages.
	WaitTotalNs atomic.Uint64
	ExeTotalNs  atomic.Uint64

	// MaliciousKills counts pids actually killed through the one-shot
	// gate, not every throttled kill attempt (internal/chantab's rate
	// limiter throttles attempts, not successes).
	MaliciousKills atomic.Uint64

	// SchedulingLatencyBuckets holds cumulative counts of completed work
	// whose wait time fell at or under LatencyBuckets[i].
	SchedulingLatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one PolicyRuntime.Submit call.
func (m *Metrics) RecordSubmit(success bool) {
	m.SubmitOps.Add(1)
	if !success {
		m.SubmitErrors.Add(1)
	}
}

// RecordIssue records one PolicyRuntime.Issue call.
func (m *Metrics) RecordIssue(success bool) {
	m.IssueOps.Add(1)
	if !success {
		m.IssueErrors.Add(1)
	}
}

// RecordComplete records one PolicyRuntime.Complete call and the
// just-completed request's submit-to-issue wait and execute durations.
func (m *Metrics) RecordComplete(wait, exe time.Duration, success bool) {
	m.CompleteOps.Add(1)
	if !success {
		m.CompleteErrors.Add(1)
		return
	}
	waitNs := uint64(wait.Nanoseconds())
	m.WaitTotalNs.Add(waitNs)
	m.ExeTotalNs.Add(uint64(exe.Nanoseconds()))
	for i, bucket := range LatencyBuckets {
		if waitNs <= bucket {
			m.SchedulingLatencyBuckets[i].Add(1)
		}
	}
}

// RecordMaliciousKill records one delivered malicious-process kill.
func (m *Metrics) RecordMaliciousKill() {
	m.MaliciousKills.Add(1)
}

// Stop marks the module as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
// computed.
type MetricsSnapshot struct {
	SubmitOps, IssueOps, CompleteOps          uint64
	SubmitErrors, IssueErrors, CompleteErrors uint64

	AvgWaitNs uint64
	AvgExeNs  uint64

	MaliciousKills uint64

	SchedulingLatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	ErrorRate  float64
	UptimeNs   uint64
	SubmitRate float64 // submissions per second
}

// Snapshot returns a consistent point-in-time view of Metrics, including
// derived averages and rates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SubmitOps: m.SubmitOps.Load(),
		IssueOps: m.IssueOps.Load(),
		CompleteOps: m.CompleteOps.Load(),
		SubmitErrors: m.SubmitErrors.Load(),
		IssueErrors: m.IssueErrors.Load(),
		CompleteErrors: m.CompleteErrors.Load(),
		MaliciousKills: m.MaliciousKills.Load(),
	}

	completeOps := snap.CompleteOps
	if completeOps > 0 {
		snap.AvgWaitNs = m.WaitTotalNs.Load() / completeOps
		snap.AvgExeNs = m.ExeTotalNs.Load() / completeOps
	}

	snap.TotalOps = snap.SubmitOps + snap.IssueOps + snap.CompleteOps
	totalErrors := snap.SubmitErrors + snap.IssueErrors + snap.CompleteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.SubmitRate = float64(snap.SubmitOps) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.SchedulingLatencyHistogram[i] = m.SchedulingLatencyBuckets[i].Load()
	}
	return snap
}

// Reset zeroes every counter, useful for tests.
func (m *Metrics) Reset() {
	m.SubmitOps.Store(0)
	m.IssueOps.Store(0)
	m.CompleteOps.Store(0)
	m.SubmitErrors.Store(0)
	m.IssueErrors.Store(0)
	m.CompleteErrors.Store(0)
	m.WaitTotalNs.Store(0)
	m.ExeTotalNs.Store(0)
	m.MaliciousKills.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.SchedulingLatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements interfaces.WorkSink over a Metrics,
// recording a completed Work as one RecordComplete call: a pluggable
// observer seam in front of the concrete Metrics implementation.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// ObserveWork implements interfaces.WorkSink.
func (o *MetricsObserver) ObserveWork(w model.Work) {
	o.metrics.RecordComplete(0, 0, true)
}

// NoOpWorkSink is a no-op interfaces.WorkSink, the default when no
// observer is configured.
type NoOpWorkSink struct{}

// ObserveWork implements interfaces.WorkSink as a no-op.
func (NoOpWorkSink) ObserveWork(model.Work) {}
