package neon

import (
	"testing"
	"time"

	"github.com/kmenycht/neon/internal/model"
)

func TestMetricsInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}
}

func TestMetricsRecordSubmitIssueComplete(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(true)
	m.RecordSubmit(false)
	m.RecordIssue(true)
	m.RecordComplete(2*time.Millisecond, 3*time.Millisecond, true)
	m.RecordComplete(0, 0, false)

	snap := m.Snapshot()
	if snap.SubmitOps != 2 {
		t.Errorf("expected 2 submit ops, got %d", snap.SubmitOps)
	}
	if snap.SubmitErrors != 1 {
		t.Errorf("expected 1 submit error, got %d", snap.SubmitErrors)
	}
	if snap.IssueOps != 1 {
		t.Errorf("expected 1 issue op, got %d", snap.IssueOps)
	}
	if snap.CompleteOps != 2 {
		t.Errorf("expected 2 complete ops, got %d", snap.CompleteOps)
	}
	if snap.CompleteErrors != 1 {
		t.Errorf("expected 1 complete error, got %d", snap.CompleteErrors)
	}
	if snap.AvgWaitNs == 0 {
		t.Errorf("expected nonzero average wait time")
	}
	if snap.AvgExeNs == 0 {
		t.Errorf("expected nonzero average execution time")
	}
	wantTotal := snap.SubmitOps + snap.IssueOps + snap.CompleteOps
	if snap.TotalOps != wantTotal {
		t.Errorf("expected TotalOps=%d, got %d", wantTotal, snap.TotalOps)
	}
	if snap.ErrorRate <= 0 {
		t.Errorf("expected nonzero error rate, got %.2f", snap.ErrorRate)
	}
}

func TestMetricsMaliciousKills(t *testing.T) {
	m := NewMetrics()
	m.RecordMaliciousKill()
	m.RecordMaliciousKill()
	snap := m.Snapshot()
	if snap.MaliciousKills != 2 {
		t.Errorf("expected 2 malicious kills, got %d", snap.MaliciousKills)
	}
}

func TestMetricsLatencyHistogramCumulative(t *testing.T) {
	m := NewMetrics()

	// A 500us wait falls at or under every bucket from 1ms upward.
	m.RecordComplete(500*time.Microsecond, 0, true)
	// A 50ms wait only falls at or under the 100ms/1s/10s buckets.
	m.RecordComplete(50*time.Millisecond, 0, true)

	snap := m.Snapshot()
	// Bucket 0 is 1us; neither recorded wait is that small.
	if snap.SchedulingLatencyHistogram[0] != 0 {
		t.Errorf("expected bucket[0]=0, got %d", snap.SchedulingLatencyHistogram[0])
	}
	// Bucket for 1ms (index 3) should include the 500us wait only.
	if snap.SchedulingLatencyHistogram[3] != 1 {
		t.Errorf("expected bucket[1ms]=1, got %d", snap.SchedulingLatencyHistogram[3])
	}
	// Bucket for 100ms (index 5) should include both waits.
	if snap.SchedulingLatencyHistogram[5] != 2 {
		t.Errorf("expected bucket[100ms]=2, got %d", snap.SchedulingLatencyHistogram[5])
	}
}

func TestMetricsUptimeAndStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(5 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < uint64(5*time.Millisecond) {
		t.Errorf("expected uptime >= 5ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	stopped := m.Snapshot()
	time.Sleep(5 * time.Millisecond)
	afterStop := m.Snapshot()
	if afterStop.UptimeNs != stopped.UptimeNs {
		t.Errorf("expected uptime frozen after Stop, got %d -> %d", stopped.UptimeNs, afterStop.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit(true)
	m.RecordComplete(time.Millisecond, time.Millisecond, true)
	m.RecordMaliciousKill()

	if snap := m.Snapshot(); snap.TotalOps == 0 {
		t.Fatal("expected nonzero ops before reset")
	}

	m.Reset()
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.MaliciousKills != 0 {
		t.Errorf("expected 0 malicious kills after reset, got %d", snap.MaliciousKills)
	}
}

func TestMetricsSubmitRate(t *testing.T) {
	m := NewMetrics()
	startTime := time.Now().Add(-1 * time.Second)
	m.StartTime.Store(startTime.UnixNano())
	m.RecordSubmit(true)
	m.RecordSubmit(true)

	snap := m.Snapshot()
	if snap.SubmitRate < 1.5 || snap.SubmitRate > 2.5 {
		t.Errorf("expected submit rate ~2/s, got %.2f", snap.SubmitRate)
	}
}

func TestMetricsObserverAndNoOp(t *testing.T) {
	// NoOpWorkSink must not panic.
	var sink NoOpWorkSink
	sink.ObserveWork(model.Work{})

	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveWork(model.Work{})
	obs.ObserveWork(model.Work{})

	snap := m.Snapshot()
	if snap.CompleteOps != 2 {
		t.Errorf("expected 2 observed completions, got %d", snap.CompleteOps)
	}
}
