package metrics

import (
	"testing"
	"time"
)

func TestCacheHitRate(t *testing.T) {
	m := New()
	if m.CacheHitRate() != 0 {
		t.Error("empty metrics should report 0 hit rate")
	}

	m.CacheHits.Add(3)
	m.CacheMisses.Add(1)
	if rate := m.CacheHitRate(); rate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %f", rate)
	}
}

func TestAvgLatency(t *testing.T) {
	m := New()
	m.RecordRequest(10 * time.Millisecond)
	m.RecordRequest(20 * time.Millisecond)

	avg := m.AvgLatency()
	if avg != 15*time.Millisecond {
		t.Errorf("expected 15ms avg, got %v", avg)
	}
}

func TestLatencyTrackerPercentiles(t *testing.T) {
	tr := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		tr.Record("op", time.Duration(i)*time.Millisecond)
	}

	pcts := tr.Percentiles()
	p, ok := pcts["op"]
	if !ok {
		t.Fatal("expected percentiles for op")
	}
	if p.P50 != 50*time.Millisecond {
		t.Errorf("expected p50=50ms, got %v", p.P50)
	}
	if p.P90 != 90*time.Millisecond {
		t.Errorf("expected p90=90ms, got %v", p.P90)
	}
	if p.P99 != 99*time.Millisecond {
		t.Errorf("expected p99=99ms, got %v", p.P99)
	}
	if p.Samples != 100 {
		t.Errorf("expected 100 samples, got %d", p.Samples)
	}
}

func TestLatencyTrackerWindowEviction(t *testing.T) {
	tr := NewLatencyTracker(10)
	// Fill the window with large values, then overwrite with small ones.
	for i := 0; i < 10; i++ {
		tr.Record("op", time.Second)
	}
	for i := 0; i < 10; i++ {
		tr.Record("op", time.Millisecond)
	}

	pcts := tr.Percentiles()
	if pcts["op"].P99 != time.Millisecond {
		t.Errorf("old samples should have been evicted, p99=%v", pcts["op"].P99)
	}
	if pcts["op"].Samples != 10 {
		t.Errorf("window should stay at 10 samples, got %d", pcts["op"].Samples)
	}
}

func TestPercentileSingleSample(t *testing.T) {
	tr := NewLatencyTracker(100)
	tr.Record("ping", 42*time.Microsecond)

	p := tr.Percentiles()["ping"]
	if p.P50 != 42*time.Microsecond || p.P99 != 42*time.Microsecond {
		t.Errorf("single sample should be every percentile, got %+v", p)
	}
}
