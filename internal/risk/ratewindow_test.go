package risk

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateWindowCounts(t *testing.T) {
	now := time.Now()
	w := &rateWindow{}

	w.record(now.Add(-90 * time.Second)) // inside the hour, outside the minute
	w.record(now.Add(-30 * time.Second))
	w.record(now.Add(-5 * time.Second))

	perMin, perHour := w.counts(now)
	if perMin != 2 {
		t.Fatalf("perMinute = %d, want 2", perMin)
	}
	if perHour != 3 {
		t.Fatalf("perHour = %d, want 3", perHour)
	}
}

func TestRateWindowEviction(t *testing.T) {
	now := time.Now()
	w := &rateWindow{}

	w.record(now.Add(-2 * time.Hour))
	w.record(now.Add(-30 * time.Minute))

	_, perHour := w.counts(now)
	if perHour != 1 {
		t.Fatalf("perHour = %d, want 1 after eviction", perHour)
	}
}

func TestSeedIgnoredWhenWindowLive(t *testing.T) {
	now := time.Now()
	w := &rateWindow{}
	w.record(now.Add(-10 * time.Second))

	// Seeding over a live window must not double-count persisted history.
	w.seed([]time.Time{now.Add(-20 * time.Second), now.Add(-15 * time.Second)}, now)
	_, perHour := w.counts(now)
	if perHour != 1 {
		t.Fatalf("perHour = %d, want 1", perHour)
	}
}

func TestSeedFiltersStaleEntries(t *testing.T) {
	now := time.Now()
	w := &rateWindow{}
	w.seed([]time.Time{now.Add(-2 * time.Hour), now.Add(-10 * time.Minute)}, now)

	_, perHour := w.counts(now)
	if perHour != 1 {
		t.Fatalf("perHour = %d, want 1 (stale entries filtered)", perHour)
	}
}

func TestWindowSetIsolatesTenants(t *testing.T) {
	s := newWindowSet()
	now := time.Now()

	s.get("a").record(now)
	if _, perHour := s.get("b").counts(now); perHour != 0 {
		t.Fatalf("tenant b perHour = %d, want 0", perHour)
	}
	if s.get("a") != s.get("a") {
		t.Fatal("same tenant should map to the same window")
	}
}

func TestCheckAndRecordAdmitsExactlyLimitUnderContention(t *testing.T) {
	w := &rateWindow{}
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok := w.checkAndRecord(now, 1, 0); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := admitted.Load(); n != 1 {
		t.Fatalf("admitted = %d, want exactly 1 at a per-minute ceiling of 1", n)
	}
	if perMin, _ := w.counts(now); perMin != 1 {
		t.Fatalf("recorded = %d, want 1", perMin)
	}
}
