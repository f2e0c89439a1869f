package risk

import (
	"sync"
	"time"
)

// rateWindow is one tenant's trailing order-submission history. Entries older
// than an hour are evicted on every touch, so the slice stays bounded by the
// per-hour ceiling.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// counts returns how many recorded submissions fall inside the trailing
// minute and hour, evicting anything older than an hour.
func (w *rateWindow) counts(now time.Time) (perMinute, perHour int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)
	minuteCut := now.Add(-time.Minute)
	for _, t := range w.times {
		perHour++
		if t.After(minuteCut) {
			perMinute++
		}
	}
	return perMinute, perHour
}

// record appends a submission timestamp.
func (w *rateWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	w.times = append(w.times, now)
}

// checkAndRecord counts the trailing minute and hour and, when both ceilings
// pass, records now — count and append happen under one lock acquisition so
// two evaluations racing at the limit cannot both slip under it. A ceiling of
// zero is unenforced.
func (w *rateWindow) checkAndRecord(now time.Time, maxPerMinute, maxPerHour int) (perMinute, perHour int, recorded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)
	minuteCut := now.Add(-time.Minute)
	for _, t := range w.times {
		perHour++
		if t.After(minuteCut) {
			perMinute++
		}
	}
	if maxPerMinute > 0 && perMinute >= maxPerMinute {
		return perMinute, perHour, false
	}
	if maxPerHour > 0 && perHour >= maxPerHour {
		return perMinute, perHour, false
	}
	w.times = append(w.times, now)
	return perMinute, perHour, true
}

// seed initialises the window from persisted history. No-op if the window
// already has entries, so a restart does not double-count.
func (w *rateWindow) seed(times []time.Time, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.times) > 0 {
		return
	}
	cut := now.Add(-time.Hour)
	for _, t := range times {
		if t.After(cut) {
			w.times = append(w.times, t)
		}
	}
}

func (w *rateWindow) evictLocked(now time.Time) {
	cut := now.Add(-time.Hour)
	i := 0
	for ; i < len(w.times); i++ {
		if w.times[i].After(cut) {
			break
		}
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// windowSet maps tenant ID to its rate window. The outer map is guarded by
// its own lock; per-tenant serialization happens inside each window, so two
// tenants never contend with each other.
type windowSet struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

func newWindowSet() *windowSet {
	return &windowSet{windows: make(map[string]*rateWindow)}
}

func (s *windowSet) get(tenantID string) *rateWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[tenantID]
	if !ok {
		w = &rateWindow{}
		s.windows[tenantID] = w
	}
	return w
}
