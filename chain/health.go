package chain

import (
	"sync"
	"time"
)

// healthWindow is the sliding window over which endpoint failure rates are
// measured, and unhealthyRate the failure share above which an endpoint is
// avoided.
const (
	healthWindow  = 60 * time.Second
	unhealthyRate = 0.5
)

type healthSample struct {
	at time.Time
	ok bool
}

// healthTracker keeps a sliding window of call outcomes per endpoint so the
// client can route around endpoints that are failing more than half the time.
type healthTracker struct {
	mu      sync.Mutex
	samples []healthSample
	now     func() time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{now: time.Now}
}

func (h *healthTracker) record(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, healthSample{at: h.now(), ok: ok})
	h.trim()
}

// healthy reports whether the endpoint's failure rate over the window stays
// under the threshold. An endpoint with no recent samples counts as healthy.
func (h *healthTracker) healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trim()
	if len(h.samples) == 0 {
		return true
	}
	failures := 0
	for _, s := range h.samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(h.samples)) <= unhealthyRate
}

func (h *healthTracker) trim() {
	cutoff := h.now().Add(-healthWindow)
	i := 0
	for i < len(h.samples) && h.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.samples = append(h.samples[:0], h.samples[i:]...)
	}
}
