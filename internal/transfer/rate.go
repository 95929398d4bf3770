package transfer

import "time"

// rateWindow is the minimum span a rate bucket must cover before the rate is recomputed.
const rateWindow = time.Second

// RateEstimator turns byte-count samples into a KB/s figure. The rate only
// changes once a bucket of at least one second has closed; in between the
// previous value is kept. There is no smoothing across buckets.
type RateEstimator struct {
	accumulated int64
	windowStart time.Time
	rateKBs     float64
}

// NewRateEstimator starts the first bucket at start.
func NewRateEstimator(start time.Time) *RateEstimator {
	return &RateEstimator{windowStart: start}
}

// Sample adds delta bytes observed at now and reports whether the rate was recomputed.
func (r *RateEstimator) Sample(delta int64, now time.Time) bool {
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	r.accumulated += delta
	elapsed := now.Sub(r.windowStart)
	if elapsed < rateWindow {
		return false
	}
	seconds := elapsed.Seconds()
	r.rateKBs = float64(r.accumulated) / 1024 / seconds
	r.accumulated = 0
	r.windowStart = now
	return true
}

// Rate returns the last computed rate in KB/s, 0 before the first bucket closed.
func (r *RateEstimator) Rate() float64 {
	return r.rateKBs
}
