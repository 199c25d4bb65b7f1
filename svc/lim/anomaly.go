package lim

import (
	"sync"
	"time"

	"permapaste/metrics"
	"permapaste/svc/util"
)

const (
	anomalyBuckets     = 5
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector keeps a five minute ring of request and error counts and
// fires onAnomaly when the rolling error rate crosses the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{onAnomaly: onAnomaly, done: make(chan struct{})}
}

func (d *AnomalyDetector) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

// Advance closes the current minute and starts a fresh bucket.
func (d *AnomalyDetector) Advance() {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > anomalyMinRequests && rate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", rate).
			Int64("requests", reqs).
			Int64("errors", errs).
			Msg("error rate anomaly, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
