package lim

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"permapaste/metrics"
	"permapaste/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
	windowTimeout   = 100 * time.Millisecond
)

// WindowCounter is a shared fixed-window counter, backed by Redis in
// production. It returns the usage after counting this request.
type WindowCounter interface {
	CountWindow(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Limiter struct {
	global            WindowCounter
	proxies           *ProxySet
	detector          *AnomalyDetector
	adaptiveUntil     int64
	mu                sync.Mutex
	local             map[string]*limiterEntry
	perIPRPM          int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter with per-IP token buckets of rpm tokens a minute.
// global may be nil; when set it also enforces rpm per endpoint across all
// instances, falling back to conservativeLimit per IP if it errors.
func New(rpm, burst, conservativeLimit int, global WindowCounter, proxies *ProxySet) *Limiter {
	l := &Limiter{
		global:            global,
		proxies:           proxies,
		local:             make(map[string]*limiterEntry),
		perIPRPM:          rpm,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		quit:              make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveWindow).UnixNano())
}

func (l *Limiter) adaptive() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&l.adaptiveUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func (l *Limiter) ClientIP(r *http.Request) string {
	return l.proxies.ClientIP(r)
}

func halve(n int) int {
	if n /= 2; n < 1 {
		return 1
	}
	return n
}

// Check applies the per-IP bucket and then, when configured, the shared
// window for endpoint.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	ip := l.ClientIP(r)
	rpm, burst := l.perIPRPM, l.burst
	if l.adaptive() {
		rpm, burst = halve(rpm), halve(burst)
	}
	res := l.allowLocal(ip+"|"+endpoint, rpm, burst)
	if !res.Allowed || l.global == nil {
		return l.count(res, endpoint)
	}

	ctx, cancel := context.WithTimeout(r.Context(), windowTimeout)
	defer cancel()
	limit := l.perIPRPM * 100
	if l.adaptive() {
		limit = halve(limit)
	}
	usage, err := l.global.CountWindow(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using conservative local limit")
		return l.count(l.allowLocal(ip+"|conservative|"+endpoint, l.conservativeLimit, l.conservativeLimit), endpoint)
	}
	if usage > limit {
		return l.count(&Result{Allowed: false, Limit: limit, Reset: time.Now().Add(time.Minute)}, endpoint)
	}
	return res
}

func (l *Limiter) count(res *Result, endpoint string) *Result {
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) allowLocal(key string, rpm, burst int) *Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLimiters {
			l.evictOldestLocked(maxLimiters / 10)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)}
		l.local[key] = entry
	} else if entry.limiter.Burst() != burst {
		// adaptive mode toggled since the bucket was created
		entry.limiter.SetLimitAt(now, rate.Limit(float64(rpm)/60))
		entry.limiter.SetBurstAt(now, burst)
	}
	entry.lastAccess = now
	allowed := entry.limiter.AllowN(now, 1)
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: allowed, Limit: rpm, Remaining: remaining, Reset: now.Add(time.Minute)}
}

func (l *Limiter) evictOldestLocked(n int) {
	type kv struct {
		key  string
		last time.Time
	}
	all := make([]kv, 0, len(l.local))
	for k, v := range l.local {
		all = append(all, kv{k, v.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	for i := 0; i < n && i < len(all); i++ {
		delete(l.local, all[i].key)
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpired() {
	cutoff := time.Now().Add(-limiterTTL)
	l.mu.Lock()
	evicted := 0
	for k, e := range l.local {
		if e.lastAccess.Before(cutoff) {
			delete(l.local, k)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
