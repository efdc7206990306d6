package observability

import (
	"sync"
	"time"

	"tradepost/internal/purchase"
)

// MethodSnapshot is the view of one RPC method.
type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// SagaSnapshot holds purchase saga counters.
type SagaSnapshot struct {
	Transitions          map[string]int64 `json:"transitions"`
	Retries              map[string]int64 `json:"retries"`
	DispatchFailures     map[string]int64 `json:"dispatch_failures"`
	Compensations        int64            `json:"compensations"`
	NotificationFailures int64            `json:"notification_failures"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Saga            SagaSnapshot              `json:"saga"`
}

type callStats struct {
	done, failed, running int64
	sum, peak, last       time.Duration
}

func (c *callStats) observe(d time.Duration, failed bool) {
	c.running--
	c.done++
	if failed {
		c.failed++
	}
	c.sum += d
	c.last = d
	if d > c.peak {
		c.peak = d
	}
}

func (c *callStats) view() MethodSnapshot {
	out := MethodSnapshot{
		Count:         c.done,
		Errors:        c.failed,
		InFlight:      c.running,
		MaxLatencyMs:  float64(c.peak.Milliseconds()),
		LastLatencyMs: float64(c.last.Milliseconds()),
	}
	if c.done > 0 {
		out.AvgLatencyMs = float64(c.sum.Milliseconds()) / float64(c.done)
	}
	return out
}

type sagaStats struct {
	transitions   counter
	retries       counter
	failures      counter
	compensations int64
	notifyErrors  int64
}

type counter map[string]int64

func (c counter) clone() map[string]int64 {
	out := make(map[string]int64, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Metrics aggregates RPC call stats and saga counters in memory. A nil
// *Metrics discards everything.
type Metrics struct {
	mu       sync.Mutex
	started  time.Time
	calls    map[string]*callStats
	waits    int64
	waited   time.Duration
	shutdown *LifecycleSnapshot
	saga     sagaStats
}

var _ purchase.Metrics = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{
		started: time.Now(),
		calls:   make(map[string]*callStats),
		saga: sagaStats{
			transitions: counter{},
			retries:     counter{},
			failures:    counter{},
		},
	}
}

// CallSpan measures one RPC. The zero value is inert.
type CallSpan struct {
	metrics *Metrics
	method  string
	begun   time.Time
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.with(func() { m.call(method).running++ })
	return &CallSpan{metrics: m, method: method, begun: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	elapsed := time.Since(s.begun)
	s.metrics.with(func() { s.metrics.call(s.method).observe(elapsed, err != nil) })
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if d <= 0 {
		return
	}
	m.with(func() {
		m.waits++
		m.waited += d
	})
}

// RecordTransition counts a state change keyed "from->to". A new saga has an
// empty from state and is keyed "->to".
func (m *Metrics) RecordTransition(from, to purchase.State) {
	m.with(func() { m.saga.transitions[string(from)+"->"+string(to)]++ })
}

func (m *Metrics) RecordRetry(cmd purchase.CommandType) {
	m.with(func() { m.saga.retries[string(cmd)]++ })
}

func (m *Metrics) RecordDispatchFailure(cmd purchase.CommandType, class purchase.FailureClass) {
	m.with(func() { m.saga.failures[string(cmd)+"/"+class.String()]++ })
}

func (m *Metrics) RecordCompensation() {
	m.with(func() { m.saga.compensations++ })
}

func (m *Metrics) RecordNotificationFailure() {
	m.with(func() { m.saga.notifyErrors++ })
}

// MarkShutdown records how many calls were still running when shutdown began.
func (m *Metrics) MarkShutdown(inflight int64) {
	m.with(func() {
		m.shutdown = &LifecycleSnapshot{ShutdownAt: time.Now(), InFlightAtShutdown: inflight}
	})
}

func (m *Metrics) Snapshot() Snapshot {
	var snap Snapshot
	m.with(func() {
		snap = Snapshot{
			UptimeSec:       int64(time.Since(m.started).Seconds()),
			RateLimitWaits:  m.waits,
			RateLimitWaitMs: m.waited.Milliseconds(),
			Methods:         make(map[string]MethodSnapshot, len(m.calls)),
			Saga: SagaSnapshot{
				Transitions:          m.saga.transitions.clone(),
				Retries:              m.saga.retries.clone(),
				DispatchFailures:     m.saga.failures.clone(),
				Compensations:        m.saga.compensations,
				NotificationFailures: m.saga.notifyErrors,
			},
		}
		if m.shutdown != nil {
			lc := *m.shutdown
			snap.Lifecycle = &lc
		}
		for name, c := range m.calls {
			snap.Methods[name] = c.view()
			snap.TotalRequests += c.done
			snap.TotalErrors += c.failed
			snap.InFlight += c.running
		}
	})
	return snap
}

// with runs fn under the lock; it is a no-op on a nil receiver.
func (m *Metrics) with(fn func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// call must be invoked with mu held.
func (m *Metrics) call(method string) *callStats {
	c, ok := m.calls[method]
	if !ok {
		c = &callStats{}
		m.calls[method] = c
	}
	return c
}
