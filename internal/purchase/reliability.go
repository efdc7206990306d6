package purchase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen indicates the breaker in front of a destination is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Sender delivers one command to its destination queue.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, cmd Command) error

func (f SenderFunc) Send(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// RetryPolicy retries a call a bounded number of times at a fixed interval.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	// OnRetry runs before each sleep with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy is three attempts, five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Second}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if serr := sleep(ctx, p.Interval); serr != nil {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) == ClassTransient
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker short-circuits sends after repeated transient failures.
// Business failures count as a healthy destination.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state    circuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{maxFails: maxFails, resetAfter: resetAfter, now: now}
}

// Execute runs fn unless the breaker is open.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	if err := c.admit(); err != nil {
		return err
	}
	err := fn()
	c.record(err)
	return err
}

func (c *CircuitBreaker) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitOpen:
		if c.now().Sub(c.openedAt) < c.resetAfter {
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
		c.probing = true
	case circuitHalfOpen:
		if c.probing {
			return ErrCircuitOpen
		}
		c.probing = true
	}
	return nil
}

func (c *CircuitBreaker) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := err == nil || Classify(err) == ClassBusiness
	if c.state == circuitHalfOpen {
		c.probing = false
		if healthy {
			c.state = circuitClosed
			c.failures = 0
		} else {
			c.state = circuitOpen
			c.openedAt = c.now()
		}
		return
	}
	if healthy {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = c.now()
		c.failures = 0
	}
}

// RateLimiter is a token bucket shared by every outbound send.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter refills one token every rate up to burst. A zero rate or
// burst disables limiting.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	l := &RateLimiter{rate: rate, burst: burst, now: time.Now, sleep: sleepWithContext}
	l.tokens = burst
	l.last = l.now()
	return l
}

// Wait blocks until a token is available and reports how long it waited.
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return 0, ctx.Err()
	}
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return waited, err
		}
		r.mu.Lock()
		now := r.now()
		if elapsed := now.Sub(r.last); elapsed >= r.rate {
			add := int(elapsed / r.rate)
			r.tokens = min(r.tokens+add, r.burst)
			r.last = r.last.Add(time.Duration(add) * r.rate)
		}
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return waited, nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// DispatchResult describes the fate of one dispatched command.
type DispatchResult struct {
	Attempts int
	Class    FailureClass
	Err      error
}

// Dispatcher sends commands through a rate limiter, a per-destination
// circuit breaker and the retry policy.
type Dispatcher struct {
	sender  Sender
	retry   RetryPolicy
	limiter *RateLimiter
	logger  *zap.Logger
	metrics Metrics

	breakerCfg CircuitBreakerConfig
	mu         sync.Mutex
	breakers   map[CommandType]*CircuitBreaker
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

func WithRateLimiter(l *RateLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithCircuitBreaker enables one breaker per command type.
func WithCircuitBreaker(cfg CircuitBreakerConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakerCfg = cfg
		d.breakers = make(map[CommandType]*CircuitBreaker)
	}
}

func WithDispatchLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDispatchMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		retry:   DefaultRetryPolicy(),
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends cmd, retrying transient failures. A nil Err means the
// command was handed to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) DispatchResult {
	breaker := d.breaker(cmd.Type)
	policy := d.retry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		d.metrics.RecordRetry(cmd.Type)
		d.logger.Warn("command send failed, retrying",
			zap.String("correlation_id", cmd.CorrelationID),
			zap.String("command", string(cmd.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
	}

	attempts := 0
	err := policy.Do(ctx, func() error {
		attempts++
		if _, err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return breaker.Execute(func() error {
			return d.sender.Send(ctx, cmd)
		})
	})
	if err == nil {
		return DispatchResult{Attempts: attempts, Class: ClassNone}
	}
	return DispatchResult{Attempts: attempts, Class: Classify(err), Err: err}
}

func (d *Dispatcher) breaker(t CommandType) *CircuitBreaker {
	if d.breakers == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[t]
	if !ok {
		b = NewCircuitBreaker(d.breakerCfg)
		d.breakers[t] = b
	}
	return b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
