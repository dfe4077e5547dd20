package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

// CircuitState is the breaker state of one provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Circuit is a point-in-time snapshot of one provider's breaker.
type Circuit struct {
	Provider            string       `json:"provider"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at"`
}

// ReliabilityConfig tunes the wrapper applied to each provider call.
type ReliabilityConfig struct {
	// Timeout bounds a single provider call.
	Timeout time.Duration

	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff delay.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between retries.
	BackoffMultiplier float64

	// Jitter adds randomness to backoff (0.0-1.0).
	Jitter float64

	// FailureThreshold is the consecutive counted failures that open the
	// circuit.
	FailureThreshold uint32

	// Cooldown is how long an open circuit rejects calls before allowing a
	// half-open probe.
	Cooldown time.Duration

	// RatePerSecond limits outbound calls per provider (0 = unlimited).
	RatePerSecond float64

	// RateBurst is the limiter burst size when RatePerSecond is set.
	RateBurst int
}

// DefaultReliabilityConfig returns the provider-class defaults for search.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Timeout:           10 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		RateBurst:         1,
	}
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	def := DefaultReliabilityConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	return c
}

// TransitionFunc observes circuit state changes.
type TransitionFunc func(provider string, from, to CircuitState)

// ReliabilityOption customizes a Reliability manager.
type ReliabilityOption func(*Reliability)

// WithLogger sets the logger for reliability events.
func WithLogger(logger *slog.Logger) ReliabilityOption {
	return func(r *Reliability) {
		r.logger = logger
	}
}

// WithTransitionFunc registers a callback invoked on every circuit state
// change.
func WithTransitionFunc(fn TransitionFunc) ReliabilityOption {
	return func(r *Reliability) {
		r.onTransition = fn
	}
}

// Reliability wraps providers with timeout, rate limiting, retry and
// circuit breaking. One breaker exists per provider name regardless of how
// many times the provider is wrapped.
type Reliability struct {
	defaults     ReliabilityConfig
	logger       *slog.Logger
	onTransition TransitionFunc

	mu       sync.RWMutex
	wrappers map[string]*reliableProvider
}

// NewReliability creates a reliability manager with the given defaults.
func NewReliability(cfg ReliabilityConfig, opts ...ReliabilityOption) *Reliability {
	r := &Reliability{
		defaults: cfg.withDefaults(),
		logger:   slog.Default(),
		wrappers: make(map[string]*reliableProvider),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Wrap returns p guarded by the manager's default configuration.
func (r *Reliability) Wrap(p Provider) Provider {
	return r.WrapWithConfig(p, r.defaults)
}

// WrapWithConfig returns p guarded by a per-provider configuration.
// Wrapping the same provider name twice returns the existing wrapper so the
// circuit state is shared.
func (r *Reliability) WrapWithConfig(p Provider, cfg ReliabilityConfig) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if existing, ok := r.wrappers[name]; ok {
		return existing
	}

	rp := &reliableProvider{
		inner:  p,
		cfg:    cfg.withDefaults(),
		logger: r.logger.With(slog.String("provider", name)),
		notify: r.onTransition,
	}
	if rp.cfg.RatePerSecond > 0 {
		rp.limiter = rate.NewLimiter(rate.Limit(rp.cfg.RatePerSecond), rp.cfg.RateBurst)
	}
	rp.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Timeout:     rp.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= rp.cfg.FailureThreshold
		},
		IsSuccessful:  breakerSuccess,
		OnStateChange: rp.onStateChange,
	})

	r.wrappers[name] = rp
	return rp
}

// Snapshot returns the circuit state for one provider.
func (r *Reliability) Snapshot(provider string) (Circuit, bool) {
	r.mu.RLock()
	rp, ok := r.wrappers[provider]
	r.mu.RUnlock()
	if !ok {
		return Circuit{}, false
	}
	return rp.snapshot(), true
}

// Snapshots returns the circuit state of every wrapped provider, sorted by
// provider name.
func (r *Reliability) Snapshots() []Circuit {
	r.mu.RLock()
	out := make([]Circuit, 0, len(r.wrappers))
	for _, rp := range r.wrappers {
		out = append(out, rp.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// breakerSuccess decides whether an error counts against the circuit.
// Rate limiting and client errors are real failures for the caller but must
// not open the breaker; cancellation is not a provider fault at all.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *pkgerrors.ProviderError
	if errors.As(err, &pe) {
		return !pe.CountsAgainstBreaker()
	}
	return false
}

type reliableProvider struct {
	inner   Provider
	cfg     ReliabilityConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
	notify  TransitionFunc

	mu       sync.Mutex
	openedAt time.Time
}

var _ Provider = (*reliableProvider)(nil)

func (p *reliableProvider) Name() string {
	return p.inner.Name()
}

func (p *reliableProvider) Search(ctx context.Context, req Request) ([]Hit, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		hits, err := p.attempt(ctx, req)
		if err == nil {
			return hits, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !retryableSearchError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("provider %s: giving up after %d attempts: %w",
		p.inner.Name(), p.cfg.MaxAttempts, lastErr)
}

func (p *reliableProvider) attempt(ctx context.Context, req Request) ([]Hit, error) {
	callCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		hits, err := p.inner.Search(callCtx, req)
		if err != nil {
			return nil, p.classify(ctx, err)
		}
		return hits, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &pkgerrors.ProviderError{
				Provider: p.inner.Name(),
				Kind:     pkgerrors.KindUnavailable,
				Message:  fmt.Sprintf("circuit open, cooling down for %s", p.cfg.Cooldown),
				Cause:    pkgerrors.ErrCircuitOpen,
			}
		}
		return nil, err
	}
	return result.([]Hit), nil
}

// classify normalizes raw transport failures into typed provider errors.
// Errors caused by the caller's own context cancellation pass through
// unchanged so the run sees a cancellation, not a provider fault.
func (p *reliableProvider) classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	var pe *pkgerrors.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	name := p.inner.Name()
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &pkgerrors.ProviderError{
			Provider: name,
			Kind:     pkgerrors.KindTimeout,
			Message:  fmt.Sprintf("search timed out after %v", p.cfg.Timeout),
			Cause:    err,
		}
	}
	return &pkgerrors.ProviderError{
		Provider: name,
		Kind:     pkgerrors.KindTransport,
		Message:  err.Error(),
		Cause:    err,
	}
}

func (p *reliableProvider) backoff(retry int) time.Duration {
	backoff := float64(p.cfg.InitialBackoff) * math.Pow(p.cfg.BackoffMultiplier, float64(retry-1))
	if backoff > float64(p.cfg.MaxBackoff) {
		backoff = float64(p.cfg.MaxBackoff)
	}
	if p.cfg.Jitter > 0 {
		jitterAmount := backoff * p.cfg.Jitter
		backoff += (rand.Float64() * 2 * jitterAmount) - jitterAmount
	}
	return time.Duration(backoff)
}

func (p *reliableProvider) onStateChange(name string, from, to gobreaker.State) {
	fromState, toState := circuitState(from), circuitState(to)

	p.mu.Lock()
	if toState == CircuitOpen {
		p.openedAt = time.Now().UTC()
	} else if toState == CircuitClosed {
		p.openedAt = time.Time{}
	}
	p.mu.Unlock()

	switch toState {
	case CircuitOpen:
		p.logger.Warn("search provider circuit opened",
			slog.String("from", string(fromState)),
			slog.Duration("cooldown", p.cfg.Cooldown))
	case CircuitClosed:
		p.logger.Info("search provider circuit closed",
			slog.String("from", string(fromState)))
	case CircuitHalfOpen:
		p.logger.Info("search provider circuit half-open, probing",
			slog.String("from", string(fromState)))
	}

	if p.notify != nil {
		p.notify(name, fromState, toState)
	}
}

func (p *reliableProvider) snapshot() Circuit {
	c := Circuit{
		Provider:            p.inner.Name(),
		State:               circuitState(p.breaker.State()),
		ConsecutiveFailures: p.breaker.Counts().ConsecutiveFailures,
	}
	p.mu.Lock()
	if c.State == CircuitOpen {
		c.OpenedAt = p.openedAt
	}
	p.mu.Unlock()
	return c
}

func circuitState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

func retryableSearchError(err error) bool {
	if errors.Is(err, pkgerrors.ErrCircuitOpen) {
		return false
	}
	var pe *pkgerrors.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
