package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

// ErrMaxRetriesExceeded indicates all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (typically 2.0 for exponential).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0).
	Jitter float64

	// RetryableErrors decides whether an error warrants another attempt.
	// Nil means the default classification: provider timeouts, transport
	// faults, rate limiting and 5xx responses retry; context cancellation
	// and 4xx client errors never do.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns sensible default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RetryableProviderWrapper wraps a provider with retry logic.
type RetryableProviderWrapper struct {
	provider Provider
	config   RetryConfig
}

// NewRetryableProvider wraps a provider with retry logic.
func NewRetryableProvider(provider Provider, config RetryConfig) *RetryableProviderWrapper {
	if config.RetryableErrors == nil {
		config.RetryableErrors = isRetryableError
	}
	return &RetryableProviderWrapper{provider: provider, config: config}
}

// Name returns the wrapped provider's name.
func (r *RetryableProviderWrapper) Name() string { return r.provider.Name() }

// Capabilities returns the wrapped provider's capabilities.
func (r *RetryableProviderWrapper) Capabilities() Capabilities { return r.provider.Capabilities() }

// Complete executes a completion request, retrying retryable failures.
func (r *RetryableProviderWrapper) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return withRetry(ctx, r, func() (*CompletionResponse, error) {
		return r.provider.Complete(ctx, req)
	})
}

// Stream executes a streaming request, retrying retryable failures. A
// stream cannot be partially replayed, so only the initial connection is
// retried; once chunks flow, failures surface to the consumer.
func (r *RetryableProviderWrapper) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return withRetry(ctx, r, func() (<-chan StreamChunk, error) {
		return r.provider.Stream(ctx, req)
	})
}

// withRetry runs call up to MaxRetries+1 times, sleeping the backoff
// delay between attempts and bailing out on context cancellation or a
// non-retryable error.
func withRetry[T any](ctx context.Context, r *RetryableProviderWrapper, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateBackoff(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !r.config.RetryableErrors(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, r.config.MaxRetries+1, lastErr)
}

// calculateBackoff computes the delay for a given attempt with jitter.
func (r *RetryableProviderWrapper) calculateBackoff(attempt int) time.Duration {
	delay := math.Min(
		float64(r.config.InitialDelay)*math.Pow(r.config.Multiplier, float64(attempt-1)),
		float64(r.config.MaxDelay),
	)
	if r.config.Jitter > 0 {
		// delay * (1 ± jitter)
		span := delay * r.config.Jitter
		delay += rand.Float64()*2*span - span
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *pkgerrors.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}

	type temporary interface{ Temporary() bool }
	if temp, ok := err.(temporary); ok {
		return temp.Temporary()
	}

	// Unknown errors are not retried.
	return false
}
