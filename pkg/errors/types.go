// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed errors used throughout weaver.
//
// Each error type carries structured fields so callers can react
// programmatically (retry, surface a suggestion, abort a run) instead of
// string-matching messages.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrCircuitOpen is returned when a provider's circuit breaker is open
	// and the call was not attempted.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrNoProviders is returned when every candidate provider for an
	// operation is unavailable before any call is made.
	ErrNoProviders = errors.New("no providers available")

	// ErrStreamClosed is returned when publishing to an event stream that
	// has already been closed by its producer.
	ErrStreamClosed = errors.New("event stream closed")
)

// ProviderErrorKind classifies a provider failure for retry and circuit
// breaker decisions.
type ProviderErrorKind string

const (
	// KindTimeout covers deadline expiry on a provider call.
	KindTimeout ProviderErrorKind = "timeout"
	// KindTransport covers connection resets, DNS failures and other
	// network-level faults.
	KindTransport ProviderErrorKind = "transport"
	// KindRateLimited covers HTTP 429 responses. Retried but never counted
	// against the circuit breaker.
	KindRateLimited ProviderErrorKind = "rate_limited"
	// KindUnavailable covers HTTP 5xx responses.
	KindUnavailable ProviderErrorKind = "provider_unavailable"
	// KindBadRequest covers HTTP 4xx responses other than 429. Never
	// retried, never counted.
	KindBadRequest ProviderErrorKind = "bad_request"
)

// ValidationError indicates invalid input or configuration supplied by the
// caller.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message, suggestion string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Suggestion: suggestion}
}

// NotFoundError indicates a referenced resource does not exist.
type NotFoundError struct {
	Resource string // e.g. "run", "checkpoint", "provider"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ProviderError indicates a failure calling an external provider (LLM or
// search). Kind drives retry and breaker behavior.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	Message    string
	Suggestion string
	RequestID  string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error (%s)", e.Provider, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" [HTTP %d]", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request-id: %s)", e.RequestID)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is worth retrying at all.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// CountsAgainstBreaker reports whether the failure should contribute to
// tripping the provider's circuit. Rate limiting is backpressure, not an
// outage, so 429s retry without counting.
func (e *ProviderError) CountsAgainstBreaker() bool {
	switch e.Kind {
	case KindTimeout, KindTransport, KindUnavailable:
		return true
	default:
		return false
	}
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider string, kind ProviderErrorKind, message string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message}
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// CancelledError indicates a run was stopped at a cancellation checkpoint.
// It is terminal for the run but not a fault: the run ends in state
// "cancelled", not "failed".
type CancelledError struct {
	RunID      string
	Checkpoint string // checkpoint name where cancellation was observed
}

func (e *CancelledError) Error() string {
	if e.Checkpoint != "" {
		return fmt.Sprintf("run %s cancelled at %s", e.RunID, e.Checkpoint)
	}
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// NewCancelledError creates a CancelledError observed at the named
// checkpoint.
func NewCancelledError(runID, checkpoint string) *CancelledError {
	return &CancelledError{RunID: runID, Checkpoint: checkpoint}
}

// BudgetExceededError indicates a run hit its token or wall-clock budget.
// The run aborts in an orderly fashion and keeps partial results.
type BudgetExceededError struct {
	RunID    string
	Resource string // "tokens" or "seconds"
	Used     int64
	Limit    int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded %s budget: %d of %d used", e.RunID, e.Resource, e.Used, e.Limit)
}

// NewBudgetExceededError creates a BudgetExceededError.
func NewBudgetExceededError(runID, resource string, used, limit int64) *BudgetExceededError {
	return &BudgetExceededError{RunID: runID, Resource: resource, Used: used, Limit: limit}
}

// CheckpointError indicates a checkpoint save or load failed. Save failures
// are non-fatal: the run continues without resumability.
type CheckpointError struct {
	RunID string
	Op    string // "save", "load" or "delete"
	Cause error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for run %s: %v", e.Op, e.RunID, e.Cause)
}

func (e *CheckpointError) Unwrap() error {
	return e.Cause
}

// ParsingError indicates a structured payload expected from a model could
// not be decoded. Callers fall back to degraded behavior rather than
// failing the run.
type ParsingError struct {
	What  string // what was being parsed, e.g. "plan", "sufficiency verdict"
	Cause error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Cause)
}

func (e *ParsingError) Unwrap() error {
	return e.Cause
}

// ConfigError indicates invalid or missing configuration.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a ConfigError for the given key.
func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}

// InternalError indicates a bug: invariant violation, impossible state,
// recovered panic. Always fatal to the operation that raised it.
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error in %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("internal error in %s", e.Op)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}
