package jq

import (
	"strings"
	"testing"
	"time"
)

func TestExecuteSimpleProgram(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{"queries": []any{"a", "b"}}

	result, err := e.Execute(t.Context(), ".queries | length", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, ok := result.(int); !ok || n != 2 {
		t.Errorf("expected 2, got %v (%T)", result, result)
	}
}

func TestExecuteEmptyProgramPassesThrough(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{"k": "v"}

	result, err := e.Execute(t.Context(), "", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Errorf("expected data unchanged, got %v", result)
	}
}

func TestExecuteMultipleResults(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{"items": []any{"x", "y", "z"}}

	result, err := e.Execute(t.Context(), ".items[]", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok {
		t.Fatalf("expected []any for multiple outputs, got %T", result)
	}
	if len(values) != 3 {
		t.Errorf("expected 3 values, got %d", len(values))
	}
}

func TestExecuteNoResults(t *testing.T) {
	e := NewExecutor(0, 0)

	result, err := e.Execute(t.Context(), ".missing[]?", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil for empty output, got %v", result)
	}
}

func TestExecuteParseError(t *testing.T) {
	e := NewExecutor(0, 0)

	if _, err := e.Execute(t.Context(), ".[   ", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExecuteInputSizeLimit(t *testing.T) {
	e := NewExecutor(time.Second, 64)
	data := map[string]any{"blob": strings.Repeat("x", 1024)}

	if _, err := e.Execute(t.Context(), ".", data); err == nil {
		t.Fatal("expected input size error")
	}
}

func TestExecuteAlternativeOperator(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{"q": "fallback name"}

	result, err := e.Execute(t.Context(), `.query // .q // ""`, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "fallback name" {
		t.Errorf("expected fallback value, got %v", result)
	}
}
