package memory

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSearchRanksByTermOverlap(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewInProcess(0)
	s.now = fixedClock(now)

	records := []Record{
		{ID: "a", Text: "Rust borrow checker internals", CreatedAt: now},
		{ID: "b", Text: "Go garbage collector pause times", CreatedAt: now},
		{ID: "c", Text: "Go scheduler and garbage collector interplay", CreatedAt: now},
	}
	for _, rec := range records {
		if err := s.Add(t.Context(), "user-1", rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.Search(t.Context(), "user-1", "go garbage collector", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	for _, rec := range got {
		if rec.ID == "a" {
			t.Error("record sharing no terms should not match")
		}
	}
}

func TestSearchPrefersRecentRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewInProcess(7)
	s.now = fixedClock(now)

	old := Record{ID: "old", Text: "quantum error correction progress", CreatedAt: now.AddDate(0, 0, -60)}
	fresh := Record{ID: "fresh", Text: "quantum error correction progress", CreatedAt: now.AddDate(0, 0, -1)}
	for _, rec := range []Record{old, fresh} {
		if err := s.Add(t.Context(), "user-1", rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.Search(t.Context(), "user-1", "quantum error correction", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].ID != "fresh" {
		t.Errorf("expected the recent record first, got %q", got[0].ID)
	}
}

func TestSearchCapsAtTopK(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewInProcess(0)
	s.now = fixedClock(now)

	for i := 0; i < 8; i++ {
		rec := Record{Text: "solar panel efficiency trends", CreatedAt: now.AddDate(0, 0, -i)}
		if err := s.Add(t.Context(), "user-1", rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.Search(t.Context(), "user-1", "solar panel efficiency", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected topK to cap results at 3, got %d", len(got))
	}
}

func TestSearchNamespacesAreIsolated(t *testing.T) {
	s := NewInProcess(0)

	if err := s.Add(t.Context(), "user-1", Record{Text: "grid battery storage costs"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Search(t.Context(), "user-2", "battery storage", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no cross-namespace matches, got %d", len(got))
	}
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	s := NewInProcess(0)
	if err := s.Add(t.Context(), "user-1", Record{Text: "anything at all"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Search(t.Context(), "user-1", "   ", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty query to match nothing, got %d", len(got))
	}
}

func TestAddStampsCreatedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewInProcess(0)
	s.now = fixedClock(now)

	if err := s.Add(t.Context(), "user-1", Record{Text: "fusion ignition milestones"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Search(t.Context(), "user-1", "fusion ignition", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	if !got[0].CreatedAt.Equal(now) {
		t.Errorf("expected stamped CreatedAt %v, got %v", now, got[0].CreatedAt)
	}
}
