package config

import (
	"testing"
	"time"
)

func TestTypedAccessors(t *testing.T) {
	s := New()
	s.Set("timeout", "1500ms")
	s.Set("count", "42")
	s.Set("enabled", "true")

	if got := s.Duration("timeout", 0); got != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms, got %v", got)
	}
	if got := s.Int("count", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := s.Bool("enabled", false); !got {
		t.Fatalf("expected true")
	}
	if got := s.Int("missing", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestOnChangeFiresOnActualChange(t *testing.T) {
	s := New()
	var calls int
	s.OnChange(func(key, old, new string) { calls++ })

	s.Set("k", "v1")
	s.Set("k", "v1") // no change, must not fire again
	s.Set("k", "v2")

	if calls != 2 {
		t.Fatalf("expected 2 listener calls, got %d", calls)
	}
}

func TestDefaultsPreSeeded(t *testing.T) {
	s := NewDefault()
	if _, ok := s.String("tcp.connect.timeout"); !ok {
		t.Fatalf("expected tcp.connect.timeout to be pre-seeded")
	}
}
