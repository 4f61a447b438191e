// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	requireNotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}

func requireNotNil(t *testing.T, v any) {
	t.Helper()
	if v == nil {
		t.Fatal("expected value to be non-nil")
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	if got := Location("UTC"); got != time.UTC {
		t.Fatalf("expected UTC, got %v", got)
	}
	if got := Location("Nowhere/Atlantis"); got != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", got)
	}
	jan := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	if _, offset := jan.In(Location("")).Zone(); offset != -3*60*60 {
		t.Fatalf("expected market offset -3h, got %ds", offset)
	}
}

func TestTradingDay(t *testing.T) {
	t.Parallel()

	// 01:30 UTC is still the previous evening in São Paulo.
	got := TradingDay(time.Date(2024, 3, 5, 1, 30, 0, 0, time.UTC))
	if got.Year() != 2024 || got.Month() != time.March || got.Day() != 4 {
		t.Fatalf("expected 2024-03-04, got %v", got)
	}
	if got.Hour() != 0 || got.Minute() != 0 {
		t.Fatalf("expected midnight, got %v", got)
	}
}
