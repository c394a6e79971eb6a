package ratelimit

import (
	"testing"
	"time"
)

func TestAllowConsumesUpToBurst(t *testing.T) {
	tb := NewTokenBucket(1, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow(1) {
			t.Fatalf("expected token %d to be available within burst", i)
		}
	}
	if tb.Allow(1) {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1000, 1)
	if !tb.Allow(1) {
		t.Fatal("expected initial token to be available")
	}
	if tb.Allow(1) {
		t.Fatal("expected bucket to be empty immediately after draining")
	}

	tb.lastRefill = tb.lastRefill.Add(-time.Second)
	if !tb.Allow(1) {
		t.Fatal("expected bucket to refill after elapsed time")
	}
}
