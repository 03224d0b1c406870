package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !c.Now().Equal(want) {
		t.Errorf("expected %v after advance, got %v", want, c.Now())
	}
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since = %v, want 90s", got)
	}
}

func TestMockClockSleepRecords(t *testing.T) {
	c := NewMockClock(time.Now())
	c.Sleep(time.Second)
	c.Sleep(2 * time.Second)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 recorded sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("unexpected sleep durations: %v", sleeps)
	}
}

func TestMockTickerFiresOnAdvance(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before clock advanced")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after advancing one period")
	}

	ticker.Stop()
	c.Advance(time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
