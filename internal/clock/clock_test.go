package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeNowReflectsAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

func TestFakeAfterFiresImmediatelyForNonPositiveDuration(t *testing.T) {
	f := NewFake(time.Now())
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) must fire without needing an Advance")
	}
}

func TestFakeAfterFiresOnlyOnceDeadlinePasses(t *testing.T) {
	f := NewFake(time.Now())
	ch := f.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("waiter must not fire before its deadline")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter must not fire before its deadline")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("waiter must fire once Advance reaches its deadline")
	}
}

func TestFakeAdvanceOnlyReleasesExpiredWaiters(t *testing.T) {
	f := NewFake(time.Now())
	soon := f.After(time.Minute)
	later := f.After(time.Hour)

	f.Advance(2 * time.Minute)

	select {
	case <-soon:
	default:
		t.Fatal("waiter past its deadline must be released")
	}
	select {
	case <-later:
		t.Fatal("waiter before its deadline must stay parked")
	default:
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	f := NewFake(time.Now())
	done := make(chan struct{})
	go func() {
		f.Sleep(10 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Sleep must not return before the clock advances")
	case <-time.After(20 * time.Millisecond):
	}

	f.Advance(10 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep must return once the clock advances past its deadline")
	}
}
