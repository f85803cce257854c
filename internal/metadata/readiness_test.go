package metadata

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"testing"
)

func TestReadiness_WaitersRunInOrderBeforeStateChanges(t *testing.T) {
	var r readiness
	var calls []int

	observe := func(n int) func(error) {
		return func(error) {
			calls = append(calls, n)
			if s, _ := r.current(); s != Pending {
				t.Errorf("waiter %d observed state %s before all waiters ran", n, s)
			}
		}
	}
	r.onReady(observe(1))
	r.onReady(func(err error) {
		observe(2)(err)
		r.onReady(observe(4)) // registered mid-resolution
	})
	r.onReady(observe(3))

	if !r.resolve(nil) {
		t.Fatal("first resolve must succeed")
	}
	if !slices.Equal(calls, []int{1, 2, 3, 4}) {
		t.Errorf("calls = %v, want [1 2 3 4]", calls)
	}
	if s, _ := r.current(); s != Ready {
		t.Errorf("state = %s, want ready", s)
	}
}

func TestReadiness_ResolvesOnce(t *testing.T) {
	var r readiness
	n := 0
	r.onReady(func(error) { n++ })

	first := errors.New("first")
	r.resolve(first)
	if r.resolve(nil) {
		t.Error("second resolve must report false")
	}
	if n != 1 {
		t.Errorf("waiter called %d times, want 1", n)
	}
	if s, err := r.current(); s != Failed || !errors.Is(err, first) {
		t.Errorf("current() = %s, %v", s, err)
	}

	var late error
	r.onReady(func(err error) { late = err })
	if !errors.Is(late, first) {
		t.Errorf("late waiter got %v, want synchronous %v", late, first)
	}
}

func TestReadiness_HandOff(t *testing.T) {
	var old, next readiness
	var calls []string
	old.onReady(func(error) { calls = append(calls, "inherited") })
	next.onReady(func(error) { calls = append(calls, "own") })

	old.handOff(&next)
	old.resolve(errors.New("closed"))
	next.resolve(nil)

	if !slices.Equal(calls, []string{"inherited", "own"}) {
		t.Errorf("calls = %v", calls)
	}

	var resolved readiness
	resolved.resolve(nil)
	got := errors.New("unset")
	resolved.adopt([]func(error){func(err error) { got = err }})
	if got != nil {
		t.Errorf("adopting into a resolved readiness must call with its result, got %v", got)
	}
}

func TestReadiness_WaitFollowsHandOff(t *testing.T) {
	var old, next readiness
	got := make(chan error, 1)
	go func() { got <- old.wait(context.Background()) }()

	// wait must be blocked on old before the hand-off for the test to mean anything
	for {
		old.mu.Lock()
		blocked := old.done != nil
		old.mu.Unlock()
		if blocked {
			break
		}
		runtime.Gosched()
	}
	old.handOff(&next)
	old.resolve(errors.New("index deleted"))
	next.resolve(nil)

	if err := <-got; err != nil {
		t.Errorf("wait() = %v, want the successor's result", err)
	}
	if s, _ := next.current(); s != Ready {
		t.Errorf("successor state = %s after wait returned", s)
	}
}

func TestReadiness_WaitHonorsContext(t *testing.T) {
	var r readiness
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("wait() = %v, want context.Canceled", err)
	}
}
