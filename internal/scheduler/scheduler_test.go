package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSwitch(t *testing.T) {
	t.Parallel()

	s := New(100*time.Millisecond, 2*time.Second)
	assert.False(t, s.Bursting())
	assert.Equal(t, 2*time.Second, s.Interval())

	s.Burst()
	s.Burst()
	assert.True(t, s.Bursting())
	assert.Equal(t, 100*time.Millisecond, s.Interval())

	s.Relax()
	s.Relax()
	assert.False(t, s.Bursting())
	assert.Equal(t, 2*time.Second, s.Interval())
}

func TestNewNormalizesIntervals(t *testing.T) {
	t.Parallel()

	s := New(0, 0)
	assert.Equal(t, time.Second, s.burst)
	assert.Equal(t, time.Second, s.relax)
}

func TestRunUsesBurstInterval(t *testing.T) {
	t.Parallel()

	s := New(5*time.Millisecond, time.Hour)
	s.Burst()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(context.Context) {
			if calls.Add(1) >= 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not tick at burst interval")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunWakesOnBurst(t *testing.T) {
	t.Parallel()

	s := New(5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticked := make(chan struct{}, 1)
	go s.Run(ctx, func(context.Context) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	s.Burst()
	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("burst did not re-arm the timer")
	}
}
