package fiber

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerWakeFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewTimerWake(func() { fired <- struct{}{} })
	defer w.Close()

	require.NoError(t, w.ScheduleWake(context.Background(), time.Now().Add(10*time.Millisecond)))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("wake never fired")
	}
}

func TestTimerWakeEarliestWins(t *testing.T) {
	var fires atomic.Int32
	fired := make(chan struct{}, 2)
	w := NewTimerWake(func() {
		fires.Add(1)
		fired <- struct{}{}
	})
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.ScheduleWake(ctx, time.Now().Add(10*time.Second)))
	// The earlier request must replace the armed timer.
	require.NoError(t, w.ScheduleWake(ctx, time.Now().Add(10*time.Millisecond)))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("earlier wake never fired")
	}
	// Exactly one timer armed; the later request collapsed into it.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestTimerWakeClosed(t *testing.T) {
	w := NewTimerWake(func() { t.Error("fired after close") })
	require.NoError(t, w.ScheduleWake(context.Background(), time.Now().Add(50*time.Millisecond)))
	w.Close()

	assert.ErrorIs(t, w.ScheduleWake(context.Background(), time.Now()), ErrWakeClosed)
	time.Sleep(100 * time.Millisecond)
}
