package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_HandlesInputsAndSurvivesErrors(t *testing.T) {
	in := make(chan int)
	var handled atomic.Int32
	stopped := false

	l := New("test", in, func(v int) error {
		handled.Add(1)
		if v%2 == 0 {
			return errors.New("even input")
		}
		return nil
	}, func() { stopped = true })

	l.Start(context.Background())
	for i := 0; i < 4; i++ {
		in <- i
	}
	l.Stop()

	assert.Equal(t, int32(4), handled.Load())
	assert.True(t, stopped)
}

func TestListener_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New("test", make(chan struct{}), func(struct{}) error { return nil })
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestNewTicker(t *testing.T) {
	ticks := make(chan struct{}, 10)
	l := NewTicker("ticker", 5*time.Millisecond, func(time.Time) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return len(ticks) >= 2 }, time.Second, 5*time.Millisecond)
}
