package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

func startLoop(t *testing.T) (*realtime.Loop, context.CancelFunc) {
	t.Helper()
	loop := realtime.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop, cancel
}

func TestLoopRunsPostedWorkInOrder(t *testing.T) {
	loop, _ := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}

	var n int
	require.True(t, realtime.Call(context.Background(), loop, func() { n = len(got) }))
	require.Equal(t, 100, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	loop, _ := startLoop(t)

	fired := make(chan struct{})
	loop.Post(func() {
		loop.AfterFunc(5*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopStoppedTimerNeverFires(t *testing.T) {
	loop, _ := startLoop(t)

	fired := false
	var timer realtime.Timer
	require.True(t, realtime.Call(context.Background(), loop, func() {
		timer = loop.AfterFunc(10*time.Millisecond, func() { fired = true })
	}))

	var stopped bool
	require.True(t, realtime.Call(context.Background(), loop, func() { stopped = timer.Stop() }))
	require.True(t, stopped)

	time.Sleep(50 * time.Millisecond)
	var seen bool
	require.True(t, realtime.Call(context.Background(), loop, func() { seen = fired }))
	require.False(t, seen)
}

func TestCallAfterLoopStopped(t *testing.T) {
	loop := realtime.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.False(t, realtime.Call(context.Background(), loop, func() {}))
}
