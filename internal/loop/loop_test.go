package loop

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(discard, 16)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return l
}

func TestLoop_RunsPostedFunctionsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_GoPostsContinuation(t *testing.T) {
	l := startLoop(t)

	var worker, applied atomic.Bool
	l.Go(context.Background(), "fetch", func(ctx context.Context) func() {
		worker.Store(true)
		return func() { applied.Store(true) }
	})
	l.Wait()

	assert.True(t, worker.Load())
	assert.True(t, applied.Load())
}

func TestLoop_RecoversPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	l.Go(context.Background(), "bad", func(ctx context.Context) func() { panic("worse") })

	ran := false
	l.Post(func() { ran = true })
	l.Wait()

	assert.True(t, ran)
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New(discard, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)

	assert.False(t, l.Post(func() {}))

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after stop")
	}
}

func TestLoop_WaitReturnsWhenStoppedDuringPosts(t *testing.T) {
	for n := 0; n < 50; n++ {
		l := New(discard, 4)
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			l.Run(ctx)
		}()

		var posters sync.WaitGroup
		for p := 0; p < 8; p++ {
			posters.Add(1)
			go func() {
				defer posters.Done()
				for k := 0; k < 20; k++ {
					l.Post(func() {})
				}
			}()
		}
		cancel()
		posters.Wait()
		<-stopped

		done := make(chan struct{})
		go func() {
			l.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Wait hung after stop")
		}
	}
}
