package pool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novaq/scheduler/pool"
)

func TestPool_RunInThreadExecutesRunnable(t *testing.T) {
	p := pool.New(2)
	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, p.RunInThread(func() {
		ran.Store(true)
		wg.Done()
	}))
	wg.Wait()
	require.True(t, ran.Load())
	p.Shutdown(true)
}

func TestPool_RunInThreadNilReturnsFalse(t *testing.T) {
	p := pool.New(1)
	require.False(t, p.RunInThread(nil))
	p.Shutdown(true)
}

func TestPool_BlockForAvailableThreadsLimitsConcurrency(t *testing.T) {
	p := pool.New(2)
	release := make(chan struct{})
	var running atomic.Int32
	var maxObserved atomic.Int32

	start := func() {
		p.BlockForAvailableThreads()
		p.RunInThread(func() {
			n := running.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}

	start()
	start()

	done := make(chan struct{})
	go func() {
		start() // blocks until a slot frees
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, maxObserved.Load(), int32(2))

	close(release)
	<-done
	p.Shutdown(true)
}

func TestPool_CancelReservationFreesSlot(t *testing.T) {
	p := pool.New(1)
	p.BlockForAvailableThreads()
	p.CancelReservation()

	done := make(chan struct{})
	go func() {
		p.BlockForAvailableThreads()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockForAvailableThreads did not unblock after CancelReservation")
	}
	p.Shutdown(true)
}

func TestPool_ShutdownWaitsForInFlightWork(t *testing.T) {
	p := pool.New(1)
	var finished atomic.Bool
	started := make(chan struct{})
	p.RunInThread(func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	p.Shutdown(true)
	require.True(t, finished.Load())
}

func TestPool_RunInThreadAfterShutdownStillRuns(t *testing.T) {
	p := pool.New(1)
	p.Shutdown(false)

	var ran atomic.Bool
	done := make(chan struct{})
	require.True(t, p.RunInThread(func() {
		ran.Store(true)
		close(done)
	}))
	<-done
	require.True(t, ran.Load())
}

func TestPool_OnPanicHookInvoked(t *testing.T) {
	p := pool.New(1)
	var recovered atomic.Value
	done := make(chan struct{})
	p.OnPanic(func(rec interface{}) {
		recovered.Store(rec)
		close(done)
	})
	p.RunInThread(func() {
		panic("boom")
	})
	<-done
	require.Equal(t, "boom", recovered.Load())
	p.Shutdown(true)
}

func TestZeroSizePool_PanicsOnUse(t *testing.T) {
	p := pool.NewZeroSize()
	require.Panics(t, func() { p.RunInThread(func() {}) })
	require.Panics(t, func() { p.BlockForAvailableThreads() })
	p.Shutdown(true) // no-op, must not panic
	p.CancelReservation()
}

func TestPool_SizeReturnsConfiguredCount(t *testing.T) {
	p := pool.New(5)
	require.Equal(t, 5, p.Size())
	p2 := pool.New(0)
	require.Equal(t, 1, p2.Size())
}
