package sipwire

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop()
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoopTimerOrdering(t *testing.T) {
	l := testLoop(t)

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	// Same deadline keeps insertion order, earlier deadlines fire first
	l.AddTimer(0.05, record(3), 0)
	l.AddTimer(0.05, record(4), 0)
	l.AddTimer(0.01, record(1), 0)
	l.AddTimer(0.02, record(2), 0)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4}, order)
	mu.Unlock()
}

func TestLoopTimerZeroFiresNextIteration(t *testing.T) {
	l := testLoop(t)

	fired := make(chan struct{})
	l.AddTimer(0, func() { close(fired) }, 0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero delay timer did not fire")
	}
}

func TestLoopCancelDuringDispatch(t *testing.T) {
	l := testLoop(t)

	var mu sync.Mutex
	var fired []string

	done := make(chan struct{})
	var second TimerID
	l.AddTimer(0.01, func() {
		mu.Lock()
		fired = append(fired, "first")
		mu.Unlock()
		// Cancel a timer that is due in the same dispatch round
		l.CancelTimer(second)
	}, 0)
	second = l.AddTimer(0.01, func() {
		mu.Lock()
		fired = append(fired, "second")
		mu.Unlock()
	}, 0)
	l.AddTimer(0.05, func() { close(done) }, 0)

	<-done
	mu.Lock()
	assert.Equal(t, []string{"first"}, fired)
	mu.Unlock()
}

func TestLoopRepeatTimer(t *testing.T) {
	l := testLoop(t)

	var mu sync.Mutex
	count := 0
	id := l.AddTimer(0.01, func() {
		mu.Lock()
		count++
		mu.Unlock()
	}, 10*time.Millisecond)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	})

	l.CancelTimer(id)
	mu.Lock()
	stopped := count
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	// At most one more firing can race the cancellation
	assert.LessOrEqual(t, count, stopped+1)
	mu.Unlock()
}

func TestLoopTimeCachedPerIteration(t *testing.T) {
	l := testLoop(t)

	var first, second float64
	done := make(chan struct{})
	l.Schedule(func() {
		first = l.LoopTime()
		time.Sleep(20 * time.Millisecond)
		second = l.LoopTime()
		close(done)
	})

	<-done
	assert.Equal(t, first, second)
	assert.InDelta(t, float64(time.Now().UnixNano())/1e9, first, 5.0)
}

func TestLoopAbsoluteTimer(t *testing.T) {
	l := testLoop(t)

	fired := make(chan struct{})
	deadline := float64(time.Now().Add(30*time.Millisecond).UnixNano()) / 1e9
	require.Greater(t, deadline, float64(absoluteTimeThreshold))
	l.AddTimer(deadline, func() { close(fired) }, 0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("absolute timer did not fire")
	}
}

func TestLoopStop(t *testing.T) {
	l := NewLoop()
	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	l.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
