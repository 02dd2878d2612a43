package sipwire

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimerID is an opaque handle for cancelling scheduled timers.
type TimerID uint64

// absoluteTimeThreshold - timer deadlines above it are absolute unix seconds,
// below it they are relative to current loop time.
const absoluteTimeThreshold = 1e6

type loopTimer struct {
	id        TimerID
	deadline  float64 // unix seconds
	seq       uint64  // insertion order, breaks deadline ties
	fn        func()
	repeat    time.Duration
	cancelled bool
}

type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*loopTimer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop is a goroutine confined reactor driving all timers and callbacks of a
// dispatcher. Sockets are read by their own goroutines, but every callback
// that touches dispatcher state runs on the loop via Schedule, so between
// callbacks the world is frozen.
type Loop struct {
	log zerolog.Logger

	jobs chan func()
	wake chan struct{}
	quit chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	timers  timerHeap
	byID    map[TimerID]*loopTimer
	nextID  TimerID
	nextSeq uint64

	nowMu sync.RWMutex
	now   float64
}

func NewLoop() *Loop {
	l := &Loop{
		log:  log.Logger.With().Str("caller", "Loop").Logger(),
		jobs: make(chan func(), 1024),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		byID: make(map[TimerID]*loopTimer),
	}
	l.setNow(unixNow())
	return l
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (l *Loop) setNow(t float64) {
	l.nowMu.Lock()
	l.now = t
	l.nowMu.Unlock()
}

// LoopTime returns the clock snapshot taken at the start of the current loop
// iteration. Callers reuse it to avoid skew within one dispatch.
func (l *Loop) LoopTime() float64 {
	l.nowMu.RLock()
	defer l.nowMu.RUnlock()
	return l.now
}

// Schedule runs fn on the loop goroutine. Safe to call from any goroutine.
func (l *Loop) Schedule(fn func()) {
	select {
	case l.jobs <- fn:
	case <-l.quit:
	}
}

// AddTimer schedules fn to run on the loop. when is absolute unix seconds if
// larger than 1e6, otherwise relative seconds from now; 0 fires on the next
// iteration. A non zero repeat re-arms the timer after every run.
func (l *Loop) AddTimer(when float64, fn func(), repeat time.Duration) TimerID {
	deadline := when
	if when < absoluteTimeThreshold {
		deadline = l.LoopTime() + when
	}

	l.mu.Lock()
	l.nextID++
	l.nextSeq++
	t := &loopTimer{
		id:       l.nextID,
		deadline: deadline,
		seq:      l.nextSeq,
		fn:       fn,
		repeat:   repeat,
	}
	l.byID[t.id] = t
	heap.Push(&l.timers, t)
	l.mu.Unlock()

	// Wake the loop in case the new deadline is nearer than current wait
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t.id
}

// CancelTimer disarms a timer. Cancelling an already fired or unknown timer is
// a no-op. Safe to call from timer callbacks.
func (l *Loop) CancelTimer(id TimerID) {
	l.mu.Lock()
	if t, ok := l.byID[id]; ok {
		t.cancelled = true
		delete(l.byID, id)
	}
	l.mu.Unlock()
}

// popDue returns next timer with deadline <= now, nil when none.
func (l *Loop) popDue(now float64) *loopTimer {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if t.deadline > now {
			return nil
		}
		heap.Pop(&l.timers)
		if t.repeat > 0 {
			next := *t
			next.deadline = now + t.repeat.Seconds()
			l.nextSeq++
			next.seq = l.nextSeq
			l.byID[t.id] = &next
			heap.Push(&l.timers, &next)
		} else {
			delete(l.byID, t.id)
		}
		return t
	}
	return nil
}

func (l *Loop) nextDeadline() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 {
		if l.timers[0].cancelled {
			heap.Pop(&l.timers)
			continue
		}
		return l.timers[0].deadline, true
	}
	return 0, false
}

// Run processes jobs and timers until Stop. It blocks the calling goroutine.
func (l *Loop) Run() {
	waiter := time.NewTimer(time.Hour)
	defer waiter.Stop()

	for {
		now := unixNow()
		l.setNow(now)

		// Dispatch due timers in deadline order. Callbacks run to completion.
		for {
			t := l.popDue(now)
			if t == nil {
				break
			}
			t.fn()
		}

		wait := time.Hour
		if deadline, ok := l.nextDeadline(); ok {
			d := time.Duration((deadline - unixNow()) * float64(time.Second))
			if d < 0 {
				d = 0
			}
			wait = d
		}

		if !waiter.Stop() {
			select {
			case <-waiter.C:
			default:
			}
		}
		waiter.Reset(wait)

		select {
		case fn := <-l.jobs:
			l.setNow(unixNow())
			fn()
		case <-l.wake:
		case <-waiter.C:
		case <-l.quit:
			return
		}
	}
}

// Stop terminates Run. Pending timers and jobs are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
}
