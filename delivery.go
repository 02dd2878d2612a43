package sipwire

import (
	"errors"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sipwire/sipwire/sip"
)

// DeliveryCallback reports delivery progress. It is invoked with nil on
// reliable write completion, with the write errno on transport failures, and
// with ErrTimeout once every retransmission is exhausted. Cancellation never
// invokes it.
type DeliveryCallback func(err error)

// qentry is one outstanding delivery with its retransmission schedule.
type qentry struct {
	id     string
	callid string
	msg    sip.Message
	dst    Addr
	leg    *Leg

	// deadlines holds absolute transmit times, the final entry is the
	// timeout deadline at 64*T1.
	deadlines []float64
	next      int
	timer     TimerID

	cb            DeliveryCallback
	doRetransmits bool
	cseqMethod    sip.RequestMethod

	sent bool
}

// deliveryQueue drives per packet retransmissions - RFC 3261 17.1.1.2.
// Owned by the dispatcher, all methods run on the loop goroutine.
type deliveryQueue struct {
	disp    *Dispatcher
	log     zerolog.Logger
	entries map[string]*qentry
	sweep   TimerID
}

func newDeliveryQueue(disp *Dispatcher, logger zerolog.Logger) *deliveryQueue {
	q := &deliveryQueue{
		disp:    disp,
		log:     logger,
		entries: make(map[string]*qentry),
	}
	// Defensive sweep, normally entry timers fire individually
	q.sweep = disp.loop.AddTimer(1.0, q.expire, time.Second)
	return q
}

// add registers the entry and arms its first transmission at t=0.
func (q *deliveryQueue) add(e *qentry) {
	now := q.disp.loop.LoopTime()

	if e.leg.reliable() || !e.doRetransmits {
		// Single attempt. The timeout deadline still guards entries that
		// wait for an acknowledging response.
		e.deadlines = []float64{now, now + sip.TimerB.Seconds()}
	} else {
		offsets := sip.RetransmitOffsets()
		e.deadlines = make([]float64, 0, len(offsets)+1)
		for _, off := range offsets {
			e.deadlines = append(e.deadlines, now+off.Seconds())
		}
		e.deadlines = append(e.deadlines, now+sip.TimerB.Seconds())
	}

	q.entries[e.id] = e
	e.timer = q.disp.loop.AddTimer(0, func() { q.onTimer(e) }, 0)
}

func (q *deliveryQueue) onTimer(e *qentry) {
	if q.entries[e.id] != e {
		// Entry was cancelled after the timer fired
		return
	}

	if e.next >= len(e.deadlines)-1 {
		// Retransmits exhausted
		q.remove(e)
		deliveryTimeouts.Inc()
		if e.cb != nil {
			e.cb(ErrTimeout)
		}
		return
	}

	idx := e.next
	e.next++
	e.timer = q.disp.loop.AddTimer(e.deadlines[e.next], func() { q.onTimer(e) }, 0)

	if idx > 0 {
		retransmitsTotal.Inc()
	}
	e.sent = true
	e.leg.Deliver(e.msg, e.dst, func(err error) { q.onWrite(e, err) })
}

// onWrite handles one write outcome. Runs on the loop.
func (q *deliveryQueue) onWrite(e *qentry, err error) {
	if q.entries[e.id] != e {
		return
	}

	if err == nil {
		if e.leg.reliable() {
			// Write completion is the ack on reliable transports
			q.remove(e)
			if e.cb != nil {
				e.cb(nil)
			}
		}
		return
	}

	if e.leg.reliable() || isFatalWriteError(err) {
		q.remove(e)
		if e.cb != nil {
			e.cb(err)
		}
		return
	}

	// Transient failure on an unreliable transport: report it and keep the
	// retransmission schedule running.
	q.log.Debug().Err(err).Str("id", e.id).Msg("transient delivery write failure")
	if e.cb != nil {
		e.cb(err)
	}
}

func isFatalWriteError(err error) bool {
	return errors.Is(err, syscall.EACCES) ||
		errors.Is(err, ErrLegClosed) ||
		errors.Is(err, ErrHostUnreachable)
}

func (q *deliveryQueue) remove(e *qentry) {
	q.disp.loop.CancelTimer(e.timer)
	delete(q.entries, e.id)
}

// cancelID disarms and removes the entry with the given id. The entry
// callback is not invoked.
func (q *deliveryQueue) cancelID(id string) bool {
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	q.remove(e)
	return true
}

// cancelCallID removes every entry belonging to the call.
func (q *deliveryQueue) cancelCallID(callid string) bool {
	found := false
	for _, e := range q.entries {
		if e.callid == callid {
			q.remove(e)
			found = true
		}
	}
	return found
}

func (q *deliveryQueue) cancelEntry(e *qentry) bool {
	if q.entries[e.id] != e {
		return false
	}
	q.remove(e)
	return true
}

// failLeg terminates every delivery bound to the removed leg.
func (q *deliveryQueue) failLeg(leg *Leg, err error) {
	for _, e := range q.entries {
		if e.leg != leg {
			continue
		}
		q.remove(e)
		if e.cb != nil {
			e.cb(err)
		}
	}
}

// expire sweeps entries whose final deadline has passed and re-arms pending
// initial transmissions. Runs once per second.
func (q *deliveryQueue) expire() {
	now := q.disp.loop.LoopTime()
	for _, e := range q.entries {
		if e.deadlines[len(e.deadlines)-1] <= now {
			q.remove(e)
			deliveryTimeouts.Inc()
			if e.cb != nil {
				e.cb(ErrTimeout)
			}
			continue
		}
		if !e.sent {
			q.disp.loop.CancelTimer(e.timer)
			e.timer = q.disp.loop.AddTimer(0, func() { q.onTimer(e) }, 0)
		}
	}
}
