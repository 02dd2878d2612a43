package sipwire

// legRegistry holds the set of active legs. It is owned by the dispatcher and
// only touched from the loop goroutine.
type legRegistry struct {
	disp *Dispatcher
	legs []*Leg
}

// add installs the leg socket readers bound to the dispatcher receive path.
func (r *legRegistry) add(leg *Leg) {
	r.legs = append(r.legs, leg)
	leg.serve(r.disp)
}

// remove unbinds the leg. Deliveries in flight on it fail with ErrNetworkDown.
func (r *legRegistry) remove(leg *Leg) bool {
	for i, l := range r.legs {
		if l == leg {
			r.legs = append(r.legs[:i], r.legs[i+1:]...)
			leg.stop()
			r.disp.queue.failLeg(leg, ErrNetworkDown)
			return true
		}
	}
	return false
}

// get returns legs matching spec in insertion order.
func (r *legRegistry) get(spec LegSpec) []*Leg {
	var out []*Leg
	for _, l := range r.legs {
		if l.Match(spec) {
			out = append(out, l)
		}
	}
	return out
}

func (r *legRegistry) all() []*Leg {
	out := make([]*Leg, len(r.legs))
	copy(out, r.legs)
	return out
}
