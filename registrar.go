package sipwire

import (
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipwire/sipwire/sip"
)

// RegistrarStore keeps AOR bindings: contact URI mapped to absolute expiry in
// unix seconds. The default is in memory, implementations may persist
// externally. All calls happen on the loop goroutine.
type RegistrarStore interface {
	// Bindings returns the live binding set of one AOR.
	Bindings(aor string) map[string]float64
	// Update sets the absolute expiry of one contact.
	Update(aor string, contact string, expiry float64)
	// Remove drops one contact of the AOR.
	Remove(aor string, contact string)
	// RemoveAll drops every contact of the AOR.
	RemoveAll(aor string)
	// Each visits every binding.
	Each(fn func(aor string, contact string, expiry float64))
}

type memoryStore struct {
	bindings map[string]map[string]float64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{bindings: make(map[string]map[string]float64)}
}

func (s *memoryStore) Bindings(aor string) map[string]float64 {
	out := make(map[string]float64, len(s.bindings[aor]))
	for contact, expiry := range s.bindings[aor] {
		out[contact] = expiry
	}
	return out
}

func (s *memoryStore) Update(aor string, contact string, expiry float64) {
	m, ok := s.bindings[aor]
	if !ok {
		m = make(map[string]float64)
		s.bindings[aor] = m
	}
	m[contact] = expiry
}

func (s *memoryStore) Remove(aor string, contact string) {
	if m, ok := s.bindings[aor]; ok {
		delete(m, contact)
		if len(m) == 0 {
			delete(s.bindings, aor)
		}
	}
}

func (s *memoryStore) RemoveAll(aor string) {
	delete(s.bindings, aor)
}

func (s *memoryStore) Each(fn func(aor string, contact string, expiry float64)) {
	for aor, m := range s.bindings {
		for contact, expiry := range m {
			fn(aor, contact, expiry)
		}
	}
}

// Registrar is a minimal REGISTER server exercising the dispatcher: it keeps
// contact bindings with expiry bookkeeping and answers on the leg the request
// came in on - RFC 3261 10.3.
type Registrar struct {
	disp  *Dispatcher
	log   zerolog.Logger
	store RegistrarStore

	minExpires uint32
	maxExpires uint32
	domains    []string

	sweepTimer TimerID
	sweepAt    float64 // deadline of the pending sweep, 0 when none
}

type RegistrarOption func(r *Registrar)

// WithRegistrarStore replaces the in memory binding store.
func WithRegistrarStore(store RegistrarStore) RegistrarOption {
	return func(r *Registrar) {
		r.store = store
	}
}

// WithExpiryBounds sets the accepted registration expiry window in seconds.
func WithExpiryBounds(min, max uint32) RegistrarOption {
	return func(r *Registrar) {
		r.minExpires = min
		r.maxExpires = max
	}
}

// WithRegistrarDomains whitelists AOR domains: exact name, ".suffix" or "*".
func WithRegistrarDomains(domains ...string) RegistrarOption {
	return func(r *Registrar) {
		for _, d := range domains {
			r.domains = append(r.domains, strings.ToLower(d))
		}
	}
}

func NewRegistrar(disp *Dispatcher, options ...RegistrarOption) *Registrar {
	r := &Registrar{
		disp:       disp,
		log:        log.Logger.With().Str("caller", "Registrar").Logger(),
		store:      newMemoryStore(),
		maxExpires: 3600,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Receive implements the Receiver contract. Only REGISTER is handled.
func (r *Registrar) Receive(msg sip.Message, leg *Leg, from Addr) (int, bool) {
	req, ok := msg.(*sip.Request)
	if !ok || req.Method != sip.REGISTER {
		return 0, false
	}

	fromHdr := req.From()
	if fromHdr == nil {
		return r.respond(req, leg, from, 400, "Missing From header"), true
	}
	aor := strings.ToLower(fromHdr.Address.User + "@" + fromHdr.Address.Host)

	if !r.domainAllowed(fromHdr.Address.Host) {
		return r.respond(req, leg, from, 404, "Domain not served here"), true
	}

	now := r.disp.loop.LoopTime()

	// Effective expiry defaults: contact expires param, then header level
	// Expires, then our maximum.
	var headerExpires *sip.Expires
	if h, ok := req.GetHeader("Expires").(*sip.Expires); ok {
		headerExpires = h
	}

	// Validate everything before mutating: a 423 must leave the store
	// unchanged.
	type update struct {
		contact  string
		wildcard bool
		expiry   uint32
	}
	var updates []update
	for _, hdr := range req.GetHeaders("Contact") {
		contact, ok := hdr.(*sip.ContactHeader)
		if !ok {
			continue
		}
		for hop := contact; hop != nil; hop = hop.Next {
			expiry := r.maxExpires
			if headerExpires != nil {
				expiry = uint32(*headerExpires)
			}
			if val, ok := hop.Params.Get("expires"); ok {
				if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
					expiry = uint32(parsed)
				}
			}
			if expiry > r.maxExpires {
				expiry = r.maxExpires
			}
			if expiry != 0 && expiry < r.minExpires {
				res := sip.NewResponseFromRequest(req, 423, "Interval Too Brief", nil)
				minEx := sip.MinExpires(r.minExpires)
				res.AppendHeader(&minEx)
				r.deliver(res, leg, from)
				return 423, true
			}
			updates = append(updates, update{
				contact:  hop.Address.String(),
				wildcard: hop.Address.Wildcard,
				expiry:   expiry,
			})
		}
	}

	for _, u := range updates {
		switch {
		case u.wildcard:
			// "Contact: *" with Expires: 0 flushes the whole AOR
			if u.expiry == 0 {
				r.store.RemoveAll(aor)
			}
		case u.expiry == 0:
			r.store.Remove(aor, u.contact)
		default:
			r.store.Update(aor, u.contact, now+float64(u.expiry))
		}
	}

	r.expire()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	for contact, expiry := range r.store.Bindings(aor) {
		var uri sip.Uri
		if err := sip.ParseUri(contact, &uri); err != nil {
			continue
		}
		remaining := int(math.Round(expiry - now))
		if remaining < 0 {
			continue
		}
		res.AppendHeader(&sip.ContactHeader{
			Address: uri,
			Params:  sip.HeaderParams{{K: "expires", V: strconv.Itoa(remaining)}},
		})
	}
	r.deliver(res, leg, from)
	return 200, true
}

func (r *Registrar) domainAllowed(domain string) bool {
	if len(r.domains) == 0 {
		return true
	}
	domain = strings.ToLower(domain)
	for _, pattern := range r.domains {
		switch {
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(domain, pattern) {
				return true
			}
		case pattern == domain:
			return true
		}
	}
	return false
}

func (r *Registrar) respond(req *sip.Request, leg *Leg, from Addr, code int, reason string) int {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	r.deliver(res, leg, from)
	return code
}

// deliver sends the response back over the leg and source address the request
// arrived on. Responses to REGISTER are not retransmitted.
func (r *Registrar) deliver(res *sip.Response, leg *Leg, from Addr) {
	noRetransmits := false
	r.disp.Deliver(res, DeliverOptions{
		Leg:           leg,
		Dst:           from,
		DoRetransmits: &noRetransmits,
	})
}

// expire sweeps expired bindings and schedules the next sweep at the earliest
// remaining expiry. A sweep is only armed when none with an earlier deadline
// is already pending.
func (r *Registrar) expire() {
	now := r.disp.loop.LoopTime()

	type drop struct{ aor, contact string }
	var drops []drop
	earliest := 0.0
	r.store.Each(func(aor string, contact string, expiry float64) {
		if expiry <= now {
			drops = append(drops, drop{aor, contact})
			return
		}
		if earliest == 0 || expiry < earliest {
			earliest = expiry
		}
	})
	for _, d := range drops {
		r.store.Remove(d.aor, d.contact)
	}

	if earliest == 0 {
		return
	}
	if r.sweepAt != 0 && r.sweepAt <= earliest {
		return
	}
	if r.sweepAt != 0 {
		r.disp.loop.CancelTimer(r.sweepTimer)
	}
	r.sweepAt = earliest
	r.sweepTimer = r.disp.loop.AddTimer(earliest, func() {
		r.sweepAt = 0
		r.expire()
	}, 0)
}
