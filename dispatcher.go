package sipwire

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipwire/sipwire/sip"
)

// Receiver is the upper layer consuming demultiplexed inbound packets:
// an endpoint, a registrar or a stateless proxy. The returned code with
// handled=true indicates the packet was consumed; handled=false means it was
// ignored.
type Receiver interface {
	Receive(msg sip.Message, leg *Leg, from Addr) (code int, handled bool)
}

// ReceiverFunc adapts a plain function to the Receiver interface.
type ReceiverFunc func(msg sip.Message, leg *Leg, from Addr) (int, bool)

func (f ReceiverFunc) Receive(msg sip.Message, leg *Leg, from Addr) (int, bool) {
	return f(msg, leg, from)
}

// DeliverOptions tune one Deliver call. Zero values fall back to packet
// derived defaults and dispatcher configuration.
type DeliverOptions struct {
	// ID overrides the delivery queue key, default is the packet tid.
	ID string
	// CallID overrides the call scoped cancellation key.
	CallID string
	// Callback observes delivery outcome. Never invoked after cancellation.
	Callback DeliveryCallback
	// Leg pins the outgoing leg. With Dst set as well resolution is skipped.
	Leg *Leg
	// Dst pins the destination address.
	Dst Addr
	// DoRetransmits overrides the dispatcher wide default.
	DoRetransmits *bool
}

// Dispatcher routes SIP messages between transport legs and the receiver.
// It owns the legs and the delivery queue.
//
// The dispatcher is confined to its event loop: every method except Loop and
// AddTimer must run on the loop goroutine. Code outside loop callbacks hands
// work in through Loop().Schedule.
type Dispatcher struct {
	loop    *Loop
	ownLoop bool
	log     zerolog.Logger

	legs     *legRegistry
	queue    *deliveryQueue
	resolver *resolver
	receiver Receiver

	outgoingProxy *Addr
	domainProxies *domainProxyTable
	doRetransmits bool
	dnsresolv     DNSResolver
}

// DispatcherOption configures a dispatcher. Malformed values fail
// construction.
type DispatcherOption func(d *Dispatcher) error

// WithLoop reuses an externally owned event loop.
func WithLoop(loop *Loop) DispatcherOption {
	return func(d *Dispatcher) error {
		d.loop = loop
		d.ownLoop = false
		return nil
	}
}

// WithLogger replaces the default global logger.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) error {
		d.log = logger
		return nil
	}
}

// WithOutgoingProxy sets the destination used for every URI whose domain has
// no domain2proxy entry; IP literal and DNS resolution are then skipped.
// Format "proto:host:port" with proto and port optional.
func WithOutgoingProxy(spec string) DispatcherOption {
	return func(d *Dispatcher) error {
		addr, err := ParseAddrSpec(spec)
		if err != nil {
			return fmt.Errorf("outgoing proxy: %w", err)
		}
		if !resolveLiteral(&addr) {
			return fmt.Errorf("outgoing proxy %q must be an IP literal", spec)
		}
		d.outgoingProxy = &addr
		return nil
	}
}

// WithDomainProxies installs the domain pattern table consulted before DNS.
func WithDomainProxies(entries []DomainProxy) DispatcherOption {
	return func(d *Dispatcher) error {
		for i := range entries {
			if !resolveLiteral(&entries[i].Proxy) {
				return fmt.Errorf("domain proxy for %q must be an IP literal", entries[i].Pattern)
			}
		}
		d.domainProxies = newDomainProxyTable(entries)
		return nil
	}
}

// WithRetransmits sets the default retransmission behaviour for deliveries.
// Stateless proxies set false.
func WithRetransmits(enabled bool) DispatcherOption {
	return func(d *Dispatcher) error {
		d.doRetransmits = enabled
		return nil
	}
}

// WithDNSResolver replaces the built-in DNS backend.
func WithDNSResolver(fn DNSResolver) DispatcherOption {
	return func(d *Dispatcher) error {
		d.dnsresolv = fn
		return nil
	}
}

// WithLegs adds already constructed legs.
func WithLegs(legs ...*Leg) DispatcherOption {
	return func(d *Dispatcher) error {
		for _, leg := range legs {
			d.legs.add(leg)
		}
		return nil
	}
}

// WithListenAddr constructs a leg from "proto:host:port" and adds it.
func WithListenAddr(spec string) DispatcherOption {
	return func(d *Dispatcher) error {
		addr, err := ParseAddrSpec(spec)
		if err != nil {
			return fmt.Errorf("listen addr: %w", err)
		}
		leg, err := NewLeg(addr.Proto, addr.String(), nil)
		if err != nil {
			return fmt.Errorf("listen addr %q: %w", spec, err)
		}
		d.legs.add(leg)
		return nil
	}
}

// NewDispatcher builds a dispatcher. When no loop is supplied one is created
// and owned by the dispatcher.
func NewDispatcher(options ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		loop:          NewLoop(),
		ownLoop:       true,
		log:           log.Logger.With().Str("caller", "Dispatcher").Logger(),
		doRetransmits: true,
	}
	d.legs = &legRegistry{disp: d}

	for _, opt := range options {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.dnsresolv == nil {
		d.dnsresolv = newDefaultDNSResolver(d.log)
	}
	d.queue = newDeliveryQueue(d, d.log)
	d.resolver = &resolver{disp: d, log: d.log}

	return d, nil
}

// Loop exposes the event loop for scheduling work onto the dispatcher
// goroutine.
func (d *Dispatcher) Loop() *Loop { return d.loop }

// Serve runs the event loop on the calling goroutine until Close.
func (d *Dispatcher) Serve() {
	d.loop.Run()
}

// Close stops all legs and, when owned, the loop.
func (d *Dispatcher) Close() {
	for _, leg := range d.legs.all() {
		leg.stop()
	}
	if d.ownLoop {
		d.loop.Stop()
	}
}

// SetReceiver installs the object invoked for every successfully
// demultiplexed inbound packet.
func (d *Dispatcher) SetReceiver(r Receiver) {
	d.receiver = r
}

// AddLeg installs the leg sockets with the event loop, bound to the
// dispatcher receive path.
func (d *Dispatcher) AddLeg(leg *Leg) {
	d.legs.add(leg)
}

// RemoveLeg unbinds the leg and fails its in flight deliveries with
// ErrNetworkDown.
func (d *Dispatcher) RemoveLeg(leg *Leg) bool {
	return d.legs.remove(leg)
}

// GetLegs returns active legs matching spec.
func (d *Dispatcher) GetLegs(spec LegSpec) []*Leg {
	return d.legs.get(spec)
}

// AddTimer is a passthrough to the event loop.
func (d *Dispatcher) AddTimer(when float64, fn func(), repeat time.Duration) TimerID {
	return d.loop.AddTimer(when, fn, repeat)
}

// CancelTimer is a passthrough to the event loop.
func (d *Dispatcher) CancelTimer(id TimerID) {
	d.loop.CancelTimer(id)
}

// Deliver queues msg for transmission. It never blocks: when resolution
// requires DNS the call returns immediately and completes via opts.Callback.
func (d *Dispatcher) Deliver(msg sip.Message, opts DeliverOptions) {
	id := opts.ID
	if id == "" {
		tid, err := sip.TransactionID(msg)
		if err != nil {
			d.deliverFailed(opts, fmt.Errorf("cannot derive delivery id: %w", err))
			return
		}
		id = tid
	}

	callid := opts.CallID
	if callid == "" {
		if h := msg.CallID(); h != nil {
			callid = string(*h)
		}
	}

	doRetransmits := d.doRetransmits
	if opts.DoRetransmits != nil {
		doRetransmits = *opts.DoRetransmits
	}

	var cseqMethod sip.RequestMethod
	if cseq := msg.CSeq(); cseq != nil {
		cseqMethod = cseq.MethodName
	}

	entry := &qentry{
		id:            id,
		callid:        callid,
		msg:           msg,
		cb:            opts.Callback,
		doRetransmits: doRetransmits,
		cseqMethod:    cseqMethod,
	}

	if opts.Leg != nil && !opts.Dst.IsZero() {
		entry.leg = opts.Leg
		entry.dst = opts.Dst
		d.queue.add(entry)
		return
	}

	uri, protos, err := deliveryTarget(msg)
	if err != nil {
		d.deliverFailed(opts, err)
		return
	}

	var allowedLegs []*Leg
	if opts.Leg != nil {
		allowedLegs = []*Leg{opts.Leg}
	}

	d.resolver.resolveURI(uri, protos, allowedLegs, func(dsts []DstLeg, err error) {
		if err != nil {
			d.deliverFailed(opts, err)
			return
		}
		entry.dst = dsts[0].Addr
		entry.leg = dsts[0].Leg
		d.queue.add(entry)
	})
}

func (d *Dispatcher) deliverFailed(opts DeliverOptions, err error) {
	d.log.Debug().Err(err).Msg("delivery failed before queueing")
	if opts.Callback != nil {
		opts.Callback(err)
	}
}

// deliveryTarget derives the URI to resolve: for requests the top Route, or
// the request URI when there is no Route; the top Via for responses.
func deliveryTarget(msg sip.Message) (sip.Uri, []string, error) {
	switch m := msg.(type) {
	case *sip.Request:
		uri := *m.Recipient.Clone()
		if hdr := m.Route(); hdr != nil {
			uri = *hdr.Address.Clone()
		}
		var protos []string
		if uri.UriParams != nil {
			if tp, ok := uri.UriParams.Get("transport"); ok && tp != "" {
				protos = []string{transportOf(tp)}
			}
		}
		return uri, protos, nil

	case *sip.Response:
		via := m.Via()
		if via == nil {
			return sip.Uri{}, nil, fmt.Errorf("response without Via header")
		}
		proto := transportOf(via.Transport)
		host := via.Host
		port := via.Port
		if via.Params != nil {
			if received, ok := via.Params.Get("received"); ok && received != "" {
				host = received
			}
			if rport, ok := via.Params.Get("rport"); ok && rport != "" {
				if p, err := parsePort(rport); err == nil {
					port = p
				}
			}
		}
		if port == 0 {
			port = sip.DefaultPort(proto)
		}
		return sip.Uri{Host: host, Port: port}, []string{proto}, nil
	}

	return sip.Uri{}, nil, fmt.Errorf("unknown message kind")
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// CancelDelivery removes the queue entry with the given id without invoking
// its callback. Returns true when an entry was removed.
func (d *Dispatcher) CancelDelivery(id string) bool {
	return d.queue.cancelID(id)
}

// CancelDeliveryCallID removes every entry belonging to the Call-ID.
func (d *Dispatcher) CancelDeliveryCallID(callid string) bool {
	return d.queue.cancelCallID(callid)
}

// receive demultiplexes one inbound packet. Runs on the loop, invoked by leg
// readers.
//
// Responses must pass the receiving leg's Via check: a top Via branch that
// does not carry that leg's branch tag is not for us and is dropped. A matching
// response acks its delivery queue entry before reaching the receiver.
// Requests go to the receiver directly, response generation is its business.
func (d *Dispatcher) receive(msg sip.Message, leg *Leg, from Addr) {
	if res, ok := msg.(*sip.Response); ok {
		if !leg.CheckVia(res) {
			droppedResponses.Inc()
			branch := ""
			if via := res.Via(); via != nil {
				branch = via.Branch()
			}
			d.log.Debug().Str("branch", branch).Msg("dropping response with foreign Via branch")
			return
		}

		// Ack the pending delivery. The entry may be keyed by branch or, when
		// the request had no Via at queueing time, by Call-ID + CSeq.
		if tid, err := sip.TransactionID(res); err == nil {
			if !d.queue.cancelID(tid) {
				if legacy, lerr := sip.TransactionIDLegacy(res); lerr == nil {
					d.queue.cancelID(legacy)
				}
			}
		}
	}

	if d.receiver == nil {
		d.log.Warn().Str("msg", sip.MessageShortString(msg)).Msg("no receiver installed, dropping packet")
		return
	}

	if _, handled := d.receiver.Receive(msg, leg, from); !handled {
		d.log.Debug().Str("msg", sip.MessageShortString(msg)).Msg("receiver ignored packet")
	}
}
