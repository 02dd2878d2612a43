package sipwire

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipwire/sipwire/sip"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// legSeq makes branch tags unique across all legs for the process lifetime.
var legSeq uint64

// Leg is one socket bound SIP transport endpoint. It sends and receives
// packets on its socket and owns the branch tag used for loop detection: a
// response whose top Via branch matches the leg branch tag came in through
// this leg.
type Leg struct {
	proto   string
	local   Addr
	contact sip.Uri
	branch  string

	tlsConf  *tls.Config
	fixedDst *Addr

	log    zerolog.Logger
	parser *sip.Parser

	// non owning back reference, set when the leg is added to a dispatcher
	disp *Dispatcher

	pconn net.PacketConn // udp
	ln    net.Listener   // tcp, tls

	mu     sync.Mutex
	conns  map[string]*streamConn
	closed bool
}

type streamConn struct {
	conn   net.Conn
	stream *sip.ParserStream

	wmu sync.Mutex
}

// LegSpec is a conjunctive filter over leg attributes.
type LegSpec struct {
	Proto     string
	IP        net.IP
	Port      int
	Predicate func(*Leg) bool
}

// NewLeg binds a socket for proto on hostport and builds the leg around it.
// For tls a config with certificates is required. Construction fails when the
// socket cannot be created.
func NewLeg(proto string, hostport string, tlsConf *tls.Config) (*Leg, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, fmt.Errorf("malformed leg address %q: %w", hostport, err)
	}

	switch proto {
	case ProtoUDP:
		pconn, err := net.ListenPacket("udp", hostport)
		if err != nil {
			return nil, err
		}
		host, port := localHostPort(pconn.LocalAddr())
		return newLegFromSocket(proto, pconn, nil, host, port, nil), nil

	case ProtoTCP:
		ln, err := net.Listen("tcp", hostport)
		if err != nil {
			return nil, err
		}
		host, port := localHostPort(ln.Addr())
		return newLegFromSocket(proto, nil, ln, host, port, nil), nil

	case ProtoTLS:
		if tlsConf == nil {
			return nil, errors.New("tls leg requires tls config")
		}
		ln, err := tls.Listen("tcp", hostport, tlsConf)
		if err != nil {
			return nil, err
		}
		host, port := localHostPort(ln.Addr())
		return newLegFromSocket(proto, nil, ln, host, port, tlsConf), nil
	}

	return nil, fmt.Errorf("unsupported leg protocol %q", proto)
}

// NewLegFromPacketConn builds a udp leg around an existing socket.
func NewLegFromPacketConn(pconn net.PacketConn) *Leg {
	host, port := localHostPort(pconn.LocalAddr())
	return newLegFromSocket(ProtoUDP, pconn, nil, host, port, nil)
}

// NewLegFromListener builds a tcp or tls leg around an existing listener.
func NewLegFromListener(proto string, ln net.Listener, tlsConf *tls.Config) *Leg {
	host, port := localHostPort(ln.Addr())
	return newLegFromSocket(proto, nil, ln, host, port, tlsConf)
}

func localHostPort(addr net.Addr) (string, int) {
	host, portstr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portstr)
	return host, port
}

func newLegFromSocket(proto string, pconn net.PacketConn, ln net.Listener, host string, port int, tlsConf *tls.Config) *Leg {
	contact := sip.Uri{
		Host:      host,
		Port:      port,
		Encrypted: proto == ProtoTLS,
	}
	if proto != ProtoUDP {
		contact.UriParams = sip.HeaderParams{{K: "transport", V: proto}}
	}

	branch := sip.GenerateBranchN(10) + "x" + strconv.FormatUint(atomic.AddUint64(&legSeq, 1), 36)

	l := &Leg{
		proto:   proto,
		local:   Addr{Proto: proto, Host: host, IP: net.ParseIP(host), Port: port},
		contact: contact,
		branch:  branch,
		tlsConf: tlsConf,
		parser:  sip.NewParser(),
		pconn:   pconn,
		ln:      ln,
		conns:   make(map[string]*streamConn),
	}
	l.log = log.Logger.With().Str("caller", "Leg").Str("leg", l.String()).Logger()
	return l
}

func (l *Leg) String() string {
	return l.proto + ":" + l.local.String()
}

// Local returns the bound address of the leg.
func (l *Leg) Local() Addr { return l.local }

// Contact returns the URI peers should use to reach this leg.
func (l *Leg) Contact() sip.Uri { return *l.contact.Clone() }

// Branch returns the leg branch tag. Every Via written by this leg carries it
// as prefix of the branch parameter.
func (l *Leg) Branch() string { return l.branch }

// SetFixedDst pins every delivery on this leg to dst, ignoring resolution.
func (l *Leg) SetFixedDst(dst Addr) { d := dst; l.fixedDst = &d }

// CheckVia verifies the top Via of a response was written by this leg.
func (l *Leg) CheckVia(msg sip.Message) bool {
	via := msg.Via()
	return via != nil && strings.HasPrefix(via.Branch(), l.branch)
}

// CanDeliverTo reports whether this leg can reach addr. Only protocol
// compatibility is checked: there is no OS routing introspection, address
// reachability is assumed affirmative. The method exists so a future
// implementation can consult routing tables.
func (l *Leg) CanDeliverTo(addr Addr) bool {
	return addr.Proto == "" || addr.Proto == l.proto
}

// Match reports whether the leg satisfies every set field of spec.
func (l *Leg) Match(spec LegSpec) bool {
	if spec.Proto != "" && spec.Proto != l.proto {
		return false
	}
	if spec.IP != nil && !spec.IP.Equal(l.local.IP) {
		return false
	}
	if spec.Port != 0 && spec.Port != l.local.Port {
		return false
	}
	if spec.Predicate != nil && !spec.Predicate(l) {
		return false
	}
	return true
}

// reliable transports ack deliveries on write completion instead of
// retransmitting.
func (l *Leg) reliable() bool {
	return l.proto != ProtoUDP
}

// Deliver serializes msg and writes it towards dst. For requests exactly one
// Via carrying this leg contact and branch tag is added; re-delivery of the
// same message (retransmits) detects its own Via and leaves it alone.
//
// For udp cb is invoked synchronously with the write result. For tcp/tls cb
// runs on the loop once the write completes or fails.
func (l *Leg) Deliver(msg sip.Message, dst Addr, cb func(error)) {
	if l.fixedDst != nil {
		dst = *l.fixedDst
	}

	if req, ok := msg.(*sip.Request); ok {
		l.addVia(req)
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())

	if l.pconn != nil {
		err := l.writeDatagram(data, dst)
		if cb != nil {
			cb(err)
		}
		return
	}

	l.writeStream(data, dst, cb)
}

// addVia prepends the leg Via unless the message already carries it, which
// happens when the delivery queue re-enters Deliver for a retransmit.
func (l *Leg) addVia(req *sip.Request) {
	if via := req.Via(); via != nil && strings.HasPrefix(via.Branch(), l.branch) {
		return
	}

	branch := l.branch + "." + sip.GenerateTagN(7)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       viaTransportOf(l.proto),
		Host:            l.contact.Host,
		Port:            l.contact.Port,
		Params:          sip.HeaderParams{{K: "branch", V: branch}},
	}
	req.PrependHeader(via)
}

func (l *Leg) writeDatagram(data []byte, dst Addr) error {
	if dst.IP == nil {
		return ErrHostUnreachable
	}
	raddr := &net.UDPAddr{IP: dst.IP, Port: dst.Port}
	n, err := l.pconn.WriteTo(data, raddr)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write to %s", raddr)
	}
	return nil
}

// writeStream sends over an existing connection to dst or dials a new one.
// Dial and write happen off loop, the callback is rescheduled.
func (l *Leg) writeStream(data []byte, dst Addr, cb func(error)) {
	done := func(err error) {
		if cb == nil {
			return
		}
		if l.disp != nil {
			l.disp.loop.Schedule(func() { cb(err) })
			return
		}
		cb(err)
	}

	go func() {
		sc, err := l.streamConnTo(dst)
		if err != nil {
			done(err)
			return
		}

		sc.wmu.Lock()
		_, err = sc.conn.Write(data)
		sc.wmu.Unlock()
		if err != nil {
			l.dropConn(sc)
		}
		done(err)
	}()
}

func (l *Leg) streamConnTo(dst Addr) (*streamConn, error) {
	key := dst.String()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLegClosed
	}
	if sc, ok := l.conns[key]; ok {
		l.mu.Unlock()
		return sc, nil
	}
	l.mu.Unlock()

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if l.proto == ProtoTLS {
		conf := l.tlsConf
		if conf == nil {
			conf = &tls.Config{}
		}
		if conf.ServerName == "" && dst.Host != "" && net.ParseIP(dst.Host) == nil {
			conf = conf.Clone()
			// Host is kept next to the numeric addr exactly for SNI
			conf.ServerName = dst.Host
		}
		td := &tls.Dialer{NetDialer: dialer, Config: conf}
		conn, err = td.Dial("tcp", dst.String())
	} else {
		conn, err = dialer.Dial("tcp", dst.String())
	}
	if err != nil {
		return nil, err
	}

	sc := l.trackConn(conn)
	go l.readStream(sc)
	return sc, nil
}

func (l *Leg) trackConn(conn net.Conn) *streamConn {
	sc := &streamConn{
		conn:   conn,
		stream: l.parser.NewSIPStream(),
	}
	l.mu.Lock()
	l.conns[conn.RemoteAddr().String()] = sc
	l.mu.Unlock()
	return sc
}

func (l *Leg) dropConn(sc *streamConn) {
	l.mu.Lock()
	delete(l.conns, sc.conn.RemoteAddr().String())
	l.mu.Unlock()
	sc.conn.Close()
}

// serve starts socket readers feeding the dispatcher. Called by the leg
// registry when the leg is added.
func (l *Leg) serve(disp *Dispatcher) {
	l.disp = disp
	if l.pconn != nil {
		go l.readDatagrams()
		return
	}
	go l.acceptLoop()
}

// stop closes the sockets. In flight reads terminate with net.ErrClosed.
func (l *Leg) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conns := make([]*streamConn, 0, len(l.conns))
	for _, sc := range l.conns {
		conns = append(conns, sc)
	}
	l.conns = make(map[string]*streamConn)
	l.mu.Unlock()

	if l.pconn != nil {
		l.pconn.Close()
	}
	if l.ln != nil {
		l.ln.Close()
	}
	for _, sc := range conns {
		sc.conn.Close()
	}
}

func (l *Leg) readDatagrams() {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := l.pconn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Error().Err(err).Msg("read connection error")
			}
			return
		}

		data := buf[:n]
		if len(bytes.Trim(data, "\r\n\x00")) == 0 {
			// keep alive
			continue
		}

		msg, err := l.parser.ParseSIP(data)
		if err != nil {
			parseErrors.Inc()
			l.log.Info().Err(err).Str("src", raddr.String()).Msg("dropping malformed packet")
			continue
		}

		l.handleParsed(msg, raddr)
	}
}

func (l *Leg) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Error().Err(err).Msg("accept error")
			}
			return
		}
		sc := l.trackConn(conn)
		go l.readStream(sc)
	}
}

func (l *Leg) readStream(sc *streamConn) {
	defer l.dropConn(sc)

	raddr := sc.conn.RemoteAddr()
	buf := make([]byte, 65535)
	for {
		n, err := sc.conn.Read(buf)
		if err != nil {
			return
		}

		msgs, err := sc.stream.ParseSIPStream(buf[:n])
		if err != nil && !errors.Is(err, sip.ErrParseSipPartial) {
			parseErrors.Inc()
			l.log.Info().Err(err).Str("src", raddr.String()).Msg("dropping malformed stream data")
		}
		for _, msg := range msgs {
			l.handleParsed(msg, raddr)
		}
	}
}

// handleParsed annotates the parsed message and hands it to the dispatcher on
// the loop. Inbound packets of one leg reach the receiver in arrival order.
func (l *Leg) handleParsed(msg sip.Message, raddr net.Addr) {
	host, port := localHostPort(raddr)
	from := Addr{Proto: l.proto, Host: host, IP: net.ParseIP(host), Port: port}

	msg.SetTransport(viaTransportOf(l.proto))
	msg.SetSource(from.String())

	disp := l.disp
	if disp == nil {
		l.log.Warn().Msg("leg not attached to dispatcher, dropping packet")
		return
	}
	disp.loop.Schedule(func() {
		disp.receive(msg, l, from)
	})
}

// ForwardIncoming rewrites a packet that traversed this leg inbound.
//
// Responses lose the top Via, which CheckVia has verified to be ours.
// Requests get received/rport annotations when the sender sits behind NAT,
// and their Route set is normalized: strict route rewriting when the request
// is addressed to us, otherwise leading Route entries pointing at this leg
// are removed.
func (l *Leg) ForwardIncoming(msg sip.Message, from Addr) {
	switch m := msg.(type) {
	case *sip.Response:
		l.stripVia(m)

	case *sip.Request:
		via := m.Via()
		if via != nil {
			if from.IP != nil && via.Host != from.IP.String() {
				via.Params.Add("received", from.IP.String())
			}
			// https://datatracker.ietf.org/doc/html/rfc3581#section-4
			if val, ok := via.Params.Get("rport"); ok && val == "" {
				via.Params.Add("rport", strconv.Itoa(from.Port))
			}
		}

		route := m.Route()
		if route == nil {
			return
		}
		if l.uriMatchesLeg(&m.Recipient) {
			// Strict route: the previous hop put us into the request URI.
			// Restore the real target from the last Route entry.
			last, prev := route, (*sip.RouteHeader)(nil)
			for last.Next != nil {
				prev, last = last, last.Next
			}
			m.Recipient = *last.Address.Clone()
			if prev != nil {
				prev.Next = nil
			} else {
				l.removeTopRoute(m)
			}
			return
		}
		for {
			route = m.Route()
			if route == nil || !l.uriMatchesLeg(&route.Address) {
				return
			}
			l.removeTopRoute(m)
		}
	}
}

// ForwardOutgoing prepares a packet forwarded out through this leg: a
// Record-Route entry with this leg contact keeps us in the signaling path for
// in-dialog requests, and a leading Route naming this leg is consumed.
func (l *Leg) ForwardOutgoing(msg sip.Message, incoming *Leg) {
	req, ok := msg.(*sip.Request)
	if !ok {
		return
	}

	if route := req.Route(); route != nil && l.uriMatchesLeg(&route.Address) {
		l.removeTopRoute(req)
	}

	rr := &sip.RecordRouteHeader{Address: l.contact}
	rr.Address.UriParams = sip.HeaderParams{{K: "lr", V: ""}}
	if l.proto != ProtoUDP {
		rr.Address.UriParams = append(rr.Address.UriParams, sip.HeaderKV{K: "transport", V: l.proto})
	}
	req.PrependHeader(rr)
}

// stripVia removes exactly one Via, the one this leg added on the way out.
func (l *Leg) stripVia(res *sip.Response) {
	via := res.Via()
	if via == nil {
		return
	}
	if via.Next != nil {
		res.ReplaceHeader(via.Next)
		return
	}
	res.RemoveHeader("Via")
}

func (l *Leg) removeTopRoute(req *sip.Request) {
	route := req.Route()
	if route == nil {
		return
	}
	if route.Next != nil {
		req.ReplaceHeader(route.Next)
		return
	}
	req.RemoveHeader("Route")
}

// uriMatchesLeg checks the URI names this leg itself.
func (l *Leg) uriMatchesLeg(uri *sip.Uri) bool {
	if uri.Host != l.contact.Host {
		if ip := net.ParseIP(uri.Host); ip == nil || l.local.IP == nil || !ip.Equal(l.local.IP) {
			return false
		}
	}
	port := uri.Port
	if port == 0 {
		port = sip.DefaultPort(l.proto)
	}
	return port == l.contact.Port
}
