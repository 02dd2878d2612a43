package sipwire

import (
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sipwire/sipwire/sip"
)

// DstLeg pairs a destination candidate with the leg able to reach it.
type DstLeg struct {
	Addr Addr
	Leg  *Leg
}

// ResolveCallback receives the ordered candidate list. err is
// ErrHostUnreachable when no candidate has a usable leg.
type ResolveCallback func(dsts []DstLeg, err error)

// DomainProxy maps a SIP domain pattern to a fixed proxy destination.
// Pattern is an exact domain, "*.suffix" or "*".
type DomainProxy struct {
	Pattern string
	Proxy   Addr
}

type domainSuffix struct {
	suffix string // includes leading dot
	proxy  Addr
}

// domainProxyTable routes SIP domains to preconfigured proxies before any DNS
// is consulted. Lookup order: exact match, longest "*.suffix", then "*".
type domainProxyTable struct {
	exact    map[string]Addr
	suffixes []domainSuffix
	wildcard *Addr
}

func newDomainProxyTable(entries []DomainProxy) *domainProxyTable {
	t := &domainProxyTable{
		exact: make(map[string]Addr),
	}
	for _, e := range entries {
		pattern := strings.ToLower(e.Pattern)
		switch {
		case pattern == "*":
			proxy := e.Proxy
			t.wildcard = &proxy
		case strings.HasPrefix(pattern, "*."):
			t.suffixes = append(t.suffixes, domainSuffix{suffix: pattern[1:], proxy: e.Proxy})
		default:
			t.exact[pattern] = e.Proxy
		}
	}
	// Longest suffix preferred
	for i := 1; i < len(t.suffixes); i++ {
		for j := i; j > 0 && len(t.suffixes[j].suffix) > len(t.suffixes[j-1].suffix); j-- {
			t.suffixes[j], t.suffixes[j-1] = t.suffixes[j-1], t.suffixes[j]
		}
	}
	return t
}

func (t *domainProxyTable) lookup(domain string) (Addr, bool) {
	domain = strings.ToLower(domain)
	if proxy, ok := t.exact[domain]; ok {
		return proxy, true
	}
	for _, s := range t.suffixes {
		if strings.HasSuffix(domain, s.suffix) {
			return s.proxy, true
		}
	}
	if t.wildcard != nil {
		return *t.wildcard, true
	}
	return Addr{}, false
}

// resolver implements partial RFC 3263: SIP URI to ordered destination list.
// NAPTR is deliberately not consulted.
type resolver struct {
	disp *Dispatcher
	log  zerolog.Logger
}

// resolveURI resolves uri into destination candidates paired with legs.
// Synchronous steps invoke cb before returning; DNS steps complete later on
// the loop. cb always runs on the loop goroutine.
func (r *resolver) resolveURI(uri sip.Uri, allowedProtos []string, allowedLegs []*Leg, cb ResolveCallback) {
	protos := allowedProtos
	if uri.IsEncrypted() {
		// sips forces TLS regardless of caller preference
		protos = []string{ProtoTLS}
	} else if len(protos) == 0 {
		protos = []string{ProtoUDP, ProtoTCP}
	}

	domain := strings.ToLower(uri.Host)

	// Preconfigured proxy for the domain skips DNS entirely. An explicit
	// domain2proxy entry overrides the global outgoing proxy.
	if r.disp.domainProxies != nil {
		if proxy, ok := r.disp.domainProxies.lookup(domain); ok {
			r.finish([]Addr{proxy}, allowedLegs, cb)
			return
		}
	}

	if r.disp.outgoingProxy != nil {
		r.finish([]Addr{*r.disp.outgoingProxy}, allowedLegs, cb)
		return
	}

	// IP literal needs no DNS
	if ip := net.ParseIP(domain); ip != nil {
		addrs := make([]Addr, 0, len(protos))
		for _, proto := range protos {
			port := uri.Port
			if port == 0 {
				port = sip.DefaultPort(proto)
			}
			addrs = append(addrs, Addr{Proto: proto, Host: domain, IP: ip, Port: port})
		}
		r.finish(addrs, allowedLegs, cb)
		return
	}

	// RFC 3263: an explicit port means SRV is skipped and the domain is
	// resolved directly.
	if uri.Port != 0 {
		j := &dnsJob{r: r, domain: domain, port: uri.Port, protos: protos, allowedLegs: allowedLegs, cb: cb}
		j.lookupHost()
		return
	}

	j := &dnsJob{r: r, domain: domain, protos: protos, allowedLegs: allowedLegs, cb: cb}
	j.nextProto()
}

// finish pairs candidates with legs and delivers the result.
// Candidates no leg can reach are dropped.
func (r *resolver) finish(addrs []Addr, allowedLegs []*Leg, cb ResolveCallback) {
	legs := allowedLegs
	if legs == nil {
		legs = r.disp.legs.all()
	}

	var dsts []DstLeg
	for _, addr := range addrs {
		for _, leg := range legs {
			if leg.CanDeliverTo(addr) {
				dsts = append(dsts, DstLeg{Addr: addr, Leg: leg})
				break
			}
		}
	}

	if len(dsts) == 0 {
		cb(nil, ErrHostUnreachable)
		return
	}
	cb(dsts, nil)
}

// dnsJob walks the SRV/A/AAAA resolution chain for one URI.
type dnsJob struct {
	r           *resolver
	domain      string
	port        int // explicit URI port, 0 means protocol default
	protos      []string
	protoIdx    int
	allowedLegs []*Leg
	cb          ResolveCallback

	out []Addr
}

func srvName(proto, domain string) string {
	// TLS lookups use the sips service over tcp - RFC 3263 4.1.
	if proto == ProtoTLS {
		return "_sips._tcp." + domain
	}
	return "_sip._" + proto + "." + domain
}

// nextProto queries SRV for the next allowed protocol, or falls back to plain
// host resolution when every protocol was tried without answers.
func (j *dnsJob) nextProto() {
	if j.protoIdx >= len(j.protos) {
		if len(j.out) == 0 {
			j.lookupHost()
			return
		}
		j.r.finish(j.out, j.allowedLegs, j.cb)
		return
	}

	proto := j.protos[j.protoIdx]
	j.protoIdx++

	j.query(DNSTypeSRV, srvName(proto, j.domain), func(records []DNSRecord) {
		srvs := records[:0]
		for _, rec := range records {
			if rec.Type == DNSTypeSRV {
				srvs = append(srvs, rec)
			}
		}
		if len(srvs) == 0 {
			j.nextProto()
			return
		}
		sortSRV(srvs)
		j.resolveTargets(proto, srvs, 0)
	})
}

// resolveTargets resolves SRV targets one at a time, keeping priority order.
func (j *dnsJob) resolveTargets(proto string, srvs []DNSRecord, idx int) {
	if idx >= len(srvs) {
		j.nextProto()
		return
	}

	srv := srvs[idx]
	if ip := net.ParseIP(srv.Target); ip != nil {
		j.out = append(j.out, Addr{Proto: proto, Host: srv.Target, IP: ip, Port: srv.Port})
		j.resolveTargets(proto, srvs, idx+1)
		return
	}

	j.query(DNSTypeA, srv.Target, func(records []DNSRecord) {
		found := false
		for _, rec := range records {
			if rec.IP == nil {
				continue
			}
			found = true
			j.out = append(j.out, Addr{Proto: proto, Host: srv.Target, IP: rec.IP, Port: srv.Port})
		}
		if found {
			j.resolveTargets(proto, srvs, idx+1)
			return
		}
		j.query(DNSTypeAAAA, srv.Target, func(records []DNSRecord) {
			for _, rec := range records {
				if rec.IP != nil {
					j.out = append(j.out, Addr{Proto: proto, Host: srv.Target, IP: rec.IP, Port: srv.Port})
				}
			}
			j.resolveTargets(proto, srvs, idx+1)
		})
	})
}

// lookupHost is the last fallback: plain A/AAAA of the SIP domain with the
// explicit or default port for every allowed protocol.
func (j *dnsJob) lookupHost() {
	j.query(DNSTypeA, j.domain, func(records []DNSRecord) {
		ips := collectIPs(records)
		if len(ips) > 0 {
			j.finishHost(ips)
			return
		}
		j.query(DNSTypeAAAA, j.domain, func(records []DNSRecord) {
			ips := collectIPs(records)
			if len(ips) == 0 {
				j.cb(nil, ErrHostUnreachable)
				return
			}
			j.finishHost(ips)
		})
	})
}

func (j *dnsJob) finishHost(ips []net.IP) {
	for _, ip := range ips {
		for _, proto := range j.protos {
			port := j.port
			if port == 0 {
				port = sip.DefaultPort(proto)
			}
			j.out = append(j.out, Addr{Proto: proto, Host: j.domain, IP: ip, Port: port})
		}
	}
	j.r.finish(j.out, j.allowedLegs, j.cb)
}

func collectIPs(records []DNSRecord) []net.IP {
	var ips []net.IP
	for _, rec := range records {
		if rec.IP != nil {
			ips = append(ips, rec.IP)
		}
	}
	return ips
}

// query runs one DNS lookup through the configured backend and reschedules the
// answer onto the loop.
func (j *dnsJob) query(qtype, name string, cb func(records []DNSRecord)) {
	j.r.disp.dnsresolv(qtype, name, func(records []DNSRecord) {
		j.r.disp.loop.Schedule(func() {
			cb(records)
		})
	})
}
