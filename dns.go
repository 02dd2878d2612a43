package sipwire

import (
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DNS record types used by the resolver.
const (
	DNSTypeSRV  = "SRV"
	DNSTypeA    = "A"
	DNSTypeAAAA = "AAAA"
)

// DNSRecord is one answer returned by a DNS backend.
// For SRV records Prio, Target and Port are set; for A/AAAA records IP and
// Host are set.
type DNSRecord struct {
	Type   string
	Prio   int
	Weight int
	Target string
	Port   int
	IP     net.IP
	Host   string
}

// DNSResolver is the pluggable DNS backend contract. Implementations must
// invoke cb exactly once, with nil or empty records on failure. cb may be
// called from any goroutine; the resolver reschedules onto the loop.
type DNSResolver func(qtype string, name string, cb func(records []DNSRecord))

// defaultDNSServers reads the system resolver once per process.
var defaultDNSServers = func() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}()

// newDefaultDNSResolver queries the system configured servers over plain UDP.
func newDefaultDNSResolver(logger zerolog.Logger) DNSResolver {
	client := &dns.Client{Timeout: 5 * time.Second}
	servers := defaultDNSServers

	return func(qtype string, name string, cb func(records []DNSRecord)) {
		go func() {
			var qt uint16
			switch qtype {
			case DNSTypeSRV:
				qt = dns.TypeSRV
			case DNSTypeAAAA:
				qt = dns.TypeAAAA
			default:
				qt = dns.TypeA
			}

			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(name), qt)
			msg.RecursionDesired = true

			var in *dns.Msg
			var err error
			for _, server := range servers {
				in, _, err = client.Exchange(msg, server)
				if err == nil {
					break
				}
			}
			if err != nil || in == nil {
				logger.Debug().Err(err).Str("name", name).Str("qtype", qtype).Msg("DNS query failed")
				cb(nil)
				return
			}

			var records []DNSRecord
			for _, answer := range in.Answer {
				switch rr := answer.(type) {
				case *dns.SRV:
					records = append(records, DNSRecord{
						Type:   DNSTypeSRV,
						Prio:   int(rr.Priority),
						Weight: int(rr.Weight),
						Target: unFqdn(rr.Target),
						Port:   int(rr.Port),
					})
				case *dns.A:
					records = append(records, DNSRecord{
						Type: DNSTypeA,
						IP:   rr.A,
						Host: unFqdn(rr.Hdr.Name),
					})
				case *dns.AAAA:
					records = append(records, DNSRecord{
						Type: DNSTypeAAAA,
						IP:   rr.AAAA,
						Host: unFqdn(rr.Hdr.Name),
					})
				}
			}
			cb(records)
		}()
	}
}

func unFqdn(name string) string {
	if dns.IsFqdn(name) {
		return name[:len(name)-1]
	}
	return name
}

// sortSRV orders records by priority ascending, then weight descending.
// Weights within a priority class are reflected in order but proper random
// weighted selection per RFC 2782 is not attempted.
func sortSRV(records []DNSRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Prio != records[j].Prio {
			return records[i].Prio < records[j].Prio
		}
		return records[i].Weight > records[j].Weight
	})
}
