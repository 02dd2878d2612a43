package sipwire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipwire/sipwire/fakes"
	"github.com/sipwire/sipwire/sip"
)

// mockDNS answers from a static table keyed by "qtype name".
func mockDNS(table map[string][]DNSRecord) DNSResolver {
	return func(qtype string, name string, cb func(records []DNSRecord)) {
		cb(table[qtype+" "+name])
	}
}

func testDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *Leg, *fakes.PacketConn) {
	t.Helper()

	pconn := fakes.NewPacketConn(net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5060})
	leg := NewLegFromPacketConn(pconn)

	opts = append(opts, WithLegs(leg))
	d, err := NewDispatcher(opts...)
	require.NoError(t, err)

	go d.Serve()
	t.Cleanup(d.Close)
	return d, leg, pconn
}

// resolveOn runs one resolution on the loop and waits for the callback.
func resolveOn(t *testing.T, d *Dispatcher, uri sip.Uri, protos []string) ([]DstLeg, error) {
	t.Helper()

	type result struct {
		dsts []DstLeg
		err  error
	}
	ch := make(chan result, 1)
	d.Loop().Schedule(func() {
		d.resolver.resolveURI(uri, protos, nil, func(dsts []DstLeg, err error) {
			ch <- result{dsts, err}
		})
	})

	select {
	case res := <-ch:
		return res.dsts, res.err
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not complete")
		return nil, nil
	}
}

func TestResolveSRVFallback(t *testing.T) {
	dns := mockDNS(map[string][]DNSRecord{
		"SRV _sip._udp.example.org": {
			{Type: DNSTypeSRV, Prio: 10, Weight: 0, Target: "sip.example.org", Port: 5060},
		},
		"A sip.example.org": {
			{Type: DNSTypeA, IP: net.ParseIP("10.0.0.1"), Host: "sip.example.org"},
		},
	})
	d, leg, _ := testDispatcher(t, WithDNSResolver(dns))

	dsts, err := resolveOn(t, d, sip.Uri{User: "alice", Host: "example.org"}, nil)
	require.NoError(t, err)
	require.Len(t, dsts, 1)
	assert.Equal(t, ProtoUDP, dsts[0].Addr.Proto)
	assert.Equal(t, "10.0.0.1", dsts[0].Addr.IP.String())
	assert.Equal(t, 5060, dsts[0].Addr.Port)
	assert.Same(t, leg, dsts[0].Leg)
}

func TestResolveStableOutput(t *testing.T) {
	dns := mockDNS(map[string][]DNSRecord{
		"SRV _sip._udp.example.org": {
			{Type: DNSTypeSRV, Prio: 20, Weight: 0, Target: "backup.example.org", Port: 5062},
			{Type: DNSTypeSRV, Prio: 10, Weight: 5, Target: "main.example.org", Port: 5060},
		},
		"A main.example.org":   {{Type: DNSTypeA, IP: net.ParseIP("10.0.0.1")}},
		"A backup.example.org": {{Type: DNSTypeA, IP: net.ParseIP("10.0.0.2")}},
	})
	d, _, _ := testDispatcher(t, WithDNSResolver(dns))

	uri := sip.Uri{Host: "example.org"}
	first, err := resolveOn(t, d, uri, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	// Priority order: 10 before 20
	assert.Equal(t, "10.0.0.1", first[0].Addr.IP.String())
	assert.Equal(t, 5060, first[0].Addr.Port)
	assert.Equal(t, "10.0.0.2", first[1].Addr.IP.String())
	assert.Equal(t, 5062, first[1].Addr.Port)

	// Given a fixed DNS mock, repeated resolution yields the same ordered list
	second, err := resolveOn(t, d, uri, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveLiteralIP(t *testing.T) {
	d, _, _ := testDispatcher(t)

	dsts, err := resolveOn(t, d, sip.Uri{Host: "192.168.1.10", Port: 5080}, nil)
	require.NoError(t, err)
	require.Len(t, dsts, 1)
	assert.Equal(t, ProtoUDP, dsts[0].Addr.Proto)
	assert.Equal(t, "192.168.1.10", dsts[0].Addr.IP.String())
	assert.Equal(t, 5080, dsts[0].Addr.Port)

	// Default port applies when URI has none
	dsts, err = resolveOn(t, d, sip.Uri{Host: "192.168.1.10"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5060, dsts[0].Addr.Port)
}

func TestResolveDomainProxy(t *testing.T) {
	d, _, _ := testDispatcher(t,
		WithDomainProxies([]DomainProxy{
			{Pattern: "pbx.example.org", Proxy: Addr{Proto: ProtoUDP, Host: "10.1.0.1", Port: 5060}},
			{Pattern: "*.example.org", Proxy: Addr{Proto: ProtoUDP, Host: "10.1.0.2", Port: 5060}},
			{Pattern: "*", Proxy: Addr{Proto: ProtoUDP, Host: "10.1.0.3", Port: 5060}},
		}),
	)

	// Exact beats suffix beats wildcard
	dsts, err := resolveOn(t, d, sip.Uri{Host: "pbx.example.org"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1", dsts[0].Addr.IP.String())

	dsts, err = resolveOn(t, d, sip.Uri{Host: "other.example.org"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.2", dsts[0].Addr.IP.String())

	dsts, err = resolveOn(t, d, sip.Uri{Host: "elsewhere.net"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.3", dsts[0].Addr.IP.String())
}

func TestResolveOutgoingProxy(t *testing.T) {
	d, _, _ := testDispatcher(t, WithOutgoingProxy("udp:10.2.0.1:5060"))

	dsts, err := resolveOn(t, d, sip.Uri{Host: "anything.example.com"}, nil)
	require.NoError(t, err)
	require.Len(t, dsts, 1)
	assert.Equal(t, "10.2.0.1", dsts[0].Addr.IP.String())
}

func TestResolveHostUnreachable(t *testing.T) {
	// Backend with no answers at all
	d, _, _ := testDispatcher(t, WithDNSResolver(mockDNS(nil)))

	dsts, err := resolveOn(t, d, sip.Uri{Host: "unknown.example.org"}, nil)
	assert.ErrorIs(t, err, ErrHostUnreachable)
	assert.Nil(t, dsts)
}

func TestResolveSipsForcesTLS(t *testing.T) {
	dns := mockDNS(map[string][]DNSRecord{
		"SRV _sips._tcp.secure.example.org": {
			{Type: DNSTypeSRV, Prio: 10, Target: "10.0.0.7", Port: 5061},
		},
	})
	// Only a udp leg exists, so the tls candidate has no usable leg
	d, _, _ := testDispatcher(t, WithDNSResolver(dns))

	_, err := resolveOn(t, d, sip.Uri{Host: "secure.example.org", Encrypted: true}, nil)
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestResolveFallbackHostLookup(t *testing.T) {
	// No SRV anywhere, plain A record of the domain is used with default port
	dns := mockDNS(map[string][]DNSRecord{
		"A plain.example.org": {{Type: DNSTypeA, IP: net.ParseIP("10.0.0.42")}},
	})
	d, _, _ := testDispatcher(t, WithDNSResolver(dns))

	dsts, err := resolveOn(t, d, sip.Uri{Host: "plain.example.org"}, nil)
	require.NoError(t, err)
	require.Len(t, dsts, 1)
	assert.Equal(t, "10.0.0.42", dsts[0].Addr.IP.String())
	assert.Equal(t, 5060, dsts[0].Addr.Port)
	assert.Equal(t, ProtoUDP, dsts[0].Addr.Proto)
}

func TestParseAddrSpec(t *testing.T) {
	addr, err := ParseAddrSpec("tls:sip.example.org:5061")
	require.NoError(t, err)
	assert.Equal(t, ProtoTLS, addr.Proto)
	assert.Equal(t, "sip.example.org", addr.Host)
	assert.Equal(t, 5061, addr.Port)

	addr, err = ParseAddrSpec("10.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, ProtoUDP, addr.Proto)
	assert.Equal(t, "10.0.0.1", addr.IP.String())

	addr, err = ParseAddrSpec("sip.example.org")
	require.NoError(t, err)
	assert.Equal(t, 5060, addr.Port)

	_, err = ParseAddrSpec("")
	assert.Error(t, err)
}
