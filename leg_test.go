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

func testLeg(t *testing.T) (*Leg, *fakes.PacketConn) {
	t.Helper()
	pconn := fakes.NewPacketConn(net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5060})
	leg := NewLegFromPacketConn(pconn)
	t.Cleanup(leg.stop)
	return leg, pconn
}

func TestLegBranchUnique(t *testing.T) {
	a, _ := testLeg(t)
	b, _ := testLeg(t)
	assert.NotEqual(t, a.Branch(), b.Branch())
	assert.Contains(t, a.Branch(), sip.RFC3261BranchMagicCookie)
}

func TestLegAddStripVia(t *testing.T) {
	leg, _ := testLeg(t)

	req := testInvite("via-roundtrip")

	leg.addVia(req)
	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "10.0.0.9", via.Host)
	assert.Equal(t, 5060, via.Port)
	assert.True(t, leg.CheckVia(req))

	// Re-delivery must not add a second Via
	leg.addVia(req)
	assert.Nil(t, req.Via().Next)
	assert.Len(t, req.GetHeaders("Via"), 1)

	// Build the response traversing back and strip our hop
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.True(t, leg.CheckVia(res))
	leg.ForwardIncoming(res, Addr{})
	assert.Nil(t, res.Via())
}

func TestLegViaRoundTripIdentity(t *testing.T) {
	leg, _ := testLeg(t)

	req := testInvite("identity")
	before := req.String()
	leg.addVia(req)
	require.NotNil(t, req.Via())

	// Stripping the hop we added restores the original serialized form
	req.RemoveHeader("Via")
	assert.Equal(t, before, req.String())
}

func TestLegForwardIncomingReceived(t *testing.T) {
	leg, _ := testLeg(t)

	req := testInvite("nat-check")
	req.PrependHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "192.168.0.3", Port: 5060,
		Params: sip.HeaderParams{{K: "branch", V: "z9hG4bK.natted"}, {K: "rport", V: ""}},
	})

	// Observed source differs from the Via sent-by host
	leg.ForwardIncoming(req, Addr{Proto: ProtoUDP, IP: net.ParseIP("203.0.113.7"), Port: 9999})

	via := req.Via()
	assert.Equal(t, "203.0.113.7", via.Params.GetOr("received", ""))
	assert.Equal(t, "9999", via.Params.GetOr("rport", ""))
}

func TestLegForwardIncomingLooseRoute(t *testing.T) {
	leg, _ := testLeg(t)

	req := testInvite("loose-route")
	// Leading Route points at this leg and must be consumed
	req.PrependHeader(&sip.RouteHeader{
		Address: sip.Uri{Host: "10.0.0.9", Port: 5060, UriParams: sip.HeaderParams{{K: "lr", V: ""}}},
		Next: &sip.RouteHeader{
			Address: sip.Uri{Host: "10.0.0.77", Port: 5060},
		},
	})

	leg.ForwardIncoming(req, Addr{})

	route := req.Route()
	require.NotNil(t, route)
	assert.Equal(t, "10.0.0.77", route.Address.Host)
	assert.Nil(t, route.Next)
}

func TestLegForwardIncomingStrictRoute(t *testing.T) {
	leg, _ := testLeg(t)

	// Strict router put our address into the request URI
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "10.0.0.9", Port: 5060})
	cid := sip.CallID("strict")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.RouteHeader{
		Address: sip.Uri{Host: "10.0.0.50", Port: 5062},
	})

	leg.ForwardIncoming(req, Addr{})

	// The real target is restored from the last Route entry
	assert.Equal(t, "10.0.0.50", req.Recipient.Host)
	assert.Equal(t, 5062, req.Recipient.Port)
	assert.Nil(t, req.Route())
}

func TestLegForwardOutgoing(t *testing.T) {
	leg, _ := testLeg(t)

	req := testInvite("record-route")
	leg.ForwardOutgoing(req, nil)

	rr := req.RecordRoute()
	require.NotNil(t, rr)
	assert.Equal(t, "10.0.0.9", rr.Address.Host)
	assert.Equal(t, 5060, rr.Address.Port)
	assert.True(t, rr.Address.UriParams.Has("lr"))
}

func TestLegCanDeliverTo(t *testing.T) {
	leg, _ := testLeg(t)

	assert.True(t, leg.CanDeliverTo(Addr{Proto: ProtoUDP, Port: 5060}))
	assert.True(t, leg.CanDeliverTo(Addr{})) // unspecified proto is acceptable
	assert.False(t, leg.CanDeliverTo(Addr{Proto: ProtoTCP, Port: 5060}))
	assert.False(t, leg.CanDeliverTo(Addr{Proto: ProtoTLS, Port: 5061}))
}

func TestLegMatch(t *testing.T) {
	leg, _ := testLeg(t)

	assert.True(t, leg.Match(LegSpec{}))
	assert.True(t, leg.Match(LegSpec{Proto: ProtoUDP}))
	assert.True(t, leg.Match(LegSpec{IP: net.ParseIP("10.0.0.9"), Port: 5060}))
	assert.False(t, leg.Match(LegSpec{Proto: ProtoTCP}))
	assert.False(t, leg.Match(LegSpec{Port: 5070}))
	assert.True(t, leg.Match(LegSpec{Predicate: func(l *Leg) bool { return l.Local().Port == 5060 }}))
	assert.False(t, leg.Match(LegSpec{Predicate: func(l *Leg) bool { return false }}))
}

func TestLegDeliverWritesDatagram(t *testing.T) {
	leg, pconn := testLeg(t)

	req := testInvite("deliver-write")
	var cbErr error
	called := false
	leg.Deliver(req, Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}, func(err error) {
		called = true
		cbErr = err
	})

	// udp callback is synchronous
	assert.True(t, called)
	assert.NoError(t, cbErr)

	dg := pconn.Expect(t, time.Second)
	msg, err := sip.ParseMessage(dg.Data)
	require.NoError(t, err)
	assert.True(t, leg.CheckVia(msg))
}

func TestLegFixedDst(t *testing.T) {
	leg, pconn := testLeg(t)
	leg.SetFixedDst(Addr{Proto: ProtoUDP, IP: net.ParseIP("10.9.9.9"), Port: 5999})

	leg.Deliver(testInvite("fixed-dst"), Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}, nil)

	dg := pconn.Expect(t, time.Second)
	assert.Equal(t, "10.9.9.9:5999", dg.Addr.String())
}
