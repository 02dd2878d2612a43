package sipwire

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipwire/sipwire/sip"
)

func testShortTimers(t *testing.T) {
	t.Helper()
	sip.SetTimers(20*time.Millisecond, 80*time.Millisecond, 100*time.Millisecond)
	t.Cleanup(func() {
		sip.SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
	})
}

func testInvite(callid string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "10.0.0.5", Port: 5060})
	from := &sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "10.0.0.9"},
		Params:  sip.HeaderParams{{K: "tag", V: "fromtag"}},
	}
	to := &sip.ToHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.5"}}
	cid := sip.CallID(callid)
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	maxfwd := sip.MaxForwards(70)
	req.AppendHeader(&maxfwd)
	return req
}

// recordingReceiver collects everything the dispatcher forwards.
type recordingReceiver struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (r *recordingReceiver) Receive(msg sip.Message, leg *Leg, from Addr) (int, bool) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return 0, true
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recordingReceiver) get(i int) sip.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[i]
}

func TestDeliverRetransmitsUntilTimeout(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}

	errs := make(chan error, 1)
	d.Loop().Schedule(func() {
		d.Deliver(testInvite("retrans-test"), DeliverOptions{
			Leg: leg,
			Dst: dst,
			Callback: func(err error) {
				errs <- err
			},
		})
	})

	// T1=20ms, T2=80ms: transmits at 0, 20, 60, 140, 220, ... within 64*T1=1.28s
	first := pconn.Expect(t, time.Second)
	assert.Contains(t, string(first.Data), "INVITE sip:bob@10.0.0.5:5060 SIP/2.0")
	assert.Equal(t, dst.String(), first.Addr.String())

	start := time.Now()
	second := pconn.Expect(t, time.Second)
	third := pconn.Expect(t, time.Second)
	assert.Equal(t, string(first.Data), string(second.Data))
	assert.Equal(t, string(first.Data), string(third.Data))
	// Both retransmits arrive promptly, well inside 2s of the first send
	assert.Less(t, time.Since(start), 2*time.Second)

	// Exactly one Via per traversal even across retransmits
	assert.Equal(t, 1, strings.Count(string(third.Data), "\r\nVia:"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not time out")
	}
}

func TestDeliverCanceledByResponse(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	rec := &recordingReceiver{}
	d.SetReceiver(rec)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}
	cbErr := make(chan error, 4)
	d.Loop().Schedule(func() {
		d.Deliver(testInvite("cancel-by-response"), DeliverOptions{
			Leg: leg,
			Dst: dst,
			Callback: func(err error) {
				cbErr <- err
			},
		})
	})

	// Capture the transmitted request to learn our Via branch
	sent := pconn.Expect(t, time.Second)
	req, err := sip.ParseMessage(sent.Data)
	require.NoError(t, err)
	via := req.Via()
	require.NotNil(t, via)
	require.True(t, leg.CheckVia(req))

	// Matching 180 from the peer
	res := sip.NewResponseFromRequest(req.(*sip.Request), 180, "Ringing", nil)
	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5060}
	pconn.Inject(t, []byte(res.String()), raddr)

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	// Delivery acked: no further retransmits, callback never invoked
	pconn.ExpectNone(t, 300*time.Millisecond)
	select {
	case err := <-cbErr:
		t.Fatalf("callback invoked after cancellation: %v", err)
	default:
	}

	// The response reached the receiver exactly once
	assert.Equal(t, 1, rec.count())
	_, isResponse := rec.get(0).(*sip.Response)
	assert.True(t, isResponse)
}

func TestReceiveDropsForeignViaBranch(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	rec := &recordingReceiver{}
	d.SetReceiver(rec)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}
	d.Loop().Schedule(func() {
		d.Deliver(testInvite("foreign-branch"), DeliverOptions{Leg: leg, Dst: dst})
	})

	sent := pconn.Expect(t, time.Second)
	req, err := sip.ParseMessage(sent.Data)
	require.NoError(t, err)

	// Response with a branch no leg owns
	res := sip.NewResponseFromRequest(req.(*sip.Request), 180, "Ringing", nil)
	res.Via().Params.Add("branch", "z9hG4bK-other")
	pconn.Inject(t, []byte(res.String()), &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5060})

	// Receiver never sees it and the qentry keeps retransmitting
	pconn.Expect(t, time.Second)
	assert.Equal(t, 0, rec.count())
}

func TestCancelDelivery(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}
	cbErr := make(chan error, 4)
	cancelled := make(chan bool, 1)

	d.Loop().Schedule(func() {
		d.Deliver(testInvite("cancel-by-id"), DeliverOptions{
			ID:  "my-delivery",
			Leg: leg,
			Dst: dst,
			Callback: func(err error) {
				cbErr <- err
			},
		})
	})

	pconn.Expect(t, time.Second)
	d.Loop().Schedule(func() {
		cancelled <- d.CancelDelivery("my-delivery")
	})
	assert.True(t, <-cancelled)

	// Cancellation: pending timer disarmed, callback not invoked
	pconn.ExpectNone(t, 300*time.Millisecond)
	select {
	case err := <-cbErr:
		t.Fatalf("callback invoked after cancel: %v", err)
	default:
	}

	// Cancelling again reports nothing removed
	d.Loop().Schedule(func() {
		cancelled <- d.CancelDelivery("my-delivery")
	})
	assert.False(t, <-cancelled)
}

func TestCancelDeliveryByCallID(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}
	done := make(chan bool, 1)
	d.Loop().Schedule(func() {
		d.Deliver(testInvite("shared-call"), DeliverOptions{ID: "d1", Leg: leg, Dst: dst})
		d.Deliver(testInvite("shared-call"), DeliverOptions{ID: "d2", Leg: leg, Dst: dst})
	})

	pconn.Expect(t, time.Second)
	pconn.Expect(t, time.Second)

	d.Loop().Schedule(func() {
		done <- d.CancelDeliveryCallID("shared-call")
	})
	assert.True(t, <-done)
	pconn.ExpectNone(t, 300*time.Millisecond)
}

func TestRemoveLegFailsDeliveries(t *testing.T) {
	testShortTimers(t)
	d, leg, pconn := testDispatcher(t)

	dst := Addr{Proto: ProtoUDP, IP: net.ParseIP("10.0.0.5"), Port: 5060}
	errs := make(chan error, 1)
	d.Loop().Schedule(func() {
		d.Deliver(testInvite("leg-down"), DeliverOptions{
			Leg: leg,
			Dst: dst,
			Callback: func(err error) {
				errs <- err
			},
		})
	})

	pconn.Expect(t, time.Second)
	d.Loop().Schedule(func() {
		d.RemoveLeg(leg)
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNetworkDown)
	case <-time.After(time.Second):
		t.Fatal("delivery not failed on leg removal")
	}
}

func TestRequestsForwardedToReceiver(t *testing.T) {
	d, _, pconn := testDispatcher(t)
	rec := &recordingReceiver{}
	d.SetReceiver(rec)

	raw := strings.Join([]string{
		"OPTIONS sip:ping@10.0.0.9 SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK.remote1",
		"From: <sip:peer@10.0.0.5>;tag=x",
		"To: <sip:ping@10.0.0.9>",
		"Call-ID: options-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	pconn.Inject(t, []byte(raw), &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5060})

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	req, ok := rec.get(0).(*sip.Request)
	require.True(t, ok)
	assert.Equal(t, sip.OPTIONS, req.Method)
}

func TestGetLegs(t *testing.T) {
	d, leg, _ := testDispatcher(t)

	got := make(chan []*Leg, 1)
	d.Loop().Schedule(func() {
		got <- d.GetLegs(LegSpec{Proto: ProtoUDP})
	})
	legs := <-got
	require.Len(t, legs, 1)
	assert.Same(t, leg, legs[0])

	d.Loop().Schedule(func() {
		got <- d.GetLegs(LegSpec{Proto: ProtoTCP})
	})
	assert.Len(t, <-got, 0)
}
