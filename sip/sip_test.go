package sip

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBranch(t *testing.T) {
	branch := GenerateBranch()
	assert.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie))
	assert.True(t, IsRFC3261Branch(branch))
	assert.NotEqual(t, branch, GenerateBranch())
}

func TestTransactionID(t *testing.T) {
	req := NewRequest(INVITE, Uri{User: "bob", Host: "example.org"})
	req.AppendHeader(&ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "1.2.3.4", Port: 5060,
		Params: HeaderParams{{K: "branch", V: "z9hG4bK.first"}},
	})
	callid := CallID("tid-test")
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeq{SeqNo: 1, MethodName: INVITE})

	tid, err := TransactionID(req)
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bK.first__INVITE", tid)

	// Response matching the request must map to same transaction
	res := NewResponseFromRequest(req, 180, "Ringing", nil)
	restid, err := TransactionID(res)
	require.NoError(t, err)
	assert.Equal(t, tid, restid)

	// ACK belongs to the INVITE transaction
	ack := NewRequest(ACK, Uri{User: "bob", Host: "example.org"})
	ack.AppendHeader(req.Via().Clone())
	ack.AppendHeader(&callid)
	ack.AppendHeader(&CSeq{SeqNo: 1, MethodName: ACK})
	acktid, err := TransactionID(ack)
	require.NoError(t, err)
	assert.Equal(t, tid, acktid)
}

func TestTransactionIDRFC2543Fallback(t *testing.T) {
	req := NewRequest(OPTIONS, Uri{Host: "example.org"})
	req.AppendHeader(&ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host:   "1.2.3.4",
		Params: HeaderParams{{K: "branch", V: "old-style-branch"}},
	})
	callid := CallID("rfc2543")
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeq{SeqNo: 7, MethodName: OPTIONS})

	tid, err := TransactionID(req)
	require.NoError(t, err)
	assert.Equal(t, "rfc2543__7 OPTIONS", tid)
}

func TestRetransmitOffsets(t *testing.T) {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	offsets := RetransmitOffsets()
	want := []time.Duration{
		0,
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
		11500 * time.Millisecond,
		15500 * time.Millisecond,
		19500 * time.Millisecond,
		23500 * time.Millisecond,
		27500 * time.Millisecond,
		31500 * time.Millisecond,
	}
	assert.Equal(t, want, offsets)

	// Interval between consecutive transmits never exceeds T2 and the whole
	// schedule fits into the 64*T1 window
	for i := 1; i < len(offsets); i++ {
		assert.LessOrEqual(t, offsets[i]-offsets[i-1], T2)
	}
	assert.Less(t, offsets[len(offsets)-1], TimerB)
}

func TestDefaultPort(t *testing.T) {
	assert.Equal(t, 5060, DefaultPort("udp"))
	assert.Equal(t, 5060, DefaultPort("TCP"))
	assert.Equal(t, 5061, DefaultPort("tls"))
}
