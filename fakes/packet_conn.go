// Package fakes provides in memory network doubles for transport tests.
package fakes

import (
	"net"
	"testing"
	"time"
)

// Datagram is one packet moving through a fake socket.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// PacketConn is an in memory net.PacketConn. Incoming datagrams are injected
// through Inject, written datagrams are observed on Outgoing.
type PacketConn struct {
	LAddr net.UDPAddr

	Incoming chan Datagram
	Outgoing chan Datagram

	closed chan struct{}
}

func NewPacketConn(laddr net.UDPAddr) *PacketConn {
	return &PacketConn{
		LAddr:    laddr,
		Incoming: make(chan Datagram, 64),
		Outgoing: make(chan Datagram, 64),
		closed:   make(chan struct{}),
	}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dg := <-c.Incoming:
		n := copy(p, dg.Data)
		return n, dg.Addr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case c.Outgoing <- Datagram{Data: data, Addr: addr}:
		return len(p), nil
	case <-time.After(time.Second):
		return 0, net.ErrClosed
	}
}

func (c *PacketConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr { return &c.LAddr }

func (c *PacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *PacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *PacketConn) SetWriteDeadline(t time.Time) error { return nil }

// Inject queues data as if it arrived from addr.
func (c *PacketConn) Inject(t testing.TB, data []byte, addr net.Addr) {
	t.Helper()
	select {
	case c.Incoming <- Datagram{Data: data, Addr: addr}:
	case <-time.After(time.Second):
		t.Fatal("fake socket inbound queue full")
	}
}

// Expect reads one written datagram or fails the test after timeout.
func (c *PacketConn) Expect(t testing.TB, timeout time.Duration) Datagram {
	t.Helper()
	select {
	case dg := <-c.Outgoing:
		return dg
	case <-time.After(timeout):
		t.Fatal("no datagram written in time")
		return Datagram{}
	}
}

// ExpectNone asserts nothing is written for the duration.
func (c *PacketConn) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case dg := <-c.Outgoing:
		t.Fatalf("unexpected datagram written: %s", dg.Data)
	case <-time.After(d):
	}
}
