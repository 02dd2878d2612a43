package sipwire

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sipwire/sipwire/sip"
)

// Supported transport protocols. SCTP and WebSocket are deliberately not here.
const (
	ProtoUDP = "udp"
	ProtoTCP = "tcp"
	ProtoTLS = "tls"
)

// Addr is a fully resolved transport destination.
// Host keeps the original name for TLS SNI and certificate checks, IP is
// authoritative for socket syscalls.
type Addr struct {
	Proto string // udp, tcp or tls
	Host  string
	IP    net.IP
	Port  int
}

func (a Addr) String() string {
	host := a.Host
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address was never filled in.
func (a Addr) IsZero() bool {
	return a.Proto == "" && a.Host == "" && a.IP == nil && a.Port == 0
}

// IsV6 reports address family. False means v4 (or unresolved).
func (a Addr) IsV6() bool {
	return a.IP != nil && a.IP.To4() == nil
}

// Network maps proto to the net package network name.
func (a Addr) Network() string {
	if a.Proto == ProtoTLS {
		return "tcp"
	}
	return a.Proto
}

// ParseAddrSpec parses "proto:host:port" with proto and port optional,
// e.g. "udp:10.0.0.1:5060", "10.0.0.1:5060", "sip.example.com".
func ParseAddrSpec(spec string) (Addr, error) {
	addr := Addr{Proto: ProtoUDP}

	for _, proto := range []string{ProtoUDP, ProtoTCP, ProtoTLS} {
		if strings.HasPrefix(spec, proto+":") {
			addr.Proto = proto
			spec = spec[len(proto)+1:]
			break
		}
	}

	host, portstr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port part
		host = spec
	}

	if host == "" {
		return addr, fmt.Errorf("malformed address spec %q", spec)
	}

	addr.Host = host
	addr.IP = net.ParseIP(host)
	if portstr != "" {
		addr.Port, err = strconv.Atoi(portstr)
		if err != nil {
			return addr, fmt.Errorf("malformed port in address spec %q", spec)
		}
	} else {
		addr.Port = sip.DefaultPort(addr.Proto)
	}

	return addr, nil
}

// resolveLiteral fills IP of an address whose host is an IP literal.
func resolveLiteral(addr *Addr) bool {
	if addr.IP != nil {
		return true
	}
	addr.IP = net.ParseIP(addr.Host)
	return addr.IP != nil
}

// transportOf normalizes a Via transport token to our proto names.
func transportOf(viaTransport string) string {
	switch strings.ToUpper(viaTransport) {
	case "TCP":
		return ProtoTCP
	case "TLS":
		return ProtoTLS
	default:
		return ProtoUDP
	}
}

// viaTransportOf maps proto to the token written into Via headers.
func viaTransportOf(proto string) string {
	return strings.ToUpper(proto)
}
