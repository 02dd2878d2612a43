package sip

import (
	"io"
	"net"
	"strconv"
	"strings"
)

// Uri is a sip/sips URI - RFC 3261 19.1.1.
type Uri struct {
	// True if and only if the URI is a SIPS URI.
	Encrypted bool
	// True for the special Contact wildcard URI '*'.
	Wildcard bool

	// The user part of the URI: the 'joe' in sip:joe@bloggs.com
	User string

	// The password field of the URI, as in sip:joe:hunter2@bloggs.com.
	// RFC 3261 strongly recommends against its use.
	Password string

	// The host part of the URI. This can be a domain, or a string representation of an IP address.
	Host string

	// The port part of the URI. This is optional, and can be empty.
	Port int

	// Any parameters associated with the URI.
	// These appear as a semicolon-separated list of key=value pairs following the host[:port] part.
	UriParams HeaderParams

	// Any headers to be included on requests constructed from this URI.
	// These appear as a '&'-separated list at the end of the URI, introduced by '?'.
	Headers HeaderParams
}

func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	if uri.Wildcard {
		buffer.WriteString("*")
		return
	}

	// Compulsory protocol identifier.
	if uri.IsEncrypted() {
		buffer.WriteString("sips:")
	} else {
		buffer.WriteString("sip:")
	}

	// Optional userinfo part.
	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	// Compulsory hostname.
	buffer.WriteString(uri.Host)

	// Optional port number.
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if (uri.UriParams != nil) && uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		buffer.WriteString(uri.UriParams.ToString(';'))
	}

	if (uri.Headers != nil) && uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		buffer.WriteString(uri.Headers.ToString('&'))
	}
}

func (uri *Uri) Clone() *Uri {
	c := *uri
	if uri.UriParams != nil {
		c.UriParams = uri.UriParams.clone()
	}
	if uri.Headers != nil {
		c.Headers = uri.Headers.clone()
	}
	return &c
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

// HostIP returns the host parsed as IP or nil when the host is a domain name.
func (uri *Uri) HostIP() net.IP {
	return net.ParseIP(uri.Host)
}

// HostPort returns host:port of URI
func (uri *Uri) HostPort() string {
	if uri.Port > 0 {
		return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	}
	return uri.Host
}
