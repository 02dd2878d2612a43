package sip

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ParserStream frames and parses SIP messages arriving over stream oriented
// transports (tcp, tls). One instance must be used per single stream as it
// buffers partial data between reads - RFC 3261 7.5.
type ParserStream struct {
	headersParsers HeadersParser
	log            zerolog.Logger

	buf bytes.Buffer
}

var (
	ErrStreamTooLarge = errors.New("stream message exceeds size limit")

	// StreamMaxMessageLength bounds buffering of a single framed message.
	StreamMaxMessageLength = 65535
)

// ParseSIPStream appends data and returns every fully framed message.
// ErrParseSipPartial means more data is needed, nothing was consumed.
func (p *ParserStream) ParseSIPStream(data []byte) (msgs []Message, err error) {
	p.buf.Write(data)

	for {
		msg, err := p.parseNext()
		if err == ErrParseSipPartial {
			if p.buf.Len() > StreamMaxMessageLength {
				p.buf.Reset()
				return msgs, ErrStreamTooLarge
			}
			if len(msgs) > 0 {
				return msgs, nil
			}
			return nil, err
		}
		if err != nil {
			// Stream is poisoned, drop buffered data to resync on next read
			p.buf.Reset()
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func (p *ParserStream) parseNext() (Message, error) {
	raw := p.buf.Bytes()

	// Skip keep alive CRLF sequences between messages
	off := 0
	for off < len(raw) && (raw[off] == '\r' || raw[off] == '\n') {
		off++
	}
	raw = raw[off:]

	headersEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headersEnd == -1 {
		return nil, ErrParseSipPartial
	}

	// The Content-Length header field value is used to locate the end of
	// each SIP message in a stream - RFC 3261 7.5.
	contentLength, err := streamContentLength(raw[:headersEnd])
	if err != nil {
		p.buf.Next(off + headersEnd + 4)
		return nil, err
	}

	total := headersEnd + 4 + contentLength
	if len(raw) < total {
		return nil, ErrParseSipPartial
	}

	parser := Parser{log: p.log, headersParsers: p.headersParsers}
	msg, err := parser.ParseSIP(raw[:total])
	p.buf.Next(off + total)
	return msg, err
}

func streamContentLength(headers []byte) (int, error) {
	for _, line := range strings.Split(string(headers), "\r\n") {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := HeaderToLower(strings.TrimSpace(line[:colon]))
		if name != "content-length" && name != "l" {
			continue
		}
		val, err := strconv.Atoi(strings.TrimSpace(line[colon+1:]))
		if err != nil {
			return 0, ErrParseReadBodyIncomplete
		}
		return val, nil
	}
	return 0, ErrParseReadBodyIncomplete
}
