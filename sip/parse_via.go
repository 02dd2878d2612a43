package sip

import (
	"errors"
	"strconv"
	"strings"
)

func headerParserVia(headerName string, headerText string) (header Header, err error) {
	h := ViaHeader{
		Params: NewParams(),
	}
	return &h, parseViaHeader(headerText, &h)
}

// parseViaHeader parses ViaHeader
// Note that although Via headers may contain a comma-separated list, RFC 3261 makes it clear that
// these should not be treated as separate logical Via headers, but as multiple values on a single
// Via header.
func parseViaHeader(headerText string, h *ViaHeader) error {
	state := viaStateProtocol
	str := headerText
	hop := h
	var ind, nextInd int
	var err error
	for state != nil {
		state, nextInd, err = state(hop, str[ind:])
		if err != nil {
			if coma, ok := err.(errComaDetected); ok {
				// Multiple via values in one header. Keep the hops linked.
				ind += int(coma) + 1
				next := &ViaHeader{Params: NewParams()}
				hop.Next = next
				hop = next
				state = viaStateProtocol
				continue
			}
			return err
		}
		ind += nextInd
	}
	return nil
}

type viaFSM func(h *ViaHeader, s string) (viaFSM, int, error)

func viaStateProtocol(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol name in Via header")
	}
	h.ProtocolName = strings.TrimSpace(s[:ind])
	return viaStateProtocolVersion, ind + 1, nil
}

func viaStateProtocolVersion(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol version in Via header")
	}
	h.ProtocolVersion = strings.TrimSpace(s[:ind])
	return viaStateProtocolTransport, ind + 1, nil
}

func viaStateProtocolTransport(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexAny(s, " \t")
	if ind < 0 {
		return nil, 0, errors.New("malformed transport in Via header")
	}
	h.Transport = strings.TrimSpace(s[:ind])
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *ViaHeader, s string) (viaFSM, int, error) {
	var colonInd int
	var endIndex int = len(s)
	var err error
loop:
	for i, c := range s {
		switch c {
		case ';':
			endIndex = i
			break loop
		case ',':
			endIndex = i
			break loop
		case ':':
			colonInd = i
			// Uri has port
		}
	}

	if colonInd > 0 {
		h.Port, err = strconv.Atoi(strings.TrimSpace(s[colonInd+1 : endIndex]))
		if err != nil {
			return nil, 0, errors.New("malformed port in Via header")
		}
		h.Host = strings.TrimSpace(s[:colonInd])
	} else {
		h.Host = strings.TrimSpace(s[:endIndex])
	}

	if endIndex == len(s) {
		return nil, 0, nil
	}

	if s[endIndex] == ',' {
		return nil, 0, errComaDetected(endIndex)
	}

	return viaStateParams, endIndex + 1, nil
}

func viaStateParams(h *ViaHeader, s string) (viaFSM, int, error) {
	var err error
	coma := strings.IndexRune(s, ',')
	if coma > 0 {
		_, err = UnmarshalHeaderParams(s[:coma], ';', 0, h.Params)
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, errComaDetected(coma)
	}

	_, err = UnmarshalHeaderParams(s, ';', 0, h.Params)
	return nil, 0, err
}
