package sip

import (
	"errors"
	"fmt"
	"strings"
)

// ParseAddressValue parses an address - such as from a From, To, or
// Contact header. See RFC 3261 section 20.10 for details on parsing an address.
// Note that this method will not accept a comma-separated list of addresses.
func ParseAddressValue(addressText string, uri *Uri, headerParams HeaderParams) (displayName string, err error) {
	var semicolon, equal, startQuote, endQuote int = -1, -1, -1, -1
	var name string
	var uriStart, uriEnd int = 0, -1
	var inBrackets, inQuotesParamValue bool
	for i, c := range addressText {
		if inQuotesParamValue {
			if c == '"' {
				inQuotesParamValue = false
			}
			continue
		}

		switch c {
		case '"':
			if equal > 0 {
				inQuotesParamValue = true
				continue
			}

			if startQuote < 0 {
				startQuote = i
			} else {
				endQuote = i
			}
		case '<':
			if uriStart > 0 {
				// This must be additional options parsing
				continue
			}

			// display-name   =  *(token LWS)/ quoted-string
			if endQuote > 0 {
				displayName = addressText[startQuote+1 : endQuote]
				startQuote, endQuote = -1, -1
			} else {
				displayName = strings.TrimSpace(addressText[:i])
			}
			uriStart = i + 1
			inBrackets = true
		case '>':
			// uri can be without <> in that case there all after ; are header params
			uriEnd = i
			equal = -1
			semicolon = -1
			inBrackets = false
		case ';':
			if inBrackets {
				semicolon = i
				continue
			}

			if uriEnd < 0 {
				uriEnd = i
				semicolon = i
				continue
			}

			if equal > 0 {
				val := addressText[equal+1 : i]
				headerParams.Add(name, val)
			} else if semicolon > 0 {
				// Case when we have key name but not value. ex ;+siptag;
				name = addressText[semicolon+1 : i]
				headerParams.Add(name, "")
			}
			name = ""
			equal = 0
			semicolon = i

		case '=':
			if !inBrackets {
				name = addressText[semicolon+1 : i]
				equal = i
			}
		case '*':
			if startQuote > 0 || uriStart > 0 {
				continue
			}
			uri.Wildcard = true
			uri.Host = "*"
			return
		}
	}

	if uriEnd < 0 {
		uriEnd = len(addressText)
	}

	if uriStart > uriEnd {
		return "", errors.New("malformed URI")
	}

	err = ParseUri(addressText[uriStart:uriEnd], uri)
	if err != nil {
		return
	}

	if equal > 0 {
		val := addressText[equal+1:]
		headerParams.Add(name, val)
	}

	return
}

// headerParserTo generates ToHeader
func headerParserTo(headerName string, headerText string) (header Header, err error) {
	h := &ToHeader{}
	return h, parseToHeader(headerText, h)
}

func parseToHeader(headerText string, h *ToHeader) error {
	var err error

	h.Params = NewParams()
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return err
	}

	if h.Address.Wildcard {
		// The Wildcard '*' URI is only permitted in Contact headers.
		return fmt.Errorf("wildcard uri not permitted in To header: %s", headerText)
	}
	return nil
}

// headerParserFrom generates FromHeader
func headerParserFrom(headerName string, headerText string) (header Header, err error) {
	h := &FromHeader{}
	return h, parseFromHeader(headerText, h)
}

func parseFromHeader(headerText string, h *FromHeader) error {
	var err error

	h.Params = NewParams()
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return err
	}

	if h.Address.Wildcard {
		return fmt.Errorf("wildcard uri not permitted in From header: %s", headerText)
	}
	return nil
}

// headerParserContact generates ContactHeader
func headerParserContact(headerName string, headerText string) (header Header, err error) {
	h := &ContactHeader{}
	return h, parseContactHeader(headerText, h)
}

func parseContactHeader(headerText string, h *ContactHeader) error {
	// Contact may carry a comma separated list of addresses. Keep them linked.
	hop := h
	text := headerText
	for {
		sect := text
		coma := indexUnquoted(text, ',')
		if coma >= 0 {
			sect = text[:coma]
		}

		hop.Params = NewParams()
		var err error
		hop.DisplayName, err = ParseAddressValue(sect, &hop.Address, hop.Params)
		if err != nil {
			return err
		}

		if coma < 0 {
			return nil
		}
		text = text[coma+1:]
		next := &ContactHeader{}
		hop.Next = next
		hop = next
	}
}

// indexUnquoted finds target outside double quotes and angle brackets.
func indexUnquoted(s string, target byte) int {
	var inQuotes, inAngles bool
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				inAngles = true
			}
		case '>':
			if !inQuotes {
				inAngles = false
			}
		case target:
			if !inQuotes && !inAngles {
				return i
			}
		}
	}
	return -1
}

// headerParserRoute generates RouteHeader
func headerParserRoute(headerName string, headerText string) (header Header, err error) {
	h := &RouteHeader{}
	return h, parseRouteHeader(headerText, h)
}

func parseRouteHeader(headerText string, h *RouteHeader) error {
	hop := h
	text := headerText
	for {
		sect := text
		coma := indexUnquoted(text, ',')
		if coma >= 0 {
			sect = text[:coma]
		}

		params := NewParams()
		if _, err := ParseAddressValue(sect, &hop.Address, params); err != nil {
			return err
		}

		if coma < 0 {
			return nil
		}
		text = text[coma+1:]
		next := &RouteHeader{}
		hop.Next = next
		hop = next
	}
}

// headerParserRecordRoute generates RecordRouteHeader
func headerParserRecordRoute(headerName string, headerText string) (header Header, err error) {
	h := &RecordRouteHeader{}
	return h, parseRecordRouteHeader(headerText, h)
}

func parseRecordRouteHeader(headerText string, h *RecordRouteHeader) error {
	hop := h
	text := headerText
	for {
		sect := text
		coma := indexUnquoted(text, ',')
		if coma >= 0 {
			sect = text[:coma]
		}

		params := NewParams()
		if _, err := ParseAddressValue(sect, &hop.Address, params); err != nil {
			return err
		}

		if coma < 0 {
			return nil
		}
		text = text[coma+1:]
		next := &RecordRouteHeader{}
		hop.Next = next
		hop = next
	}
}
