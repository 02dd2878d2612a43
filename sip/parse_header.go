package sip

import (
	"errors"
	"strconv"
	"strings"
)

// Here we have collection of headers parsing.
// Some of headers parsing are moved to different files for better maintance

// A HeaderParser is any function that turns raw header data into one or more Header objects.
type HeaderParser func(headerName string, headerData string) (Header, error)

type HeadersParser map[string]HeaderParser

type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// This needs to be kept minimalistic in order to avoid overhead of parsing.
// Headers compact form is mapped alongside - RFC 3261 7.3.3.
var headersParsers = HeadersParser{
	"c":              headerParserContentType,
	"content-type":   headerParserContentType,
	"f":              headerParserFrom,
	"from":           headerParserFrom,
	"to":             headerParserTo,
	"t":              headerParserTo,
	"contact":        headerParserContact,
	"m":              headerParserContact,
	"i":              headerParserCallId,
	"call-id":        headerParserCallId,
	"cseq":           headerParserCSeq,
	"via":            headerParserVia,
	"v":              headerParserVia,
	"expires":        headerParserExpires,
	"min-expires":    headerParserMinExpires,
	"max-forwards":   headerParserMaxForwards,
	"content-length": headerParserContentLength,
	"l":              headerParserContentLength,
	"route":          headerParserRoute,
	"record-route":   headerParserRecordRoute,
}

// DefaultHeadersParser returns minimal version header parser.
// It can be extended or overwritten.
func DefaultHeadersParser() map[string]HeaderParser {
	return headersParsers
}

func (parsers HeadersParser) parseMsgHeader(msg Message, headerLine string) (err error) {
	colonIdx := strings.Index(headerLine, ":")
	if colonIdx == -1 {
		return errors.New("field name with no value in header: " + headerLine)
	}

	fieldName := strings.TrimSpace(headerLine[:colonIdx])
	lowerFieldName := HeaderToLower(fieldName)
	fieldText := strings.TrimSpace(headerLine[colonIdx+1:])

	headerParser, ok := parsers[lowerFieldName]
	if !ok {
		// We have no registered parser for this header type,
		// so we encapsulate the header data in a GenericHeader struct.
		header := NewHeader(fieldName, fieldText)
		msg.AppendHeader(header)
		return nil
	}

	// We have a registered parser for this header type - use it.
	header, err := headerParser(lowerFieldName, fieldText)
	if err != nil {
		return err
	}
	msg.AppendHeader(header)
	return nil
}

func headerParserCallId(headerName string, headerText string) (header Header, err error) {
	headerText = strings.TrimSpace(headerText)

	if len(headerText) == 0 {
		return nil, errors.New("empty Call-ID body")
	}

	var callId = CallID(headerText)
	return &callId, nil
}

func headerParserCSeq(headerName string, headerText string) (header Header, err error) {
	var cseq CSeq
	ind := strings.IndexAny(headerText, abnf)
	if ind < 1 || len(headerText)-ind < 2 {
		return nil, errors.New("CSeq field should have precisely one whitespace section")
	}

	var seqno uint64
	seqno, err = strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return nil, err
	}

	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = RequestMethod(headerText[ind+1:])
	return &cseq, nil
}

func headerParserContentLength(headerName string, headerText string) (header Header, err error) {
	var contentLength ContentLength
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	contentLength = ContentLength(value)
	return &contentLength, err
}

func headerParserContentType(headerName string, headerText string) (headers Header, err error) {
	headerText = strings.TrimSpace(headerText)
	var contentType = ContentType(headerText)
	return &contentType, nil
}

func headerParserExpires(headerName string, headerText string) (header Header, err error) {
	var expires Expires
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	expires = Expires(value)
	return &expires, err
}

func headerParserMinExpires(headerName string, headerText string) (header Header, err error) {
	var minExpires MinExpires
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	minExpires = MinExpires(value)
	return &minExpires, err
}

func headerParserMaxForwards(headerName string, headerText string) (header Header, err error) {
	var maxfwd MaxForwards
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	maxfwd = MaxForwards(value)
	return &maxfwd, err
}
