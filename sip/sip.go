package sip

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"

	// TidSeparator joins transaction id parts
	TidSeparator = "__"

	// DefaultProtocol is used when no transport can be derived from a message.
	DefaultProtocol = "UDP"

	DefaultSipPort  = 5060
	DefaultSipsPort = 5061
)

// DefaultPort returns protocol default port - RFC 3261 19.1.2.
func DefaultPort(transport string) int {
	switch ASCIIToLower(transport) {
	case "tls", "sips", "wss":
		return DefaultSipsPort
	default:
		return DefaultSipPort
	}
}

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
	return sb.String()
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// IsRFC3261Branch checks the branch carries the magic cookie with a non empty suffix.
func IsRFC3261Branch(branch string) bool {
	return branch != "" &&
		strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, RFC3261BranchMagicCookie) != ""
}

// TransactionID builds the key used to match a response to its outstanding
// request - RFC 3261 17.1.3.
// For RFC 3261 branches it is branch + CSeq method. Messages from RFC 2543
// peers carry no magic cookie, there Call-ID + CSeq is used instead.
func TransactionID(msg Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}

	var builder strings.Builder
	via := msg.Via()
	if via != nil {
		if branch, ok := via.Params.Get("branch"); ok && IsRFC3261Branch(branch) {
			builder.Grow(len(branch) + len(TidSeparator) + len(method))
			builder.WriteString(branch)
			builder.WriteString(TidSeparator)
			builder.WriteString(string(method))
			return builder.String(), nil
		}
	}

	return TransactionIDLegacy(msg)
}

// TransactionIDLegacy keys the transaction on Call-ID + CSeq. Used for
// messages without an RFC 3261 branch and to match responses whose branch was
// rewritten by an intermediate hop.
func TransactionIDLegacy(msg Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}

	callid := msg.CallID()
	if callid == nil {
		return "", fmt.Errorf("'Call-ID' header not found in message '%s'", MessageShortString(msg))
	}

	var builder strings.Builder
	builder.WriteString(string(*callid))
	builder.WriteString(TidSeparator)
	builder.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	builder.WriteString(" ")
	builder.WriteString(string(method))
	return builder.String(), nil
}
