package sipwire

import "errors"

// Errors surfaced through delivery callbacks. They can be detected with
// errors.Is and translated by upper layers into SIP level responses.
var (
	// ErrHostUnreachable - URI resolution produced no destination any leg can reach.
	ErrHostUnreachable = errors.New("no route to host")

	// ErrTimeout - all retransmits exhausted without the delivery being acked.
	ErrTimeout = errors.New("delivery timed out")

	// ErrNetworkDown - the leg carrying the delivery was removed.
	ErrNetworkDown = errors.New("leg is down")

	// ErrLegClosed - operation on a leg whose socket is already closed.
	ErrLegClosed = errors.New("leg closed")
)
