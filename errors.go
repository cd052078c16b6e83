package onion

import "errors"

// Malformed input. Fatal to the cell and, once a circuit has keyed hops,
// to the circuit: the cipher state can no longer be trusted to be in step.
var (
	ErrMalformedCell       = errors.New("malformed cell")
	ErrUnrecognizedCell    = errors.New("relay cell not recognized at any hop")
	ErrUnknownRelayCommand = errors.New("unknown relay command")
	ErrPayloadTooLarge     = errors.New("relay data too large")
	ErrInvalidAddress      = errors.New("invalid address")
)

// Authentication failures. Never retried with the same material.
var (
	ErrHandshakeAuth  = errors.New("handshake authentication failed")
	ErrDegenerateKey  = errors.New("degenerate diffie-hellman output")
	ErrDigestMismatch = errors.New("relay digest mismatch")
)

// Flow-control violations. Recoverable: the cell is dropped and logged.
var (
	ErrFlowControl    = errors.New("flow-control violation")
	ErrStreamClosed   = errors.New("stream closed")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrTooManyStreams = errors.New("too many streams on circuit")
)

// Protocol signals: normal state transitions reported through errors.
var (
	ErrCircuitDestroyed = errors.New("circuit destroyed by peer")
	ErrCircuitTruncated = errors.New("circuit truncated by peer")
)

// Caller misuse and lifecycle errors.
var (
	ErrCircuitClosed     = errors.New("circuit closed")
	ErrInvalidState      = errors.New("invalid circuit state")
	ErrHandshakeConsumed = errors.New("handshake already consumed")
	ErrNoHops            = errors.New("circuit has no hops")
)

// ErrorKind is the error taxonomy used to decide how a failure affects a
// circuit.
type ErrorKind int

const (
	// KindOther covers caller misuse and transport errors.
	KindOther ErrorKind = iota
	// KindMalformed means wrong frame length, nonzero recognized field or
	// out-of-range data length.
	KindMalformed
	// KindAuthentication means an NTOR tag mismatch, digest mismatch or
	// degenerate DH output.
	KindAuthentication
	// KindFlowControl means a send on a closed stream or a window overflow.
	KindFlowControl
	// KindProtocolSignal means END, TRUNCATED or DESTROY.
	KindProtocolSignal
)

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindAuthentication:
		return "authentication"
	case KindFlowControl:
		return "flow-control"
	case KindProtocolSignal:
		return "protocol-signal"
	default:
		return "other"
	}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrMalformedCell), errors.Is(err, ErrUnrecognizedCell),
		errors.Is(err, ErrUnknownRelayCommand), errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrInvalidAddress):
		return KindMalformed
	case errors.Is(err, ErrHandshakeAuth), errors.Is(err, ErrDegenerateKey),
		errors.Is(err, ErrDigestMismatch):
		return KindAuthentication
	case errors.Is(err, ErrFlowControl), errors.Is(err, ErrStreamClosed),
		errors.Is(err, ErrSendQueueFull),
		errors.Is(err, ErrTooManyStreams):
		return KindFlowControl
	case errors.Is(err, ErrCircuitDestroyed), errors.Is(err, ErrCircuitTruncated):
		return KindProtocolSignal
	default:
		return KindOther
	}
}

// IsFatal reports whether err must tear down the circuit it occurred on.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindMalformed || k == KindAuthentication
}
