package onion

import "fmt"

// LimitsConfig bounds per-circuit resource use.
// Limit values of 0 or less mean unlimited.
type LimitsConfig struct {
	// MaxStreamsPerCircuit is the number of streams that may be open on one
	// circuit at a time. Stream ids are 16 bits, so at most 65535 in any case.
	MaxStreamsPerCircuit int

	// MaxQueuedCellsPerStream caps the pending-send queue of a stream. Writes
	// that would exceed it are rejected; cells already queued are never
	// dropped.
	MaxQueuedCellsPerStream int

	// StreamBufferSize is the receive buffer of a stream, in bytes, used when
	// no OnStreamData callback is installed.
	StreamBufferSize int
}

// DefaultLimitsConfig returns the default configuration.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxStreamsPerCircuit:    0,          // Unlimited
		MaxQueuedCellsPerStream: 0,          // Unlimited
		StreamBufferSize:        256 * 1024, // 256 KiB
	}
}

// checkStreamLimit reports whether one more stream may be opened on a
// circuit that currently has active streams.
func (l LimitsConfig) checkStreamLimit(active int) error {
	max := l.MaxStreamsPerCircuit
	if max <= 0 || max > 0xffff {
		max = 0xffff
	}
	if active >= max {
		return fmt.Errorf("%w: limit %d reached", ErrTooManyStreams, max)
	}
	return nil
}

// checkQueueLimit reports whether n more cells may be queued on a stream
// that already has queued cells pending.
func (l LimitsConfig) checkQueueLimit(queued, n int) error {
	if l.MaxQueuedCellsPerStream <= 0 {
		return nil
	}
	if queued+n > l.MaxQueuedCellsPerStream {
		return fmt.Errorf("%w: %d queued, %d more exceeds limit %d", ErrSendQueueFull, queued, n, l.MaxQueuedCellsPerStream)
	}
	return nil
}

func (l LimitsConfig) validate() error {
	if l.StreamBufferSize <= 0 {
		return fmt.Errorf("limits: StreamBufferSize must be positive, got %d", l.StreamBufferSize)
	}
	return nil
}
