package onion

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/armon/circbuf"
)

// StreamState is the lifecycle of a stream on a circuit.
type StreamState int

const (
	// StreamPending indicates BEGIN sent, waiting for CONNECTED
	StreamPending StreamState = iota
	// StreamEstablished indicates the exit connected and data may flow
	StreamEstablished
	// StreamClosing indicates Close was called while cells were still queued;
	// END follows once they drain
	StreamClosing
	// StreamClosed indicates END sent or received
	StreamClosed
)

// String returns a human-readable representation of the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "PENDING"
	case StreamEstablished:
		return "ESTABLISHED"
	case StreamClosing:
		return "CLOSING"
	case StreamClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stream is one logical connection multiplexed over a circuit. All mutable
// fields are guarded by the owning circuit's lock.
type Stream struct {
	id    uint16
	circ  *Circuit
	hop   int // index of the hop the stream is attached to
	isDir bool

	state      StreamState
	sendWindow *Window
	recvWindow *Window

	// pending holds DATA payloads waiting for window credit, oldest first.
	pending          [][]byte
	blockedOnCircuit bool

	// recvBuf is nil when the circuit delivers data through OnStreamData.
	recvBuf *circbuf.Buffer

	remoteAddr netip.Addr
	endReason  EndReason
}

func newStream(c *Circuit, id uint16, hop int, isDir bool) (*Stream, error) {
	s := &Stream{
		id:         id,
		circ:       c,
		hop:        hop,
		isDir:      isDir,
		state:      StreamPending,
		sendWindow: newWindowFrom(c.cfg.FlowControl.Stream),
		recvWindow: newWindowFrom(c.cfg.FlowControl.Stream),
	}
	if c.cb.OnStreamData == nil {
		buf, err := circbuf.NewBuffer(int64(c.cfg.Limits.StreamBufferSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create receive buffer: %w", err)
		}
		s.recvBuf = buf
	}
	return s, nil
}

// ID returns the circuit-unique stream id.
func (s *Stream) ID() uint16 { return s.id }

// Circuit returns the circuit the stream belongs to.
func (s *Stream) Circuit() *Circuit { return s.circ }

// IsDir reports whether the stream was opened with BEGIN_DIR.
func (s *Stream) IsDir() bool { return s.isDir }

// State returns the current stream state.
func (s *Stream) State() StreamState {
	s.circ.mu.Lock()
	defer s.circ.unlock()
	return s.state
}

// RemoteAddr returns the address reported in CONNECTED, if any.
func (s *Stream) RemoteAddr() netip.Addr {
	s.circ.mu.Lock()
	defer s.circ.unlock()
	return s.remoteAddr
}

// EndReason returns the reason the stream was closed with.
func (s *Stream) EndReason() EndReason {
	s.circ.mu.Lock()
	defer s.circ.unlock()
	return s.endReason
}

// Queued returns the number of DATA cells waiting for window credit.
func (s *Stream) Queued() int {
	s.circ.mu.Lock()
	defer s.circ.unlock()
	return len(s.pending)
}

// Write splits p into DATA cells. Cells are sent at once while both the
// stream and circuit windows have credit and queued otherwise. It never
// blocks.
func (s *Stream) Write(p []byte) (int, error) {
	c := s.circ
	c.mu.Lock()
	n, err := c.writeLocked(s, p)
	c.unlock()
	return n, err
}

// Read copies buffered data into p. It never blocks: with nothing buffered
// it returns 0 and a nil error while the stream is open, and io.EOF once it
// is closed. Data is only buffered when the circuit has no OnStreamData
// callback.
func (s *Stream) Read(p []byte) (int, error) {
	c := s.circ
	c.mu.Lock()
	defer c.unlock()

	if s.recvBuf == nil {
		return 0, fmt.Errorf("%w: stream data is delivered by callback", ErrInvalidState)
	}
	if s.bufferedLocked() == 0 {
		if s.state == StreamClosed {
			return 0, io.EOF
		}
		return 0, nil
	}

	// Consume from the front of the circular buffer
	data := s.recvBuf.Bytes()
	n := copy(p, data)
	remaining := data[n:]
	s.recvBuf.Reset()
	if len(remaining) > 0 {
		s.recvBuf.Write(remaining)
	}
	return n, nil
}

// Buffered returns the number of received bytes waiting to be read.
func (s *Stream) Buffered() int {
	s.circ.mu.Lock()
	defer s.circ.unlock()
	return s.bufferedLocked()
}

func (s *Stream) bufferedLocked() int {
	if s.recvBuf == nil {
		return 0
	}
	return int(min(s.recvBuf.TotalWritten(), s.recvBuf.Size()))
}

// bufferLocked appends received data to the read buffer. It reports false
// when the data does not fit.
func (s *Stream) bufferLocked(data []byte) bool {
	if s.bufferedLocked()+len(data) > int(s.recvBuf.Size()) {
		return false
	}
	s.recvBuf.Write(data)
	return true
}

// Close ends the stream. If cells are still queued the stream moves to
// Closing and END is sent after the last of them.
func (s *Stream) Close() error {
	c := s.circ
	c.mu.Lock()
	err := c.closeStreamLocked(s)
	c.unlock()
	return err
}

func (s *Stream) setState(newState StreamState) {
	oldState := s.state
	s.state = newState

	s.circ.logger.Debug().
		Uint16("streamID", s.id).
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("stream state transition")
}
