package onion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transport carries link cells to the first hop. SendFrame is called with
// the circuit lock held and must not block; frames from the first hop are
// handed back through Circuit.HandleFrame or CircuitManager.OnFrame.
type Transport interface {
	SendFrame(frame []byte) error
}

// HopDescriptor identifies a relay to key a hop with.
type HopDescriptor struct {
	// OnionKey is the relay's curve25519 ntor onion key (B).
	OnionKey [OnionKeyLen]byte
	// Identity is the SHA-1 digest of the relay's RSA identity key.
	Identity [IdentityLen]byte
	// Ed25519Identity is optional; when set it is sent as a link specifier.
	Ed25519Identity []byte
	// Address and Port locate the relay; Address must be IPv4.
	Address string
	Port    uint16
}

// CircuitState is the extension state of a circuit.
type CircuitState int

const (
	// CircuitStarted is the initial state, before CREATE
	CircuitStarted CircuitState = iota
	// CircuitGuarded indicates CREATE2 or CREATE_FAST sent to the guard
	CircuitGuarded
	// CircuitCreated indicates the first hop is keyed
	CircuitCreated
	// CircuitExtending indicates EXTEND2 sent, waiting for EXTENDED2
	CircuitExtending
	// CircuitReady indicates every requested hop is keyed
	CircuitReady
	// CircuitClosed indicates the circuit was torn down
	CircuitClosed
)

// String returns a human-readable representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitStarted:
		return "STARTED"
	case CircuitGuarded:
		return "GUARDED"
	case CircuitCreated:
		return "CREATED"
	case CircuitExtending:
		return "EXTENDING"
	case CircuitReady:
		return "READY"
	case CircuitClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Callbacks are invoked after the state change that triggered them, outside
// the circuit lock, in the order the changes happened. A callback may call
// back into the circuit; callbacks it triggers run after it returns. Any
// of them may be nil.
type Callbacks struct {
	// OnHopAdded is called when the hop at depth (0 is the guard) is keyed.
	OnHopAdded func(c *Circuit, depth int)
	// OnReady is called each time the circuit enters CircuitReady.
	OnReady func(c *Circuit)
	// OnStreamConnected is called when CONNECTED arrives for a stream.
	OnStreamConnected func(s *Stream)
	// OnStreamData receives stream data. When nil, data is buffered for
	// Stream.Read.
	OnStreamData func(s *Stream, data []byte)
	// OnStreamClosed is called when a stream reaches StreamClosed.
	OnStreamClosed func(s *Stream, reason EndReason)
	// OnClosed is called once on teardown. err is nil for a local Destroy.
	OnClosed func(c *Circuit, err error)
}

// Circuit is the client end of one onion circuit. It owns the hop layers,
// windows and streams, and processes frames one at a time: frames delivered
// while another goroutine (or a re-entrant call) holds the circuit are put in
// an inbox and processed by the holder in arrival order.
type Circuit struct {
	id        uint32
	transport Transport
	cfg       *Config
	metrics   *Metrics
	logger    zerolog.Logger
	cb        Callbacks
	detach    func()

	mu          sync.Mutex
	state       CircuitState
	pipeline    onionPipeline
	handshake   Handshake
	plan        []HopDescriptor
	building    bool
	opened      bool // reached Ready at least once
	sendWindow  *Window
	recvWindow  *Window
	streams     map[uint16]*Stream
	circBlocked []uint16
	nextStream  uint16
	err         error

	inboxMu sync.Mutex
	inbox   [][]byte

	// events are callbacks queued under mu. One goroutine at a time runs
	// them, so they are seen in the order they were queued.
	evMu        sync.Mutex
	events      []func()
	dispatching bool
}

func newCircuit(id uint32, transport Transport, cfg *Config, metrics *Metrics, logger zerolog.Logger, cb Callbacks) *Circuit {
	return &Circuit{
		id:         id,
		transport:  transport,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With().Uint32("circID", id).Logger(),
		cb:         cb,
		state:      CircuitStarted,
		sendWindow: newWindowFrom(cfg.FlowControl.Circuit),
		recvWindow: newWindowFrom(cfg.FlowControl.Circuit),
		streams:    make(map[uint16]*Stream),
		nextStream: 1,
	}
}

// ID returns the circuit id.
func (c *Circuit) ID() uint32 { return c.id }

// State returns the current circuit state.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.unlock()
	return c.state
}

// Depth returns the number of keyed hops.
func (c *Circuit) Depth() int {
	c.mu.Lock()
	defer c.unlock()
	return c.pipeline.len()
}

// Err returns the error the circuit was torn down with, if any.
func (c *Circuit) Err() error {
	c.mu.Lock()
	defer c.unlock()
	return c.err
}

// Build creates the circuit through path using ntor for every hop and
// extends hop by hop until the last one is keyed.
func (c *Circuit) Build(path []HopDescriptor) error {
	return c.build(path, HandshakeNtor)
}

// BuildFast is Build with CREATE_FAST for the first hop.
func (c *Circuit) BuildFast(path []HopDescriptor) error {
	return c.build(path, HandshakeFast)
}

func (c *Circuit) build(path []HopDescriptor, first HandshakeKind) error {
	if len(path) == 0 {
		return ErrNoHops
	}
	c.mu.Lock()
	defer c.unlock()

	if c.state != CircuitStarted {
		return c.stateErrorLocked("build")
	}
	c.plan = append([]HopDescriptor(nil), path[1:]...)
	c.building = true
	if err := c.createLocked(path[0], first); err != nil {
		c.plan = nil
		c.building = false
		return err
	}
	return nil
}

// Create keys the first hop. hop is ignored for HandshakeFast.
func (c *Circuit) Create(hop HopDescriptor, kind HandshakeKind) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != CircuitStarted {
		return c.stateErrorLocked("create")
	}
	return c.createLocked(hop, kind)
}

// Extend adds hop to the end of a circuit in CircuitCreated or CircuitReady.
func (c *Circuit) Extend(hop HopDescriptor) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != CircuitCreated && c.state != CircuitReady {
		return c.stateErrorLocked("extend")
	}
	c.building = true
	if err := c.extendLocked(hop); err != nil {
		c.building = false
		return err
	}
	return nil
}

// Destroy sends DESTROY and tears the circuit down. It is a no-op on a
// closed circuit. Nothing is sent for a circuit that never sent CREATE.
func (c *Circuit) Destroy() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == CircuitClosed {
		return nil
	}
	c.teardownLocked(nil, c.state != CircuitStarted, DestroyReasonFinished)
	return nil
}

// OpenStream sends BEGIN for host:port to the last hop.
func (c *Circuit) OpenStream(host string, port uint16) (*Stream, error) {
	body, err := BuildBegin(host, port)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.unlock()
	return c.openStreamLocked(RelayBegin, body)
}

// OpenDirStream sends BEGIN_DIR to the last hop.
func (c *Circuit) OpenDirStream() (*Stream, error) {
	c.mu.Lock()
	defer c.unlock()
	return c.openStreamLocked(RelayBeginDir, nil)
}

// HandleFrame accepts a frame from the transport. It never blocks; if the
// circuit is busy the frame is processed by the current holder.
func (c *Circuit) HandleFrame(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	c.inboxMu.Lock()
	c.inbox = append(c.inbox, buf)
	c.inboxMu.Unlock()

	if !c.mu.TryLock() {
		return
	}
	c.unlock()
}

// unlock drains the inbox, releases the lock and runs the callbacks queued
// while it was held. Frames that arrive after the drain but before the
// release are picked up by retrying the lock.
func (c *Circuit) unlock() {
	for {
		c.drainInboxLocked()
		c.mu.Unlock()
		c.dispatch()

		c.inboxMu.Lock()
		pending := len(c.inbox) > 0
		c.inboxMu.Unlock()
		if !pending || !c.mu.TryLock() {
			return
		}
	}
}

func (c *Circuit) drainInboxLocked() {
	for {
		c.inboxMu.Lock()
		if len(c.inbox) == 0 {
			c.inboxMu.Unlock()
			return
		}
		frame := c.inbox[0]
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		c.inboxMu.Unlock()

		c.processFrameLocked(frame)
	}
}

// emit queues fn to run once the lock is released.
func (c *Circuit) emit(fn func()) {
	c.evMu.Lock()
	c.events = append(c.events, fn)
	c.evMu.Unlock()
}

// dispatch runs queued callbacks unless another goroutine, or an outer frame
// of this one, is already running them.
func (c *Circuit) dispatch() {
	c.evMu.Lock()
	if c.dispatching {
		c.evMu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.events) > 0 {
		events := c.events
		c.events = nil
		c.evMu.Unlock()
		for _, ev := range events {
			ev()
		}
		c.evMu.Lock()
	}
	c.dispatching = false
	c.evMu.Unlock()
}

func (c *Circuit) processFrameLocked(frame []byte) {
	if c.state == CircuitClosed {
		c.logger.Debug().Int("len", len(frame)).Msg("dropping frame for closed circuit")
		return
	}
	if len(frame) != CellLen {
		c.failLocked(fmt.Errorf("%w: frame is %d bytes, want %d", ErrMalformedCell, len(frame), CellLen))
		return
	}
	cell := (*RelayCell)(frame)
	cmd := cell.Command()
	c.metrics.cellReceived(cmd)

	c.logger.Trace().
		Str("command", cmd.String()).
		Str("state", c.state.String()).
		Msg("received cell")

	switch cmd {
	case CmdCreated2:
		reply, err := decodeCreated2(cell.Payload())
		if err != nil {
			c.failLocked(err)
			return
		}
		c.handleCreatedLocked(HandshakeNtor, reply)
	case CmdCreatedFast:
		c.handleCreatedLocked(HandshakeFast, cell.Payload()[:2*FastKeyLen])
	case CmdRelay:
		c.handleRelayLocked(cell)
	case CmdRelayEarly:
		c.failLocked(fmt.Errorf("%w: RELAY_EARLY received by client", ErrMalformedCell))
	case CmdDestroy:
		reason := DestroyReason(cell.Payload()[0])
		c.teardownLocked(fmt.Errorf("%w: reason %d", ErrCircuitDestroyed, reason), false, DestroyReasonNone)
	case CmdPadding:
	default:
		c.logger.Warn().Str("command", cmd.String()).Msg("dropping unexpected link cell")
		c.metrics.cellDropped(dropUnexpected)
	}
}

func (c *Circuit) handleCreatedLocked(kind HandshakeKind, reply []byte) {
	if c.state != CircuitGuarded || c.handshake == nil || c.handshake.Kind() != kind {
		c.logger.Warn().
			Str("state", c.state.String()).
			Str("kind", kind.String()).
			Msg("dropping unexpected CREATED cell")
		c.metrics.cellDropped(dropUnexpected)
		return
	}
	if !c.completeHopLocked(reply) {
		return
	}
	c.setStateLocked(CircuitCreated)
	c.continuePlanLocked()
}

func (c *Circuit) handleExtended2Locked(msg RelayMessage, origin int) {
	if c.state != CircuitExtending || origin != c.pipeline.len()-1 {
		c.logger.Warn().
			Str("state", c.state.String()).
			Int("hop", origin).
			Msg("dropping unexpected EXTENDED2")
		c.metrics.cellDropped(dropUnexpected)
		return
	}
	reply, err := ParseExtended2(msg.Data)
	if err != nil {
		c.failLocked(err)
		return
	}
	if !c.completeHopLocked(reply) {
		return
	}
	c.continuePlanLocked()
}

// completeHopLocked finishes the pending handshake and appends its layer.
func (c *Circuit) completeHopLocked(reply []byte) bool {
	h := c.handshake
	c.handshake = nil
	km, err := h.Complete(reply)
	if err != nil {
		c.metrics.handshakeFailed(h.Kind())
		c.failLocked(fmt.Errorf("%s handshake with hop %d: %w", h.Kind(), c.pipeline.len(), err))
		return false
	}
	if _, err := c.pipeline.add(km); err != nil {
		c.failLocked(err)
		return false
	}

	depth := c.pipeline.len() - 1
	c.logger.Debug().Int("depth", depth).Str("kind", h.Kind().String()).Msg("hop added")
	if c.cb.OnHopAdded != nil {
		c.emit(func() { c.cb.OnHopAdded(c, depth) })
	}
	return true
}

// continuePlanLocked extends to the next planned hop or, once the plan is
// exhausted, moves the circuit to Ready.
func (c *Circuit) continuePlanLocked() {
	if len(c.plan) > 0 {
		next := c.plan[0]
		c.plan = c.plan[1:]
		if err := c.extendLocked(next); err != nil && c.state != CircuitClosed {
			c.failLocked(err)
		}
		return
	}
	if !c.building {
		return
	}
	c.building = false
	c.setStateLocked(CircuitReady)
	if !c.opened {
		c.opened = true
		c.metrics.circuitOpened()
	}
	if c.cb.OnReady != nil {
		c.emit(func() { c.cb.OnReady(c) })
	}
}

func (c *Circuit) createLocked(hop HopDescriptor, kind HandshakeKind) error {
	var cell *RelayCell
	switch kind {
	case HandshakeFast:
		h, err := NewFastHandshake()
		if err != nil {
			return err
		}
		c.handshake = h
		cell = encodeCreateFast(c.id, h.ClientPayload())
	case HandshakeNtor:
		h, err := NewNtorHandshake(hop.OnionKey, hop.Identity)
		if err != nil {
			return err
		}
		cell, err = encodeCreate2(c.id, HandshakeTypeNtor, h.ClientPayload())
		if err != nil {
			h.Close()
			return err
		}
		c.handshake = h
	default:
		return fmt.Errorf("%w: unknown handshake kind %d", ErrInvalidState, kind)
	}

	c.setStateLocked(CircuitGuarded)
	return c.sendFrameLocked(cell)
}

func (c *Circuit) extendLocked(hop HopDescriptor) error {
	h, err := NewNtorHandshake(hop.OnionKey, hop.Identity)
	if err != nil {
		return err
	}
	body, err := BuildExtend2(h.ClientPayload(), hop.Address, hop.Port, hop.Identity[:], hop.Ed25519Identity)
	if err != nil {
		h.Close()
		return err
	}
	cell, err := PackControl(RelayExtend2, body)
	if err != nil {
		h.Close()
		return err
	}

	c.handshake = h
	c.setStateLocked(CircuitExtending)
	c.logger.Debug().
		Int("depth", c.pipeline.len()).
		Str("address", hop.Address).
		Uint16("port", hop.Port).
		Msg("extending circuit")
	return c.sendRelayLocked(cell, c.pipeline.len()-1)
}

func (c *Circuit) handleRelayLocked(cell *RelayCell) {
	if c.pipeline.len() == 0 {
		c.failLocked(fmt.Errorf("%w: relay cell before first hop", ErrMalformedCell))
		return
	}
	origin, digest, err := c.pipeline.decrypt(cell)
	if err != nil {
		c.failLocked(err)
		return
	}
	msg, err := unpackPayload(cell.Payload())
	if errors.Is(err, ErrUnknownRelayCommand) {
		c.logger.Warn().Uint8("relayCommand", uint8(msg.Command)).Int("hop", origin).Msg("dropping relay cell with unknown command")
		c.metrics.cellDropped(dropUnknownCommand)
		return
	}
	if err != nil {
		c.failLocked(err)
		return
	}

	c.logger.Trace().
		Str("relayCommand", msg.Command.String()).
		Uint16("streamID", msg.StreamID).
		Int("hop", origin).
		Int("len", len(msg.Data)).
		Msg("received relay cell")

	switch msg.Command {
	case RelayData:
		c.handleDataLocked(msg, origin, digest)
	case RelaySendme:
		c.handleSendmeLocked(msg)
	case RelayConnected:
		c.handleConnectedLocked(msg)
	case RelayEnd:
		c.handleEndLocked(msg)
	case RelayExtended2:
		c.handleExtended2Locked(msg, origin)
	case RelayTruncated:
		c.teardownLocked(fmt.Errorf("%w: at hop %d", ErrCircuitTruncated, origin), true, DestroyReasonNone)
	case RelayDrop:
	default:
		c.logger.Warn().
			Str("relayCommand", msg.Command.String()).
			Int("hop", origin).
			Msg("dropping unexpected relay cell")
		c.metrics.cellDropped(dropUnexpected)
	}
}

func (c *Circuit) handleConnectedLocked(msg RelayMessage) {
	s := c.streams[msg.StreamID]
	if s == nil || s.state != StreamPending {
		c.dropStreamCellLocked(msg, s)
		return
	}
	addr, _, err := ParseConnected(msg.Data)
	if err != nil {
		c.logger.Warn().Err(err).Uint16("streamID", s.id).Msg("ignoring malformed CONNECTED address")
	}
	s.remoteAddr = addr
	s.setState(StreamEstablished)
	if c.cb.OnStreamConnected != nil {
		c.emit(func() { c.cb.OnStreamConnected(s) })
	}
	// Writes are refused while pending, so nothing is queued yet.
}

func (c *Circuit) handleEndLocked(msg RelayMessage) {
	s := c.streams[msg.StreamID]
	if s == nil {
		c.dropStreamCellLocked(msg, nil)
		return
	}
	reason := ParseEnd(msg.Data)
	c.logger.Debug().Uint16("streamID", s.id).Str("reason", reason.String()).Msg("stream ended by peer")
	c.closeStreamStateLocked(s, reason)
}

// dropStreamCellLocked logs and counts a cell for a stream that cannot take
// it.
func (c *Circuit) dropStreamCellLocked(msg RelayMessage, s *Stream) {
	reason := dropUnknownStream
	ev := c.logger.Warn().Str("relayCommand", msg.Command.String()).Uint16("streamID", msg.StreamID)
	if s != nil {
		ev = ev.Str("streamState", s.state.String())
		switch s.state {
		case StreamPending:
			reason = dropPendingStream
		case StreamClosed:
			reason = dropClosedStream
		default:
			reason = dropUnexpected
		}
	}
	ev.Msg("dropping stream cell")
	c.metrics.cellDropped(reason)
}

func (c *Circuit) openStreamLocked(cmd RelayCommand, body []byte) (*Stream, error) {
	if c.state != CircuitCreated && c.state != CircuitReady {
		return nil, c.stateErrorLocked("open stream")
	}
	if err := c.cfg.Limits.checkStreamLimit(len(c.streams)); err != nil {
		return nil, err
	}
	id, err := c.allocStreamIDLocked()
	if err != nil {
		return nil, err
	}
	s, err := newStream(c, id, c.pipeline.len()-1, cmd == RelayBeginDir)
	if err != nil {
		return nil, err
	}
	cell, err := Pack(cmd, id, body)
	if err != nil {
		return nil, err
	}
	c.streams[id] = s
	if err := c.sendRelayLocked(cell, s.hop); err != nil {
		return nil, err
	}
	c.logger.Debug().Uint16("streamID", id).Str("relayCommand", cmd.String()).Msg("stream opened")
	return s, nil
}

func (c *Circuit) allocStreamIDLocked() (uint16, error) {
	for i := 0; i < 0xffff; i++ {
		id := c.nextStream
		c.nextStream++
		if c.nextStream == 0 {
			c.nextStream = 1
		}
		if _, used := c.streams[id]; !used && id != 0 {
			return id, nil
		}
	}
	return 0, ErrTooManyStreams
}

// sendRelayLocked encrypts a relay cell for the hop at index target and
// sends it.
func (c *Circuit) sendRelayLocked(cell *RelayCell, target int) error {
	cell.SetCircID(c.id)
	if err := c.pipeline.encryptTo(cell, target); err != nil {
		return err
	}
	return c.sendFrameLocked(cell)
}

// sendFrameLocked hands cell to the transport. A transport error tears the
// circuit down.
func (c *Circuit) sendFrameLocked(cell *RelayCell) error {
	if err := c.transport.SendFrame(cell.Bytes()); err != nil {
		err = fmt.Errorf("failed to send %s cell: %w", cell.Command(), err)
		c.teardownLocked(err, false, DestroyReasonNone)
		return err
	}
	c.metrics.cellSent(cell.Command())
	c.logger.Trace().Str("command", cell.Command().String()).Msg("sent cell")
	return nil
}

func (c *Circuit) stateErrorLocked(op string) error {
	if c.state == CircuitClosed {
		return ErrCircuitClosed
	}
	return fmt.Errorf("%w: cannot %s in state %s", ErrInvalidState, op, c.state)
}

// failLocked tears the circuit down after a fatal error, telling the peer.
func (c *Circuit) failLocked(err error) {
	c.teardownLocked(err, true, DestroyReasonProtocol)
}

// teardownLocked wipes every hop layer and discards windows, queues and
// streams. It runs at most once.
func (c *Circuit) teardownLocked(err error, sendDestroy bool, reason DestroyReason) {
	if c.state == CircuitClosed {
		return
	}
	if sendDestroy {
		cell := encodeDestroy(c.id, reason)
		if sendErr := c.transport.SendFrame(cell.Bytes()); sendErr != nil {
			c.logger.Debug().Err(sendErr).Msg("failed to send DESTROY")
		} else {
			c.metrics.cellSent(CmdDestroy)
		}
	}

	c.setStateLocked(CircuitClosed)
	c.err = err
	if c.handshake != nil {
		c.handshake.Close()
		c.handshake = nil
	}
	c.pipeline.wipe()
	c.plan = nil
	c.building = false
	c.sendWindow = nil
	c.recvWindow = nil
	for _, s := range c.streams {
		s.state = StreamClosed
		s.endReason = EndReasonDestroy
		s.pending = nil
		s.blockedOnCircuit = false
	}
	c.streams = make(map[uint16]*Stream)
	c.circBlocked = nil

	switch {
	case err == nil:
		c.logger.Info().Msg("circuit destroyed")
	case IsFatal(err):
		c.logger.Error().Err(err).Str("kind", KindOf(err).String()).Msg("circuit failed")
	default:
		c.logger.Info().Err(err).Msg("circuit closed")
	}
	c.metrics.circuitClosed(err)

	if c.cb.OnClosed != nil {
		c.emit(func() { c.cb.OnClosed(c, err) })
	}
	if c.detach != nil {
		c.emit(c.detach)
	}
}

func (c *Circuit) setStateLocked(newState CircuitState) {
	oldState := c.state
	c.state = newState

	c.logger.Info().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Int("hops", c.pipeline.len()).
		Msg("state transition")
}
