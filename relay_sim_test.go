package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding"
	"encoding/binary"
	"errors"
	"hash"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// simHop is the relay end of one hop: its long-term ntor keys and, once
// keyed, the mirror image of the client's hop layer.
type simHop struct {
	identity [IdentityLen]byte
	onionKey [OnionKeyLen]byte // B
	secret   [32]byte          // b
	address  string
	port     uint16

	keyed     bool
	fwdCipher cipher.Stream
	bwdCipher cipher.Stream
	fwdDigest hash.Hash
	bwdDigest hash.Hash
	// lastDigest is the full backward digest after the last cell this hop
	// originated.
	lastDigest []byte
}

func newSimHop(t *testing.T, n int) *simHop {
	t.Helper()
	h := &simHop{
		address: "10.0.0." + strconv.Itoa(n+1),
		port:    9001,
	}
	_, err := rand.Read(h.secret[:])
	require.NoError(t, err)
	_, err = rand.Read(h.identity[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(h.secret[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(h.onionKey[:], pub)
	return h
}

func (h *simHop) descriptor() HopDescriptor {
	return HopDescriptor{
		OnionKey: h.onionKey,
		Identity: h.identity,
		Address:  h.address,
		Port:     h.port,
	}
}

// key installs the relay side of km. The relay decrypts forward traffic and
// encrypts backward traffic, so both directions mirror the client.
func (h *simHop) key(t *testing.T, km KeyMaterial) {
	t.Helper()
	fwd, err := aes.NewCipher(km.ForwardKey[:])
	require.NoError(t, err)
	bwd, err := aes.NewCipher(km.BackwardKey[:])
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	h.fwdCipher = cipher.NewCTR(fwd, iv)
	h.bwdCipher = cipher.NewCTR(bwd, iv)
	h.fwdDigest = sha1.New()
	h.fwdDigest.Write(km.ForwardDigest[:])
	h.bwdDigest = sha1.New()
	h.bwdDigest.Write(km.BackwardDigest[:])
	h.keyed = true
}

// ntorServer runs the relay side of ntor for clientPayload (ID | B | X).
func ntorServer(t *testing.T, h *simHop, clientPayload []byte) ([]byte, KeyMaterial) {
	t.Helper()
	require.Len(t, clientPayload, NtorClientPayloadLen)
	id := clientPayload[:IdentityLen]
	b := clientPayload[IdentityLen : IdentityLen+OnionKeyLen]
	x := clientPayload[IdentityLen+OnionKeyLen:]
	require.Equal(t, h.identity[:], id, "handshake addressed to wrong identity")
	require.Equal(t, h.onionKey[:], b, "handshake addressed to wrong onion key")

	var y [32]byte
	_, err := rand.Read(y[:])
	require.NoError(t, err)
	pubY, err := curve25519.X25519(y[:], curve25519.Basepoint)
	require.NoError(t, err)
	expXy, err := curve25519.X25519(y[:], x)
	require.NoError(t, err)
	expXb, err := curve25519.X25519(h.secret[:], x)
	require.NoError(t, err)

	secretInput := ntorSecretInput(expXy, expXb, id, b, x, pubY)
	auth := ntorAuth(secretInput, id, b, x, pubY)
	km, err := ntorDeriveKeys(secretInput)
	require.NoError(t, err)

	reply := append(append([]byte{}, pubY...), auth...)
	return reply, *km
}

// fastServer runs the relay side of CREATE_FAST.
func fastServer(t *testing.T, x []byte) ([]byte, KeyMaterial) {
	t.Helper()
	y := make([]byte, FastKeyLen)
	_, err := rand.Read(y)
	require.NoError(t, err)
	derived := kdfTor(append(append([]byte{}, x...), y...), FastKeyLen+KeyMaterialLen)
	reply := append(y, derived[:FastKeyLen]...)
	return reply, *keyMaterialFrom(derived[FastKeyLen:])
}

// simMsg is a relay cell as seen by the hop that recognized it.
type simMsg struct {
	hop  int
	link LinkCommand
	msg  RelayMessage
}

// relaySim plays the relays of a path for a client circuit. It answers
// CREATE2, CREATE_FAST and EXTEND2, optionally CONNECTED for BEGIN, and
// records what the client sent. Replies are delivered synchronously from
// SendFrame, so they re-enter the client while it holds its lock.
type relaySim struct {
	t    *testing.T
	hops []*simHop

	mu       sync.Mutex
	circID   uint32
	keyed    int
	deliver  func([]byte)
	frames   [][]byte
	msgs     []simMsg
	destroys int
	sendErr  error

	autoConnect  bool
	echo         bool
	corruptAuth  bool
	padReply     bool
	connectedIP4 [4]byte
}

func newRelaySim(t *testing.T, n int) *relaySim {
	t.Helper()
	s := &relaySim{t: t, autoConnect: true, connectedIP4: [4]byte{93, 184, 216, 34}}
	for i := 0; i < n; i++ {
		s.hops = append(s.hops, newSimHop(t, i))
	}
	return s
}

func (s *relaySim) path() []HopDescriptor {
	out := make([]HopDescriptor, len(s.hops))
	for i, h := range s.hops {
		out[i] = h.descriptor()
	}
	return out
}

// SendFrame implements Transport.
func (s *relaySim) SendFrame(frame []byte) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	require.Len(s.t, frame, CellLen)
	cell := new(RelayCell)
	copy(cell[:], frame)
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.circID = cell.CircID()

	var replies [][]byte
	switch cell.Command() {
	case CmdCreate2:
		p := cell.Payload()
		require.Equal(s.t, HandshakeTypeNtor, binary.BigEndian.Uint16(p[0:2]))
		hlen := int(binary.BigEndian.Uint16(p[2:4]))
		reply, km := ntorServer(s.t, s.hops[0], p[4:4+hlen])
		if s.corruptAuth {
			reply[len(reply)-1] ^= 0x01
		}
		if s.padReply {
			reply = append(reply, 0)
		}
		s.hops[0].key(s.t, km)
		s.keyed = 1
		out := newFixedCell(s.circID, CmdCreated2)
		binary.BigEndian.PutUint16(out.Payload()[0:2], uint16(len(reply)))
		copy(out.Payload()[2:], reply)
		replies = append(replies, out.Bytes())
	case CmdCreateFast:
		reply, km := fastServer(s.t, cell.Payload()[:FastKeyLen])
		if s.corruptAuth {
			reply[len(reply)-1] ^= 0x01
		}
		s.hops[0].key(s.t, km)
		s.keyed = 1
		out := newFixedCell(s.circID, CmdCreatedFast)
		copy(out.Payload(), reply)
		replies = append(replies, out.Bytes())
	case CmdRelay, CmdRelayEarly:
		replies = s.handleForwardLocked(cell)
	case CmdDestroy:
		s.destroys++
	default:
		s.t.Errorf("relay sim: unexpected link command %s", cell.Command())
	}
	deliver := s.deliver
	s.mu.Unlock()

	for _, r := range replies {
		if deliver != nil {
			deliver(r)
		}
	}
	return nil
}

func (s *relaySim) handleForwardLocked(cell *RelayCell) [][]byte {
	p := cell.Payload()
	for i := 0; i < s.keyed; i++ {
		h := s.hops[i]
		h.fwdCipher.XORKeyStream(p, p)
		if binary.BigEndian.Uint16(p[relayRecognizedOff:]) != 0 {
			continue
		}
		if !simVerify(h.fwdDigest, cell) {
			continue
		}
		msg, err := unpackPayload(p)
		if err != nil {
			s.t.Errorf("relay sim: hop %d: %v", i, err)
			return nil
		}
		s.msgs = append(s.msgs, simMsg{hop: i, link: cell.Command(), msg: msg})
		return s.respondLocked(i, msg)
	}
	s.t.Errorf("relay sim: forward cell not recognized by any of %d hops", s.keyed)
	return nil
}

// simVerify checks the digest of cell against d, restoring d on mismatch.
func simVerify(d hash.Hash, cell *RelayCell) bool {
	saved, _ := d.(encoding.BinaryMarshaler).MarshalBinary()
	dig := cell.Digest()
	var got [4]byte
	copy(got[:], dig)
	copy(dig, []byte{0, 0, 0, 0})
	d.Write(cell.Payload())
	sum := d.Sum(nil)
	copy(dig, got[:])
	if [4]byte(sum[:4]) == got {
		return true
	}
	_ = d.(encoding.BinaryUnmarshaler).UnmarshalBinary(saved)
	return false
}

func (s *relaySim) respondLocked(hop int, msg RelayMessage) [][]byte {
	switch msg.Command {
	case RelayExtend2:
		next := hop + 1
		if next >= len(s.hops) {
			s.t.Errorf("relay sim: EXTEND2 past end of path")
			return nil
		}
		hdata := parseExtend2ForTest(s.t, msg.Data, s.hops[next])
		reply, km := ntorServer(s.t, s.hops[next], hdata)
		if s.corruptAuth {
			reply[len(reply)-1] ^= 0x01
		}
		if s.padReply {
			reply = append(reply, 0)
		}
		s.hops[next].key(s.t, km)
		s.keyed = next + 1
		body := binary.BigEndian.AppendUint16(nil, uint16(len(reply)))
		body = append(body, reply...)
		return [][]byte{s.originateLocked(hop, byte(RelayExtended2), 0, body)}
	case RelayBegin:
		if !s.autoConnect {
			return nil
		}
		body := append(s.connectedIP4[:], 0, 0, 1, 44)
		return [][]byte{s.originateLocked(hop, byte(RelayConnected), msg.StreamID, body)}
	case RelayBeginDir:
		if !s.autoConnect {
			return nil
		}
		return [][]byte{s.originateLocked(hop, byte(RelayConnected), msg.StreamID, nil)}
	case RelayData:
		if !s.echo {
			return nil
		}
		return [][]byte{s.originateLocked(hop, byte(RelayData), msg.StreamID, msg.Data)}
	}
	return nil
}

// parseExtend2ForTest checks the link specifiers against next and returns
// the handshake data.
func parseExtend2ForTest(t *testing.T, body []byte, next *simHop) []byte {
	t.Helper()
	nspec := int(body[0])
	off := 1
	for i := 0; i < nspec; i++ {
		typ, l := body[off], int(body[off+1])
		spec := body[off+2 : off+2+l]
		if typ == LinkSpecLegacyID {
			require.Equal(t, next.identity[:], spec)
		}
		off += 2 + l
	}
	require.Equal(t, HandshakeTypeNtor, binary.BigEndian.Uint16(body[off:]))
	hlen := int(binary.BigEndian.Uint16(body[off+2:]))
	return body[off+4 : off+4+hlen]
}

// originateLocked builds a backward cell from hop with a raw relay command.
func (s *relaySim) originateLocked(hop int, cmd byte, streamID uint16, data []byte) []byte {
	c := newFixedCell(s.circID, CmdRelay)
	p := c.Payload()
	p[relayCommandOff] = cmd
	binary.BigEndian.PutUint16(p[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(p[relayLengthOff:], uint16(len(data)))
	copy(p[relayDataOff:], data)

	h := s.hops[hop]
	h.bwdDigest.Write(p)
	h.lastDigest = h.bwdDigest.Sum(nil)
	copy(c.Digest(), h.lastDigest[:4])
	for i := hop; i >= 0; i-- {
		s.hops[i].bwdCipher.XORKeyStream(p, p)
	}
	return c.Bytes()
}

// originate builds a backward cell from hop.
func (s *relaySim) originate(hop int, cmd RelayCommand, streamID uint16, data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originateLocked(hop, byte(cmd), streamID, data)
}

// send originates a cell from hop and delivers it to the client.
func (s *relaySim) send(hop int, cmd RelayCommand, streamID uint16, data []byte) {
	frame := s.originate(hop, cmd, streamID, data)
	s.deliverFrame(frame)
}

func (s *relaySim) deliverFrame(frame []byte) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	deliver(frame)
}

// received returns the relay messages with cmd seen so far.
func (s *relaySim) received(cmd RelayCommand) []simMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []simMsg
	for _, m := range s.msgs {
		if m.msg.Command == cmd {
			out = append(out, m)
		}
	}
	return out
}

func (s *relaySim) sendmes(streamID uint16) int {
	n := 0
	for _, m := range s.received(RelaySendme) {
		if m.msg.StreamID == streamID {
			n++
		}
	}
	return n
}

func (s *relaySim) firstCommand() LinkCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LinkCommand(s.frames[0][cellCommandOff])
}

func (s *relaySim) destroyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}

func (s *relaySim) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// recorder collects circuit callbacks.
type recorder struct {
	mu         sync.Mutex
	hops       []int
	ready      int
	connected  []uint16
	data       map[uint16][]byte
	closed     map[uint16]EndReason
	circClosed int
	circErr    error
}

func newRecorder() *recorder {
	return &recorder{data: make(map[uint16][]byte), closed: make(map[uint16]EndReason)}
}

func (r *recorder) callbacks(withData bool) Callbacks {
	cb := Callbacks{
		OnHopAdded: func(_ *Circuit, depth int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.hops = append(r.hops, depth)
		},
		OnReady: func(*Circuit) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ready++
		},
		OnStreamConnected: func(s *Stream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, s.ID())
		},
		OnStreamClosed: func(s *Stream, reason EndReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed[s.ID()] = reason
		},
		OnClosed: func(_ *Circuit, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.circClosed++
			r.circErr = err
		},
	}
	if withData {
		cb.OnStreamData = func(s *Stream, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.data[s.ID()] = append(r.data[s.ID()], data...)
		}
	}
	return cb
}

// testCircuit wires a manager, a relay sim with n hops and a recorder.
type testCircuit struct {
	sim *relaySim
	mgr *CircuitManager
	c   *Circuit
	rec *recorder
}

func newTestCircuit(t *testing.T, n int, cfg *Config, withData bool) *testCircuit {
	t.Helper()
	return newTestCircuitWithMetrics(t, n, cfg, withData, nil)
}

func newTestCircuitWithMetrics(t *testing.T, n int, cfg *Config, withData bool, m *Metrics) *testCircuit {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logging.Disable = true
	sim := newRelaySim(t, n)
	mgr, err := NewCircuitManager(sim, cfg, m)
	require.NoError(t, err)
	sim.deliver = mgr.OnFrame
	rec := newRecorder()
	c, err := mgr.NewCircuit(rec.callbacks(withData))
	require.NoError(t, err)
	return &testCircuit{sim: sim, mgr: mgr, c: c, rec: rec}
}

// buildReady builds through the whole path and checks the circuit is Ready.
func (tc *testCircuit) buildReady(t *testing.T) {
	t.Helper()
	require.NoError(t, tc.c.Build(tc.sim.path()))
	require.Equal(t, CircuitReady, tc.c.State())
}

// openConnected opens a stream that the exit accepts.
func (tc *testCircuit) openConnected(t *testing.T) *Stream {
	t.Helper()
	s, err := tc.c.OpenStream("example.com", 80)
	require.NoError(t, err)
	require.Equal(t, StreamEstablished, s.State())
	return s
}

// windows returns the circuit's receive and send window values.
func windows(c *Circuit) (recv, send int) {
	c.mu.Lock()
	defer c.unlock()
	return c.recvWindow.Value(), c.sendWindow.Value()
}

// newTestMetrics registers metrics on a private registry.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, err)
	return m
}

var errSimTransport = errors.New("sim transport down")
