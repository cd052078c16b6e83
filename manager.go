package onion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// circIDAttempts bounds the search for an unused circuit id.
const circIDAttempts = 16

// CircuitManager demultiplexes frames from one link to the circuits on it.
//
// Architecture:
//   - The transport delivers every frame to OnFrame
//   - Frames are routed to circuits by the 4-byte circuit id
//   - Circuit ids are allocated at random with the most significant bit set,
//     as required of the initiating side of a link
//   - Circuits unregister themselves on teardown
type CircuitManager struct {
	transport Transport
	cfg       *Config
	metrics   *Metrics
	logger    zerolog.Logger

	circuits sync.Map // map[uint32]*Circuit

	mu     sync.Mutex
	closed bool
}

// NewCircuitManager creates a manager sending through transport. A nil cfg
// uses DefaultConfig; metrics may be nil.
func NewCircuitManager(transport Transport, cfg *Config, metrics *Metrics) (*CircuitManager, error) {
	if transport == nil {
		return nil, fmt.Errorf("circuit manager requires a transport")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &CircuitManager{
		transport: transport,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// NewInstrumentedCircuitManager creates a manager whose collectors are
// registered on reg under cfg.Metrics.Namespace.
func NewInstrumentedCircuitManager(transport Transport, cfg *Config, reg prometheus.Registerer) (*CircuitManager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(reg, cfg.Metrics.Namespace)
	if err != nil {
		return nil, err
	}
	return NewCircuitManager(transport, cfg, metrics)
}

// NewCircuit registers a circuit under a fresh id. The circuit starts in
// CircuitStarted; call Build, BuildFast or Create on it.
func (m *CircuitManager) NewCircuit(cb Callbacks) (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("circuit manager closed: %w", ErrCircuitClosed)
	}

	for i := 0; i < circIDAttempts; i++ {
		id, err := randomCircID()
		if err != nil {
			return nil, err
		}
		c := newCircuit(id, m.transport, m.cfg, m.metrics, m.logger, cb)
		c.detach = func() { m.unregister(id, c) }
		if _, loaded := m.circuits.LoadOrStore(id, c); loaded {
			continue
		}
		m.metrics.circuitRegistered(1)
		m.logger.Debug().Uint32("circID", id).Msg("circuit registered")
		return c, nil
	}
	return nil, fmt.Errorf("failed to allocate circuit id after %d attempts", circIDAttempts)
}

func randomCircID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate circuit id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]) | 0x80000000, nil
}

func (m *CircuitManager) unregister(id uint32, c *Circuit) {
	if m.circuits.CompareAndDelete(id, c) {
		m.metrics.circuitRegistered(-1)
		m.logger.Debug().Uint32("circID", id).Msg("circuit unregistered")
	}
}

// OnFrame routes a frame from the transport to its circuit.
func (m *CircuitManager) OnFrame(frame []byte) {
	if len(frame) < CircIDLen+1 {
		m.logger.Debug().Int("len", len(frame)).Msg("dropping short frame")
		return
	}
	id := binary.BigEndian.Uint32(frame[:CircIDLen])
	v, ok := m.circuits.Load(id)
	if !ok {
		m.logger.Debug().
			Uint32("circID", id).
			Str("command", LinkCommand(frame[cellCommandOff]).String()).
			Msg("frame for unknown circuit")
		return
	}
	v.(*Circuit).HandleFrame(frame)
}

// Circuit returns the registered circuit with id.
func (m *CircuitManager) Circuit(id uint32) (*Circuit, bool) {
	v, ok := m.circuits.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Circuit), true
}

// Len returns the number of registered circuits.
func (m *CircuitManager) Len() int {
	n := 0
	m.circuits.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close destroys every circuit. Further NewCircuit calls fail.
func (m *CircuitManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info().Int("circuits", m.Len()).Msg("closing circuit manager")

	m.circuits.Range(func(_, value any) bool {
		if c, ok := value.(*Circuit); ok {
			c.Destroy()
		}
		return true
	})
	return nil
}
