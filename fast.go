package onion

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// FastKeyLen is the size of X and Y in CREATE_FAST / CREATED_FAST.
const FastKeyLen = 20

// FastHandshake is CREATE_FAST. It has no identity authentication and is
// only used for the first hop, whose link is already authenticated.
type FastHandshake struct {
	x     [FastKeyLen]byte
	state HandshakeState
}

// NewFastHandshake picks fresh key material X.
func NewFastHandshake() (*FastHandshake, error) {
	h := new(FastHandshake)
	if _, err := rand.Read(h.x[:]); err != nil {
		return nil, fmt.Errorf("failed to generate CREATE_FAST key material: %w", err)
	}
	return h, nil
}

// Kind returns HandshakeFast.
func (h *FastHandshake) Kind() HandshakeKind { return HandshakeFast }

// State returns the handshake state.
func (h *FastHandshake) State() HandshakeState { return h.state }

// ClientPayload returns X.
func (h *FastHandshake) ClientPayload() []byte {
	out := make([]byte, FastKeyLen)
	copy(out, h.x[:])
	return out
}

// Complete takes Y | KH from CREATED_FAST and derives the key material from
// KDF-TOR(X | Y). KH is the first 20 derived bytes and must match.
func (h *FastHandshake) Complete(serverPayload []byte) (*KeyMaterial, error) {
	if h.state != HandshakeInitiated {
		return nil, ErrHandshakeConsumed
	}
	if len(serverPayload) < 2*FastKeyLen {
		h.state = HandshakeFailed
		h.Close()
		return nil, fmt.Errorf("%w: CREATED_FAST reply is %d bytes", ErrMalformedCell, len(serverPayload))
	}

	k0 := make([]byte, 0, 2*FastKeyLen)
	k0 = append(k0, h.x[:]...)
	k0 = append(k0, serverPayload[:FastKeyLen]...)
	derived := kdfTor(k0, FastKeyLen+KeyMaterialLen)
	wipeBytes(k0)
	defer wipeBytes(derived)
	h.Close()

	if subtle.ConstantTimeCompare(derived[:FastKeyLen], serverPayload[FastKeyLen:2*FastKeyLen]) != 1 {
		h.state = HandshakeFailed
		return nil, ErrHandshakeAuth
	}
	h.state = HandshakeCompleted
	return keyMaterialFrom(derived[FastKeyLen:]), nil
}

// Close wipes X.
func (h *FastHandshake) Close() {
	wipeBytes(h.x[:])
}
