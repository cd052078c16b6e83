package onion

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Identity and key sizes.
const (
	IdentityLen        = 20
	Ed25519IdentityLen = 32
	OnionKeyLen        = 32

	// NtorClientPayloadLen is ID | B | X.
	NtorClientPayloadLen = IdentityLen + 2*OnionKeyLen
	// NtorServerPayloadLen is Y | AUTH.
	NtorServerPayloadLen = OnionKeyLen + 32
)

// ntor-curve25519-sha256-1 protocol strings.
const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTVerify = ntorProtoID + ":verify"
	ntorMExpand = ntorProtoID + ":key_expand"
)

// HandshakeKind identifies the key agreement used for a hop.
type HandshakeKind int

const (
	// HandshakeNtor is the authenticated curve25519 handshake.
	HandshakeNtor HandshakeKind = iota
	// HandshakeFast is CREATE_FAST, first hop only.
	HandshakeFast
)

func (k HandshakeKind) String() string {
	switch k {
	case HandshakeNtor:
		return "ntor"
	case HandshakeFast:
		return "fast"
	default:
		return "unknown"
	}
}

// HandshakeState is the lifecycle of a single handshake.
type HandshakeState int

const (
	HandshakeInitiated HandshakeState = iota
	HandshakeCompleted
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInitiated:
		return "initiated"
	case HandshakeCompleted:
		return "completed"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handshake is the client side of a one-shot key agreement with a hop.
type Handshake interface {
	Kind() HandshakeKind
	// ClientPayload returns the bytes to send in CREATE2, CREATE_FAST or
	// EXTEND2.
	ClientPayload() []byte
	// Complete consumes the server reply and returns the hop's key material.
	// It may be called only once.
	Complete(serverPayload []byte) (*KeyMaterial, error)
	State() HandshakeState
	// Close wipes the ephemeral secret.
	Close()
}

// NtorHandshake is the client side of ntor-curve25519-sha256-1.
type NtorHandshake struct {
	identity [IdentityLen]byte
	onionKey [OnionKeyLen]byte // B
	x        [32]byte          // ephemeral secret
	pubX     [32]byte          // X
	state    HandshakeState
}

// NewNtorHandshake generates an ephemeral keypair for a hop identified by
// its onion key B and identity digest ID.
func NewNtorHandshake(onionKey [OnionKeyLen]byte, identity [IdentityLen]byte) (*NtorHandshake, error) {
	h := &NtorHandshake{identity: identity, onionKey: onionKey}
	if _, err := rand.Read(h.x[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ntor ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(h.x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ntor public key: %w", err)
	}
	copy(h.pubX[:], pub)
	return h, nil
}

// Kind returns HandshakeNtor.
func (h *NtorHandshake) Kind() HandshakeKind { return HandshakeNtor }

// State returns the handshake state.
func (h *NtorHandshake) State() HandshakeState { return h.state }

// ClientPayload returns ID | B | X.
func (h *NtorHandshake) ClientPayload() []byte {
	buf := make([]byte, 0, NtorClientPayloadLen)
	buf = append(buf, h.identity[:]...)
	buf = append(buf, h.onionKey[:]...)
	buf = append(buf, h.pubX[:]...)
	return buf
}

// Complete verifies the server's AUTH tag and derives the key material.
func (h *NtorHandshake) Complete(serverPayload []byte) (*KeyMaterial, error) {
	if h.state != HandshakeInitiated {
		return nil, ErrHandshakeConsumed
	}
	km, err := h.complete(serverPayload)
	if err != nil {
		h.state = HandshakeFailed
		h.Close()
		return nil, err
	}
	h.state = HandshakeCompleted
	h.Close()
	return km, nil
}

func (h *NtorHandshake) complete(serverPayload []byte) (*KeyMaterial, error) {
	if len(serverPayload) != NtorServerPayloadLen {
		return nil, fmt.Errorf("%w: ntor reply is %d bytes, want %d", ErrMalformedCell, len(serverPayload), NtorServerPayloadLen)
	}
	pubY := serverPayload[:OnionKeyLen]
	auth := serverPayload[OnionKeyLen:]

	// X25519 reports an all-zero shared secret as an error.
	expYx, err := curve25519.X25519(h.x[:], pubY)
	if err != nil {
		return nil, fmt.Errorf("%w: EXP(Y,x): %v", ErrDegenerateKey, err)
	}
	defer wipeBytes(expYx)
	expBx, err := curve25519.X25519(h.x[:], h.onionKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: EXP(B,x): %v", ErrDegenerateKey, err)
	}
	defer wipeBytes(expBx)

	secretInput := ntorSecretInput(expYx, expBx, h.identity[:], h.onionKey[:], h.pubX[:], pubY)
	defer wipeBytes(secretInput)

	expected := ntorAuth(secretInput, h.identity[:], h.onionKey[:], h.pubX[:], pubY)
	if !hmac.Equal(expected, auth) {
		return nil, ErrHandshakeAuth
	}
	return ntorDeriveKeys(secretInput)
}

// Close wipes the ephemeral secret.
func (h *NtorHandshake) Close() {
	wipeBytes(h.x[:])
}

// ntorSecretInput is EXP(Y,x) | EXP(B,x) | ID | B | X | Y | PROTOID.
// The server computes the same value as EXP(X,y) | EXP(X,b) | ...
func ntorSecretInput(dh1, dh2, id, b, x, y []byte) []byte {
	buf := make([]byte, 0, 32*2+IdentityLen+32*3+len(ntorProtoID))
	buf = append(buf, dh1...)
	buf = append(buf, dh2...)
	buf = append(buf, id...)
	buf = append(buf, b...)
	buf = append(buf, x...)
	buf = append(buf, y...)
	buf = append(buf, ntorProtoID...)
	return buf
}

// ntorAuth computes AUTH = H(verify | ID | B | Y | X | PROTOID | "Server", t_mac)
// with verify = H(secret_input, t_verify).
func ntorAuth(secretInput, id, b, x, y []byte) []byte {
	verify := ntorMAC(secretInput, ntorTVerify)
	defer wipeBytes(verify)

	authInput := make([]byte, 0, len(verify)+IdentityLen+32*3+len(ntorProtoID)+6)
	authInput = append(authInput, verify...)
	authInput = append(authInput, id...)
	authInput = append(authInput, b...)
	authInput = append(authInput, y...)
	authInput = append(authInput, x...)
	authInput = append(authInput, ntorProtoID...)
	authInput = append(authInput, "Server"...)
	return ntorMAC(authInput, ntorTMac)
}
