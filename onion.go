package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"
)

// MaxRelayEarly is the number of RELAY_EARLY cells a client may send towards
// a hop after it is added, used for EXTEND2 through that hop.
const MaxRelayEarly = 8

// hopLayer is the symmetric state shared with one hop. Keystreams and
// digests only ever advance; nothing is reseeded.
type hopLayer struct {
	depth          int
	fwdCipher      cipher.Stream
	bwdCipher      cipher.Stream
	fwdDigest      hash.Hash
	bwdDigest      hash.Hash
	earlyRemaining int
}

// newHopLayer keys a layer from km and wipes km.
func newHopLayer(depth int, km *KeyMaterial) (*hopLayer, error) {
	defer km.Wipe()

	fwdBlock, err := aes.NewCipher(km.ForwardKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create forward cipher: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.BackwardKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create backward cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)

	h := &hopLayer{
		depth:          depth,
		fwdCipher:      cipher.NewCTR(fwdBlock, zeroIV),
		bwdCipher:      cipher.NewCTR(bwdBlock, zeroIV),
		fwdDigest:      sha1.New(),
		bwdDigest:      sha1.New(),
		earlyRemaining: MaxRelayEarly,
	}
	h.fwdDigest.Write(km.ForwardDigest[:])
	h.bwdDigest.Write(km.BackwardDigest[:])
	return h, nil
}

// wipe drops the key schedule and digest state.
func (h *hopLayer) wipe() {
	h.fwdCipher = nil
	h.bwdCipher = nil
	if h.fwdDigest != nil {
		h.fwdDigest.Reset()
	}
	if h.bwdDigest != nil {
		h.bwdDigest.Reset()
	}
	h.fwdDigest = nil
	h.bwdDigest = nil
	h.earlyRemaining = 0
}

// onionPipeline is the ordered list of hop layers of one circuit, oldest
// (guard) first.
type onionPipeline struct {
	hops []*hopLayer
}

func (p *onionPipeline) len() int { return len(p.hops) }

func (p *onionPipeline) add(km *KeyMaterial) (*hopLayer, error) {
	h, err := newHopLayer(len(p.hops), km)
	if err != nil {
		return nil, err
	}
	p.hops = append(p.hops, h)
	return h, nil
}

func (p *onionPipeline) wipe() {
	for _, h := range p.hops {
		h.wipe()
	}
	p.hops = nil
}

// encrypt addresses cell to the newest hop.
func (p *onionPipeline) encrypt(cell *RelayCell) error {
	return p.encryptTo(cell, len(p.hops)-1)
}

// encryptTo seals a plaintext relay cell for the hop at index target: the
// digest field is computed with that hop's running forward digest, then each
// layer from the guard out to target is applied. The link command becomes
// RELAY_EARLY while target still has early budget.
func (p *onionPipeline) encryptTo(cell *RelayCell, target int) error {
	if len(p.hops) == 0 {
		return ErrNoHops
	}
	if target < 0 || target >= len(p.hops) {
		return fmt.Errorf("%w: hop %d of %d", ErrInvalidState, target, len(p.hops))
	}

	payload := cell.Payload()
	dig := cell.Digest()
	for i := range dig {
		dig[i] = 0
	}
	hop := p.hops[target]
	hop.fwdDigest.Write(payload)
	sum := hop.fwdDigest.Sum(nil)
	copy(dig, sum[:relayDigestLen])

	for i := 0; i <= target; i++ {
		p.hops[i].fwdCipher.XORKeyStream(payload, payload)
	}

	if hop.earlyRemaining > 0 {
		hop.earlyRemaining--
		cell.SetCommand(CmdRelayEarly)
	} else {
		cell.SetCommand(CmdRelay)
	}
	return nil
}

// decrypt peels backward layers from cell in place until one hop recognizes
// it. It returns the index of the originating hop and that hop's full
// running digest after the cell, used to authenticate circuit SENDMEs.
func (p *onionPipeline) decrypt(cell *RelayCell) (int, []byte, error) {
	if len(p.hops) == 0 {
		return 0, nil, ErrNoHops
	}
	payload := cell.Payload()
	last := len(p.hops) - 1

	for i, hop := range p.hops {
		hop.bwdCipher.XORKeyStream(payload, payload)
		if binary.BigEndian.Uint16(payload[relayRecognizedOff:]) != 0 {
			continue
		}

		digest, ok, err := hop.verifyBackward(cell)
		if err != nil {
			return 0, nil, err
		}
		if ok {
			if length := binary.BigEndian.Uint16(payload[relayLengthOff:]); int(length) > MaxRelayDataLen {
				return 0, nil, fmt.Errorf("%w: data length %d exceeds %d", ErrMalformedCell, length, MaxRelayDataLen)
			}
			return i, digest, nil
		}
		if i == last {
			return 0, nil, fmt.Errorf("%w: from hop %d", ErrDigestMismatch, i)
		}
	}
	return 0, nil, ErrUnrecognizedCell
}

// verifyBackward runs the backward digest over the cell with its digest
// field zeroed. On a mismatch the digest state and the digest field are
// restored so the cell can be tried against the next hop.
func (h *hopLayer) verifyBackward(cell *RelayCell) ([]byte, bool, error) {
	m, ok := h.bwdDigest.(encoding.BinaryMarshaler)
	if !ok {
		return nil, false, fmt.Errorf("%w: digest state cannot be saved", ErrInvalidState)
	}
	saved, err := m.MarshalBinary()
	if err != nil {
		return nil, false, fmt.Errorf("failed to save digest state: %w", err)
	}

	dig := cell.Digest()
	var received [relayDigestLen]byte
	copy(received[:], dig)
	for i := range dig {
		dig[i] = 0
	}

	h.bwdDigest.Write(cell.Payload())
	sum := h.bwdDigest.Sum(nil)
	if [relayDigestLen]byte(sum[:relayDigestLen]) == received {
		copy(dig, received[:])
		return sum, true, nil
	}

	copy(dig, received[:])
	if err := h.bwdDigest.(encoding.BinaryUnmarshaler).UnmarshalBinary(saved); err != nil {
		return nil, false, fmt.Errorf("failed to restore digest state: %w", err)
	}
	return nil, false, nil
}
