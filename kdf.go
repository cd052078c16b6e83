package onion

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key material sizes.
const (
	DigestSeedLen = 20
	CipherKeyLen  = 16
	// KeyMaterialLen is Df | Db | Kf | Kb | reserved.
	KeyMaterialLen = 2*DigestSeedLen + 2*CipherKeyLen + 20
)

// KeyMaterial is the 92 bytes a handshake yields for one hop. It seeds a
// single hop layer and is wiped once consumed.
type KeyMaterial struct {
	ForwardDigest  [DigestSeedLen]byte
	BackwardDigest [DigestSeedLen]byte
	ForwardKey     [CipherKeyLen]byte
	BackwardKey    [CipherKeyLen]byte
	Reserved       [20]byte
}

// keyMaterialFrom splits 92 derived bytes into their fields.
func keyMaterialFrom(buf []byte) *KeyMaterial {
	km := new(KeyMaterial)
	off := 0
	off += copy(km.ForwardDigest[:], buf[off:])
	off += copy(km.BackwardDigest[:], buf[off:])
	off += copy(km.ForwardKey[:], buf[off:])
	off += copy(km.BackwardKey[:], buf[off:])
	copy(km.Reserved[:], buf[off:])
	return km
}

// Wipe zeroes the key material.
func (km *KeyMaterial) Wipe() {
	if km == nil {
		return
	}
	*km = KeyMaterial{}
}

// ntorDeriveKeys expands secret_input with HKDF-SHA256 (salt t_key, info
// m_expand), which is the MAC-chain
// K(1) = H(m_expand|INT8(1), KEY_SEED), K(i) = H(K(i-1)|m_expand|INT8(i)).
func ntorDeriveKeys(secretInput []byte) (*KeyMaterial, error) {
	r := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand))
	buf := make([]byte, KeyMaterialLen)
	defer wipeBytes(buf)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to expand ntor keys: %w", err)
	}
	return keyMaterialFrom(buf), nil
}

// kdfTor is the legacy KDF used by CREATE_FAST:
// SHA1(K0 | [00]) | SHA1(K0 | [01]) | ... truncated to n bytes.
func kdfTor(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	in := make([]byte, len(k0)+1)
	copy(in, k0)
	for i := 0; len(out) < n; i++ {
		in[len(k0)] = byte(i)
		sum := sha1.Sum(in)
		out = append(out, sum[:]...)
	}
	wipeBytes(in)
	return out[:n]
}

// ntorMAC is H(x, t) = HMAC-SHA256(key = t, message = x).
func ntorMAC(msg []byte, tweak string) []byte {
	mac := hmac.New(sha256.New, []byte(tweak))
	mac.Write(msg)
	return mac.Sum(nil)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
