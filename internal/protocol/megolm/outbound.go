package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
)

// Outbound is an encrypt-capable megolm session: a fresh random ratchet plus
// an Ed25519 signing pair. The archiver itself never sends messages; this
// side of the protocol exists to produce packets Inbound can open, which is
// how fixtures and interop checks are built.
//
// Not safe for concurrent use.
type Outbound struct {
	ratchet    Ratchet
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewOutbound creates a session with random initial ratchet state at index 0.
func NewOutbound() (*Outbound, error) {
	var state [RatchetLength]byte
	if _, err := rand.Read(state[:]); err != nil {
		return nil, err
	}
	r, err := NewRatchet(state[:], 0)
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Outbound{ratchet: r, signingKey: priv, publicKey: pub}, nil
}

// ID returns the session id: the unpadded base64 of the signing public key.
func (o *Outbound) ID() string {
	return base64.RawStdEncoding.EncodeToString(o.publicKey)
}

// Index returns the index the next encrypted message will carry.
func (o *Outbound) Index() uint32 { return o.ratchet.Index() }

// Encrypt seals plaintext at the current index and steps the ratchet.
func (o *Outbound) Encrypt(plaintext []byte) ([]byte, error) {
	keys, err := deriveKeys(o.ratchet.State())
	if err != nil {
		return nil, err
	}
	ct, err := encryptCBC(keys, plaintext)
	if err != nil {
		return nil, err
	}
	body := buildPacketBody(o.ratchet.Index(), ct)
	mac := computeMAC(keys, body)
	packet := append(body, mac...)
	packet = append(packet, ed25519.Sign(o.signingKey, packet)...)

	if err := o.ratchet.Advance(o.ratchet.Index() + 1); err != nil {
		return nil, err
	}
	return packet, nil
}

// SessionKey exports the session at its current index in the export format.
// An Inbound built from it can decrypt messages from this index on.
func (o *Outbound) SessionKey() string {
	return encodeSessionKey(o.ratchet, o.publicKey)
}
