package megolm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	sessionKeyVersionExport  = 0x01
	sessionKeyVersionSharing = 0x02

	signingKeyLength = ed25519.PublicKeySize
)

// ErrRatchetOrder is returned when a message index precedes the session's
// first known ratchet state. Keys for earlier indices can never be derived.
var ErrRatchetOrder = errors.New("megolm: message index precedes first known ratchet state")

// Inbound is a decrypt-only megolm session reconstructed from an exported
// session key. The base ratchet (the exported state) is immutable; decryption
// clones from it, with a furthest-advanced cache so sequential decryption of
// increasing indices stays cheap.
//
// Not safe for concurrent use.
type Inbound struct {
	base       Ratchet
	latest     Ratchet
	signingKey ed25519.PublicKey
}

// ParseSessionKey decodes a base64 session key in the export format
// (version 0x01) or the sharing format (version 0x02, trailing signature
// ignored) into an inbound session.
func ParseSessionKey(encoded string) (*Inbound, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("megolm: session key is not base64: %w", err)
		}
	}
	const prefix = 1 + 4 + RatchetLength + signingKeyLength
	if len(raw) < prefix {
		return nil, errors.New("megolm: session key too short")
	}
	switch raw[0] {
	case sessionKeyVersionExport:
		if len(raw) != prefix {
			return nil, errors.New("megolm: bad export session key length")
		}
	case sessionKeyVersionSharing:
		if len(raw) != prefix+signatureLength {
			return nil, errors.New("megolm: bad sharing session key length")
		}
	default:
		return nil, fmt.Errorf("megolm: unsupported session key version %#x", raw[0])
	}

	index := binary.BigEndian.Uint32(raw[1:5])
	ratchet, err := NewRatchet(raw[5:5+RatchetLength], index)
	if err != nil {
		return nil, err
	}
	key := make(ed25519.PublicKey, signingKeyLength)
	copy(key, raw[5+RatchetLength:prefix])

	return &Inbound{base: ratchet, latest: ratchet, signingKey: key}, nil
}

// ID returns the session id: the unpadded base64 of the signing key.
func (s *Inbound) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.signingKey)
}

// FirstKnownIndex returns the earliest message index this session can decrypt.
func (s *Inbound) FirstKnownIndex() uint32 { return s.base.Index() }

// Decrypt authenticates and opens a raw megolm packet, returning the
// plaintext and the packet's message index.
func (s *Inbound) Decrypt(raw []byte) ([]byte, uint32, error) {
	p, err := parsePacket(raw)
	if err != nil {
		return nil, 0, err
	}
	if !ed25519.Verify(s.signingKey, p.signed, p.signature) {
		return nil, p.index, ErrBadSignature
	}

	r, err := s.ratchetAt(p.index)
	if err != nil {
		return nil, p.index, err
	}
	keys, err := deriveKeys(r.State())
	if err != nil {
		return nil, p.index, err
	}
	if !verifyMAC(keys, p) {
		return nil, p.index, ErrBadMac
	}
	plain, err := decryptCBC(keys, p.ciphertext)
	if err != nil {
		return nil, p.index, err
	}
	return plain, p.index, nil
}

// ratchetAt returns the ratchet advanced to the given index, cloning from
// the nearest anchor at or below it.
func (s *Inbound) ratchetAt(index uint32) (Ratchet, error) {
	if index < s.base.Index() {
		return Ratchet{}, ErrRatchetOrder
	}
	r := s.base
	if s.latest.Index() <= index {
		r = s.latest
	}
	if err := r.Advance(index); err != nil {
		return Ratchet{}, err
	}
	if r.Index() > s.latest.Index() {
		s.latest = r
	}
	return r, nil
}

// SessionKey re-serialises the session in the export format at its first
// known index.
func (s *Inbound) SessionKey() string {
	return encodeSessionKey(s.base, s.signingKey)
}

func encodeSessionKey(r Ratchet, key ed25519.PublicKey) string {
	out := make([]byte, 0, 1+4+RatchetLength+signingKeyLength)
	out = append(out, sessionKeyVersionExport)
	out = binary.BigEndian.AppendUint32(out, r.Index())
	out = append(out, r.State()...)
	out = append(out, key...)
	return base64.StdEncoding.EncodeToString(out)
}
