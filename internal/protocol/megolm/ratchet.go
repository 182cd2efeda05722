package megolm

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

const (
	ratchetParts = 4
	partLength   = 32
	// RatchetLength is the size of the full ratchet state in bytes.
	RatchetLength = ratchetParts * partLength
)

// ErrBackwardAdvance is returned when an advance would step the ratchet to a
// lower index. The ratchet derives forward only; earlier states are gone.
var ErrBackwardAdvance = errors.New("megolm: ratchet cannot advance backward")

// Ratchet is the megolm ratchet: four 32-byte parts R0..R3 plus the message
// index they correspond to. Part k is rehashed every 2^(8k) steps, so
// advancing far ahead costs at most ~1000 HMAC operations.
type Ratchet struct {
	data  [RatchetLength]byte
	index uint32
}

// NewRatchet builds a ratchet from raw state at the given index. The state
// must be exactly RatchetLength bytes.
func NewRatchet(state []byte, index uint32) (Ratchet, error) {
	var r Ratchet
	if len(state) != RatchetLength {
		return r, errors.New("megolm: ratchet state must be 128 bytes")
	}
	copy(r.data[:], state)
	r.index = index
	return r, nil
}

// Index returns the message index the ratchet currently sits at.
func (r *Ratchet) Index() uint32 { return r.index }

// State returns a copy of the raw ratchet state.
func (r *Ratchet) State() []byte {
	out := make([]byte, RatchetLength)
	copy(out, r.data[:])
	return out
}

// Advance steps the ratchet forward to the given index. Advancing to the
// current index is a no-op; advancing backward returns ErrBackwardAdvance.
func (r *Ratchet) Advance(to uint32) error {
	if to < r.index {
		return ErrBackwardAdvance
	}
	for r.index < to {
		r.step()
	}
	return nil
}

// step advances by one. The highest part whose period divides the new index
// is rehashed from its previous value and reseeds every part below it.
func (r *Ratchet) step() {
	n := r.index + 1
	switch {
	case n%(1<<24) == 0:
		r.rehashFrom(0)
	case n%(1<<16) == 0:
		r.rehashFrom(1)
	case n%(1<<8) == 0:
		r.rehashFrom(2)
	default:
		r.rehashFrom(3)
	}
	r.index = n
}

// rehashFrom replaces parts p..3 with H_j(R(p)) where H_j is HMAC-SHA256
// keyed by the old part p over the single byte j.
func (r *Ratchet) rehashFrom(p int) {
	var src [partLength]byte
	copy(src[:], r.part(p))
	for j := p; j < ratchetParts; j++ {
		mac := hmac.New(sha256.New, src[:])
		mac.Write([]byte{byte(j)})
		copy(r.part(j), mac.Sum(nil))
	}
}

func (r *Ratchet) part(i int) []byte {
	return r.data[i*partLength : (i+1)*partLength]
}
