package decrypt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"marchive/internal/domain"
	"marchive/internal/protocol/megolm"
)

// KeyRing serves imported megolm sessions. Implemented by keystore.Store.
type KeyRing interface {
	Lookup(room domain.RoomID, id domain.SessionID) (*megolm.Inbound, bool)
}

// Stats counts decryption outcomes over a run.
type Stats struct {
	Plaintext int
	Decrypted int
	Failed    map[domain.FailureReason]int
}

// Since returns the outcomes accumulated after the prev snapshot, so one
// decryptor can serve several rooms and still report per-room counts.
func (s Stats) Since(prev Stats) Stats {
	out := Stats{
		Plaintext: s.Plaintext - prev.Plaintext,
		Decrypted: s.Decrypted - prev.Decrypted,
		Failed:    make(map[domain.FailureReason]int),
	}
	for reason, n := range s.Failed {
		if d := n - prev.Failed[reason]; d != 0 {
			out.Failed[reason] = d
		}
	}
	return out
}

// Service decrypts raw events against a key ring. Not safe for concurrent
// use: the pipeline's decrypt stage is single-threaded by design so megolm
// ratchet caches stay consistent.
type Service struct {
	keys  KeyRing
	log   zerolog.Logger
	stats Stats
}

// New constructs a decryptor over the given key ring.
func New(keys KeyRing, log zerolog.Logger) *Service {
	return &Service{keys: keys, log: log, stats: Stats{Failed: make(map[domain.FailureReason]int)}}
}

// plaintextEnvelope is the JSON carried inside a megolm packet.
type plaintextEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  domain.RoomID   `json:"room_id"`
}

// Decrypt turns one raw event into a payload, recording failures instead of
// returning errors: every event yields exactly one payload.
func (s *Service) Decrypt(ev domain.RawEvent) domain.Payload {
	if ev.Type != domain.TypeEncrypted {
		s.stats.Plaintext++
		return domain.Payload{Event: ev, Type: ev.Type, Content: ev.Content}
	}

	var content domain.EncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return s.failure(ev, domain.MalformedEvent, err)
	}
	if content.SessionID == "" || content.Ciphertext == "" {
		return s.failure(ev, domain.MalformedEvent, errors.New("missing session id or ciphertext"))
	}
	if content.Algorithm != domain.AlgorithmMegolm {
		return s.failure(ev, domain.UnsupportedAlgorithm,
			fmt.Errorf("algorithm %q", content.Algorithm))
	}

	session, ok := s.keys.Lookup(ev.RoomID, content.SessionID)
	if !ok {
		return s.failure(ev, domain.NoSessionKey, nil)
	}

	packet, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(content.Ciphertext, "="))
	if err != nil {
		return s.failure(ev, domain.MalformedEvent, err)
	}
	plain, index, err := session.Decrypt(packet)
	if err != nil {
		return s.failure(ev, reasonFor(err), err)
	}

	var envelope plaintextEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil {
		return s.failure(ev, domain.MalformedEvent, err)
	}
	if envelope.RoomID != "" && ev.RoomID != "" && envelope.RoomID != ev.RoomID {
		return s.failure(ev, domain.MalformedEvent,
			fmt.Errorf("plaintext claims room %s", envelope.RoomID))
	}

	s.stats.Decrypted++
	s.log.Trace().Str("event", ev.ID.String()).Uint32("index", index).Msg("decrypted")
	return domain.Payload{Event: ev, Type: envelope.Type, Content: envelope.Content}
}

// Stats returns a snapshot of the outcome counters accumulated so far.
func (s *Service) Stats() Stats {
	out := s.stats
	out.Failed = make(map[domain.FailureReason]int, len(s.stats.Failed))
	for reason, n := range s.stats.Failed {
		out.Failed[reason] = n
	}
	return out
}

func (s *Service) failure(ev domain.RawEvent, reason domain.FailureReason, err error) domain.Payload {
	s.stats.Failed[reason]++
	logEvent := s.log.Warn().Str("event", ev.ID.String()).Str("reason", string(reason))
	if err != nil {
		logEvent = logEvent.Err(err)
	}
	logEvent.Msg("event could not be decrypted")
	return domain.Payload{
		Event:   ev,
		Failure: &domain.DecryptionFailure{Reason: reason, Err: err},
	}
}

func reasonFor(err error) domain.FailureReason {
	switch {
	case errors.Is(err, megolm.ErrRatchetOrder):
		return domain.RatchetOrderViolation
	case errors.Is(err, megolm.ErrBadMac):
		return domain.BadMac
	case errors.Is(err, megolm.ErrBadSignature):
		return domain.BadSignature
	default:
		return domain.MalformedEvent
	}
}
