package keystore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"marchive/internal/domain"
	"marchive/internal/protocol/megolm"
	"marchive/internal/util/memzero"
)

// SessionRecord is one element of the decrypted bundle payload.
type SessionRecord struct {
	Algorithm       string            `json:"algorithm"`
	RoomID          domain.RoomID     `json:"room_id"`
	SenderKey       string            `json:"sender_key"`
	SessionID       domain.SessionID  `json:"session_id"`
	SessionKey      string            `json:"session_key"`
	SenderClaimed   map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardingChain []string          `json:"forwarding_curve25519_key_chain,omitempty"`
}

// ImportStats summarises a bundle import.
type ImportStats struct {
	Imported int
	Skipped  int
}

type sessionIndex struct {
	room domain.RoomID
	id   domain.SessionID
}

// Store holds the imported megolm sessions, indexed by (room id, session id).
// Read-only after Load; safe for concurrent Lookup, though the sessions
// themselves are single-consumer.
type Store struct {
	sessions map[sessionIndex]*megolm.Inbound
	senders  map[sessionIndex]string
	byRoom   map[domain.RoomID]int
}

// Load reads, decrypts and indexes an exported-room-keys file.
func Load(path, passphrase string, log zerolog.Logger) (*Store, ImportStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ImportStats{}, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	return Parse(data, passphrase, log)
}

// Parse decrypts an armored bundle and imports its session records. One bad
// record is skipped with a warning; only a bundle-level failure is an error.
func Parse(data []byte, passphrase string, log zerolog.Logger) (*Store, ImportStats, error) {
	payload, err := openBundle(data, passphrase)
	if err != nil {
		return nil, ImportStats{}, err
	}
	defer memzero.Zero(payload)

	// Decode the array into raw elements first so each record can fail
	// independently: exported bundles accumulate over time and may carry
	// stale or corrupt entries.
	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, ImportStats{}, fmt.Errorf("%w: payload is not a session list: %v", ErrBadBundle, err)
	}

	s := &Store{
		sessions: make(map[sessionIndex]*megolm.Inbound, len(elements)),
		senders:  make(map[sessionIndex]string, len(elements)),
		byRoom:   make(map[domain.RoomID]int),
	}
	var stats ImportStats
	for i, element := range elements {
		rec, err := parseRecord(element)
		if err != nil {
			log.Warn().Int("record", i).Err(err).Msg("skipping key record")
			stats.Skipped++
			continue
		}
		if err := s.add(rec); err != nil {
			log.Warn().Int("record", i).Str("room", rec.RoomID.String()).Err(err).Msg("skipping key record")
			stats.Skipped++
			continue
		}
		stats.Imported++
	}
	log.Info().Int("imported", stats.Imported).Int("skipped", stats.Skipped).
		Int("rooms", len(s.byRoom)).Msg("room keys imported")
	return s, stats, nil
}

func parseRecord(element json.RawMessage) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(element, &rec); err != nil {
		return rec, err
	}
	if rec.Algorithm != domain.AlgorithmMegolm {
		return rec, fmt.Errorf("unsupported algorithm %q", rec.Algorithm)
	}
	if rec.RoomID == "" || rec.SessionID == "" || rec.SessionKey == "" {
		return rec, fmt.Errorf("incomplete session record")
	}
	return rec, nil
}

func (s *Store) add(rec SessionRecord) error {
	session, err := megolm.ParseSessionKey(rec.SessionKey)
	if err != nil {
		return err
	}
	key := sessionIndex{room: rec.RoomID, id: rec.SessionID}
	if existing, ok := s.sessions[key]; ok {
		// Duplicate export of the same session: keep whichever state reaches
		// further back.
		if existing.FirstKnownIndex() <= session.FirstKnownIndex() {
			return nil
		}
		s.sessions[key] = session
		return nil
	}
	s.sessions[key] = session
	s.senders[key] = rec.SenderKey
	s.byRoom[rec.RoomID]++
	return nil
}

// Lookup returns the session for (room, session id), if imported.
func (s *Store) Lookup(room domain.RoomID, id domain.SessionID) (*megolm.Inbound, bool) {
	session, ok := s.sessions[sessionIndex{room: room, id: id}]
	return session, ok
}

// SenderKey returns the curve25519 sender key recorded for a session.
func (s *Store) SenderKey(room domain.RoomID, id domain.SessionID) (string, bool) {
	k, ok := s.senders[sessionIndex{room: room, id: id}]
	return k, ok
}

// Len returns the number of imported sessions.
func (s *Store) Len() int { return len(s.sessions) }

// RoomCounts returns the number of sessions per room.
func (s *Store) RoomCounts() map[domain.RoomID]int {
	out := make(map[domain.RoomID]int, len(s.byRoom))
	for room, n := range s.byRoom {
		out[room] = n
	}
	return out
}

// Seal marshals session records and encrypts them into an armored bundle.
// The counterpart of Parse; rounds is the PBKDF2 iteration count.
func Seal(records []SessionRecord, passphrase string, rounds int) ([]byte, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(payload)
	return sealBundle(payload, passphrase, rounds)
}
