package domain

import "encoding/json"

// Well-known event types handled by the pipeline. Anything else is archived
// as-is under the unknown kind.
const (
	TypeEncrypted = "m.room.encrypted"
	TypeMessage   = "m.room.message"
	TypeReaction  = "m.reaction"
	TypeRedaction = "m.room.redaction"
	TypeMember    = "m.room.member"
)

// AlgorithmMegolm is the only group-message algorithm the decryptor supports.
const AlgorithmMegolm = "m.megolm.v1.aes-sha2"

// RawEvent is a timeline event exactly as returned by the homeserver. It is
// transient: produced and consumed within one pagination step, never persisted.
type RawEvent struct {
	ID        EventID         `json:"event_id"`
	RoomID    RoomID          `json:"room_id"`
	Sender    UserID          `json:"sender"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"origin_server_ts"`
	StateKey  *string         `json:"state_key,omitempty"`
	Content   json.RawMessage `json:"content"`
	Redacts   EventID         `json:"redacts,omitempty"`
}

// IsState reports whether the event is a state event.
func (e RawEvent) IsState() bool { return e.StateKey != nil }

// EncryptedContent is the content of an m.room.encrypted event.
type EncryptedContent struct {
	Algorithm  string    `json:"algorithm"`
	Ciphertext string    `json:"ciphertext"`
	SenderKey  string    `json:"sender_key"`
	DeviceID   string    `json:"device_id"`
	SessionID  SessionID `json:"session_id"`
}

// Batch is one page of backward pagination. Events preserve server order,
// which is reverse-chronological in the backward direction. Next is the
// cursor for the following (older) page; empty once the start of the room's
// history has been reached.
type Batch struct {
	Events []RawEvent
	Next   Cursor
}

// FailureReason classifies why an encrypted event could not be decrypted.
type FailureReason string

const (
	// NoSessionKey: the key bundle did not contain a session for this
	// (room, session id) pair. Expected and non-fatal.
	NoSessionKey FailureReason = "no_session_key"
	// BadMac: the ciphertext failed authentication.
	BadMac FailureReason = "bad_mac"
	// BadSignature: the session signature over the packet did not verify.
	BadSignature FailureReason = "bad_signature"
	// RatchetOrderViolation: the message index precedes the exported ratchet
	// state, so its key can never be derived.
	RatchetOrderViolation FailureReason = "ratchet_order_violation"
	// MalformedEvent: the envelope or the decrypted payload did not parse.
	MalformedEvent FailureReason = "malformed_event"
	// UnsupportedAlgorithm: the event was encrypted with an algorithm the
	// decryptor does not speak.
	UnsupportedAlgorithm FailureReason = "unsupported_algorithm"
)

// DecryptionFailure records a per-event recoverable decryption error.
type DecryptionFailure struct {
	Reason FailureReason
	Err    error
}

// Payload is the decryptor's output for one raw event: either the effective
// event type and plaintext content, or a failure. The original raw event is
// carried along for the normalizer.
type Payload struct {
	Event   RawEvent
	Type    string
	Content json.RawMessage
	Failure *DecryptionFailure
}
