package domain

import "encoding/json"

// RecordKind is the closed set of archive record kinds.
type RecordKind string

const (
	KindMessage           RecordKind = "message"
	KindMedia             RecordKind = "media"
	KindEdit              RecordKind = "edit"
	KindRedaction         RecordKind = "redaction"
	KindReaction          RecordKind = "reaction"
	KindMembership        RecordKind = "membership"
	KindUnknown           RecordKind = "unknown"
	KindDecryptionFailure RecordKind = "unknown-decryption-failure"
)

// MediaReference points at an encrypted (or plain) blob on the server plus
// the parameters needed to decrypt and verify it. It is transient; the
// resolver turns it into a MediaFile.
type MediaReference struct {
	URL       string // mxc:// URI
	Filename  string
	MimeType  string
	Key       []byte // AES-256-CTR key; nil for unencrypted media
	IV        []byte
	SHA256    []byte // expected hash of the downloaded blob; nil when unknown
	Encrypted bool
}

// MediaFile describes a blob recovered into the archive directory.
type MediaFile struct {
	Path   string `json:"path"` // relative to the archive output directory
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ArchiveRecord is the canonical output unit: one line of the room's archive
// log. Records are append-only and immutable; edits, redactions and
// reactions are independent records pointing at the original via RelatesTo.
type ArchiveRecord struct {
	EventID    EventID         `json:"event_id"`
	Timestamp  int64           `json:"timestamp"`
	Sender     UserID          `json:"sender"`
	SenderName string          `json:"sender_name,omitempty"`
	Kind       RecordKind      `json:"kind"`
	Body       string          `json:"body,omitempty"`
	MsgType    string          `json:"msgtype,omitempty"`
	RelatesTo  EventID         `json:"relates_to,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Media      *MediaFile      `json:"media,omitempty"`

	// MediaRef is filled by the normalizer and consumed by the resolver.
	// It never reaches the archive file.
	MediaRef *MediaReference `json:"-"`
}
