package normalize

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"marchive/internal/domain"
)

// Media message types within m.room.message.
var mediaMsgTypes = map[string]bool{
	"m.image": true,
	"m.video": true,
	"m.audio": true,
	"m.file":  true,
}

type relatesTo struct {
	RelType string         `json:"rel_type"`
	EventID domain.EventID `json:"event_id"`
	Key     string         `json:"key"`
}

// encryptedFile is the m.room.encrypted attachment descriptor ("file" key).
type encryptedFile struct {
	URL string `json:"url"`
	Key struct {
		K string `json:"k"`
	} `json:"key"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
}

type messageContent struct {
	MsgType string         `json:"msgtype"`
	Body    string         `json:"body"`
	URL     string         `json:"url"`
	File    *encryptedFile `json:"file"`
	Info    *struct {
		MimeType string `json:"mimetype"`
	} `json:"info"`
	NewContent *struct {
		Body    string `json:"body"`
		MsgType string `json:"msgtype"`
	} `json:"m.new_content"`
	RelatesTo *relatesTo `json:"m.relates_to"`
}

// Record flattens one payload into its archive record. It is pure: no IO, no
// state, failure payloads included.
func Record(p domain.Payload) domain.ArchiveRecord {
	rec := domain.ArchiveRecord{
		EventID:   p.Event.ID,
		Timestamp: p.Event.Timestamp,
		Sender:    p.Event.Sender,
	}

	if p.Failure != nil {
		rec.Kind = domain.KindDecryptionFailure
		rec.Reason = string(p.Failure.Reason)
		return rec
	}

	switch p.Type {
	case domain.TypeMessage:
		normalizeMessage(&rec, p.Content)
	case domain.TypeReaction:
		normalizeReaction(&rec, p.Content)
	case domain.TypeRedaction:
		normalizeRedaction(&rec, p.Event, p.Content)
	case domain.TypeMember:
		rec.Kind = domain.KindMembership
		rec.Content = p.Content
		var c struct {
			Membership string `json:"membership"`
		}
		if json.Unmarshal(p.Content, &c) == nil {
			rec.Body = c.Membership
		}
	default:
		rec.Kind = domain.KindUnknown
		rec.Content = p.Content
	}
	return rec
}

func normalizeMessage(rec *domain.ArchiveRecord, raw json.RawMessage) {
	var c messageContent
	if err := json.Unmarshal(raw, &c); err != nil {
		rec.Kind = domain.KindUnknown
		rec.Content = raw
		return
	}
	rec.MsgType = c.MsgType
	rec.Body = c.Body

	if c.RelatesTo != nil && c.RelatesTo.RelType == "m.replace" {
		rec.Kind = domain.KindEdit
		rec.RelatesTo = c.RelatesTo.EventID
		if c.NewContent != nil {
			rec.Body = c.NewContent.Body
			if c.NewContent.MsgType != "" {
				rec.MsgType = c.NewContent.MsgType
			}
		} else {
			// Fallback body carries a conventional "* " prefix.
			rec.Body = strings.TrimPrefix(c.Body, "* ")
		}
		return
	}

	if mediaMsgTypes[c.MsgType] {
		rec.Kind = domain.KindMedia
		rec.MediaRef = mediaReference(c)
		return
	}
	rec.Kind = domain.KindMessage
}

// mediaReference extracts the download-and-decrypt parameters for an
// attachment. Returns nil when the content carries no usable source.
func mediaReference(c messageContent) *domain.MediaReference {
	ref := &domain.MediaReference{Filename: c.Body}
	if c.Info != nil {
		ref.MimeType = c.Info.MimeType
	}
	if c.File == nil {
		if c.URL == "" {
			return nil
		}
		ref.URL = c.URL
		return ref
	}

	ref.URL = c.File.URL
	ref.Encrypted = true
	// Attachment keys use unpadded base64url; iv and hashes use unpadded
	// standard base64.
	if key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.File.Key.K, "=")); err == nil {
		ref.Key = key
	}
	if iv, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(c.File.IV, "=")); err == nil {
		ref.IV = iv
	}
	if h, ok := c.File.Hashes["sha256"]; ok {
		if sum, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(h, "=")); err == nil {
			ref.SHA256 = sum
		}
	}
	if ref.URL == "" || len(ref.Key) != 32 || len(ref.IV) != 16 {
		return nil
	}
	return ref
}

func normalizeReaction(rec *domain.ArchiveRecord, raw json.RawMessage) {
	rec.Kind = domain.KindReaction
	var c struct {
		RelatesTo *relatesTo `json:"m.relates_to"`
	}
	if json.Unmarshal(raw, &c) == nil && c.RelatesTo != nil {
		rec.RelatesTo = c.RelatesTo.EventID
		rec.Body = c.RelatesTo.Key
	}
}

func normalizeRedaction(rec *domain.ArchiveRecord, ev domain.RawEvent, raw json.RawMessage) {
	rec.Kind = domain.KindRedaction
	rec.RelatesTo = ev.Redacts
	var c struct {
		Reason  string         `json:"reason"`
		Redacts domain.EventID `json:"redacts"`
	}
	if json.Unmarshal(raw, &c) == nil {
		rec.Reason = c.Reason
		if rec.RelatesTo == "" {
			rec.RelatesTo = c.Redacts
		}
	}
}
