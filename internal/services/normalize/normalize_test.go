package normalize_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"marchive/internal/domain"
	"marchive/internal/services/normalize"
)

func payload(typ string, content string) domain.Payload {
	return domain.Payload{
		Event: domain.RawEvent{
			ID:        "$ev",
			Sender:    "@alice:example.org",
			Timestamp: 1700000000000,
		},
		Type:    typ,
		Content: json.RawMessage(content),
	}
}

func TestRecord_TextMessage(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeMessage,
		`{"msgtype":"m.text","body":"hello"}`))
	if rec.Kind != domain.KindMessage || rec.Body != "hello" || rec.MsgType != "m.text" {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.EventID != "$ev" || rec.Sender != "@alice:example.org" || rec.Timestamp != 1700000000000 {
		t.Fatalf("event fields not carried: %+v", rec)
	}
}

func TestRecord_EmoteAndNotice(t *testing.T) {
	for _, msgtype := range []string{"m.emote", "m.notice"} {
		rec := normalize.Record(payload(domain.TypeMessage,
			`{"msgtype":"`+msgtype+`","body":"b"}`))
		if rec.Kind != domain.KindMessage || rec.MsgType != msgtype {
			t.Fatalf("%s: rec = %+v", msgtype, rec)
		}
	}
}

func TestRecord_EncryptedImage(t *testing.T) {
	// 32-byte key, 16-byte iv, 32-byte hash, unpadded base64 variants.
	content := `{
		"msgtype": "m.image",
		"body": "cat.jpg",
		"info": {"mimetype": "image/jpeg"},
		"file": {
			"url": "mxc://example.org/abc123",
			"key": {"k": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "kty": "oct"},
			"iv": "AQIDBAUGBwgJCgsMDQ4PEA",
			"hashes": {"sha256": "sqXWbsWeNmlGA4J+1NhRhgMCSxSA2QbQj11tdOTxsDA"},
			"v": "v2"
		}
	}`
	rec := normalize.Record(payload(domain.TypeMessage, content))
	if rec.Kind != domain.KindMedia || rec.Body != "cat.jpg" {
		t.Fatalf("rec = %+v", rec)
	}
	ref := rec.MediaRef
	if ref == nil {
		t.Fatal("no media reference")
	}
	if !ref.Encrypted || ref.URL != "mxc://example.org/abc123" {
		t.Fatalf("ref = %+v", ref)
	}
	if len(ref.Key) != 32 || len(ref.IV) != 16 || len(ref.SHA256) != 32 {
		t.Fatalf("lengths: key=%d iv=%d hash=%d", len(ref.Key), len(ref.IV), len(ref.SHA256))
	}
	if !bytes.Equal(ref.IV, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}) {
		t.Fatalf("iv = %v", ref.IV)
	}
	if ref.MimeType != "image/jpeg" || ref.Filename != "cat.jpg" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestRecord_PlainAttachment(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeMessage,
		`{"msgtype":"m.file","body":"notes.pdf","url":"mxc://example.org/plain"}`))
	if rec.Kind != domain.KindMedia {
		t.Fatalf("rec = %+v", rec)
	}
	ref := rec.MediaRef
	if ref == nil || ref.Encrypted || ref.URL != "mxc://example.org/plain" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestRecord_MediaWithoutSourceHasNoRef(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeMessage,
		`{"msgtype":"m.image","body":"broken.jpg"}`))
	if rec.Kind != domain.KindMedia || rec.MediaRef != nil {
		t.Fatalf("rec = %+v, ref = %+v", rec, rec.MediaRef)
	}
}

func TestRecord_Edit(t *testing.T) {
	content := `{
		"msgtype": "m.text",
		"body": "* fixed text",
		"m.new_content": {"msgtype": "m.text", "body": "fixed text"},
		"m.relates_to": {"rel_type": "m.replace", "event_id": "$orig"}
	}`
	rec := normalize.Record(payload(domain.TypeMessage, content))
	if rec.Kind != domain.KindEdit || rec.RelatesTo != "$orig" || rec.Body != "fixed text" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_EditWithoutNewContentStripsPrefix(t *testing.T) {
	content := `{
		"msgtype": "m.text",
		"body": "* fixed text",
		"m.relates_to": {"rel_type": "m.replace", "event_id": "$orig"}
	}`
	rec := normalize.Record(payload(domain.TypeMessage, content))
	if rec.Kind != domain.KindEdit || rec.Body != "fixed text" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_Reaction(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeReaction,
		`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$orig","key":"👍"}}`))
	if rec.Kind != domain.KindReaction || rec.RelatesTo != "$orig" || rec.Body != "👍" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_Redaction(t *testing.T) {
	p := payload(domain.TypeRedaction, `{"reason":"spam"}`)
	p.Event.Redacts = "$bad"
	rec := normalize.Record(p)
	if rec.Kind != domain.KindRedaction || rec.RelatesTo != "$bad" || rec.Reason != "spam" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_RedactionTargetInContent(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeRedaction, `{"redacts":"$bad"}`))
	if rec.Kind != domain.KindRedaction || rec.RelatesTo != "$bad" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_Membership(t *testing.T) {
	rec := normalize.Record(payload(domain.TypeMember,
		`{"membership":"join","displayname":"Alice"}`))
	if rec.Kind != domain.KindMembership || rec.Body != "join" {
		t.Fatalf("rec = %+v", rec)
	}
	if len(rec.Content) == 0 {
		t.Fatal("membership content must be preserved")
	}
}

func TestRecord_UnknownTypePreservesContent(t *testing.T) {
	rec := normalize.Record(payload("org.example.custom", `{"x":1}`))
	if rec.Kind != domain.KindUnknown || string(rec.Content) != `{"x":1}` {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestRecord_DecryptionFailure(t *testing.T) {
	p := domain.Payload{
		Event:   domain.RawEvent{ID: "$ev", Sender: "@a:x", Timestamp: 42},
		Failure: &domain.DecryptionFailure{Reason: domain.NoSessionKey},
	}
	rec := normalize.Record(p)
	if rec.Kind != domain.KindDecryptionFailure || rec.Reason != string(domain.NoSessionKey) {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.EventID != "$ev" || rec.Timestamp != 42 {
		t.Fatalf("rec = %+v", rec)
	}
}
