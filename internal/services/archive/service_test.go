package archive_test

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marchive/internal/domain"
	"marchive/internal/protocol/megolm"
	"marchive/internal/services/archive"
	"marchive/internal/services/decrypt"
	"marchive/internal/services/media"
	"marchive/internal/services/paginate"
	"marchive/internal/store"
)

// fakeHS scripts a complete homeserver for one room.
type fakeHS struct {
	prev      domain.Cursor
	batches   map[domain.Cursor]domain.Batch
	blobs     map[string][]byte
	name      string
	members   map[domain.UserID]domain.RoomMember
	downloads int
}

func (f *fakeHS) PrevBatch(context.Context, domain.RoomID) (domain.Cursor, error) {
	return f.prev, nil
}

func (f *fakeHS) Messages(_ context.Context, _ domain.RoomID, from domain.Cursor, _ int) (domain.Batch, error) {
	b, ok := f.batches[from]
	if !ok {
		return domain.Batch{}, fmt.Errorf("unexpected cursor %q", from)
	}
	return b, nil
}

func (f *fakeHS) Download(_ context.Context, url string) ([]byte, error) {
	f.downloads++
	blob, ok := f.blobs[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return blob, nil
}

func (f *fakeHS) JoinedRooms(context.Context) ([]domain.RoomID, error) {
	return []domain.RoomID{"!room:example.org"}, nil
}

func (f *fakeHS) RoomName(context.Context, domain.RoomID) (string, error) {
	return f.name, nil
}

func (f *fakeHS) JoinedMembers(context.Context, domain.RoomID) (map[domain.UserID]domain.RoomMember, error) {
	return f.members, nil
}

var _ domain.Homeserver = (*fakeHS)(nil)

type mapKeyRing map[string]*megolm.Inbound

func (m mapKeyRing) Lookup(room domain.RoomID, id domain.SessionID) (*megolm.Inbound, bool) {
	s, ok := m[room.String()+"/"+id.String()]
	return s, ok
}

const room = domain.RoomID("!room:example.org")

type fixture struct {
	hs   *fakeHS
	ring mapKeyRing
}

// seal encrypts a plaintext envelope as an m.room.encrypted event.
func seal(t *testing.T, out *megolm.Outbound, id string, ts int64, envelope map[string]any) domain.RawEvent {
	t.Helper()
	plain, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	packet, err := out.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	content, err := json.Marshal(domain.EncryptedContent{
		Algorithm:  domain.AlgorithmMegolm,
		Ciphertext: base64.RawStdEncoding.EncodeToString(packet),
		SessionID:  domain.SessionID(out.ID()),
	})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return domain.RawEvent{
		ID: domain.EventID(id), RoomID: room, Sender: "@alice:example.org",
		Type: domain.TypeEncrypted, Timestamp: ts, Content: content,
	}
}

func textEnvelope(body string) map[string]any {
	return map[string]any{
		"type":    domain.TypeMessage,
		"room_id": room,
		"content": map[string]any{"msgtype": "m.text", "body": body},
	}
}

// newFixture builds a room with six encrypted events: five from a known
// session (one of them an image), one from a session absent from the ring.
func newFixture(t *testing.T) fixture {
	t.Helper()
	out, err := megolm.NewOutbound()
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	in, err := megolm.ParseSessionKey(out.SessionKey())
	if err != nil {
		t.Fatalf("ParseSessionKey: %v", err)
	}
	ring := mapKeyRing{room.String() + "/" + out.ID(): in}

	// The image attachment: AES-CTR ciphertext served by the fake server,
	// referenced by its ciphertext hash.
	imgPlain := []byte("jpeg bytes go here")
	key := make([]byte, 32)
	iv := make([]byte, 16)
	key[3], iv[1] = 0x77, 0x05
	block, _ := aes.NewCipher(key)
	imgCipher := make([]byte, len(imgPlain))
	cipher.NewCTR(block, iv).XORKeyStream(imgCipher, imgPlain)
	imgSum := sha256.Sum256(imgCipher)

	imageEnvelope := map[string]any{
		"type":    domain.TypeMessage,
		"room_id": room,
		"content": map[string]any{
			"msgtype": "m.image",
			"body":    "cat.jpg",
			"info":    map[string]any{"mimetype": "image/jpeg"},
			"file": map[string]any{
				"url":    "mxc://example.org/img1",
				"key":    map[string]any{"kty": "oct", "k": base64.RawURLEncoding.EncodeToString(key)},
				"iv":     base64.RawStdEncoding.EncodeToString(iv),
				"hashes": map[string]any{"sha256": base64.RawStdEncoding.EncodeToString(imgSum[:])},
				"v":      "v2",
			},
		},
	}

	// Chronological order, indices 0..4.
	e1 := seal(t, out, "$e1", 1000, textEnvelope("one"))
	e2 := seal(t, out, "$e2", 2000, textEnvelope("two"))
	e3 := seal(t, out, "$e3", 3000, imageEnvelope)
	e4 := seal(t, out, "$e4", 4000, textEnvelope("four"))
	e5 := seal(t, out, "$e5", 5000, textEnvelope("five"))

	stranger, err := megolm.NewOutbound()
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	e6 := seal(t, stranger, "$e6", 6000, textEnvelope("sealed away"))

	hs := &fakeHS{
		prev: "t0",
		batches: map[domain.Cursor]domain.Batch{
			// Backward pagination: newest batch first, newest event first.
			"t0": {Events: []domain.RawEvent{e6, e5, e4}, Next: "t1"},
			"t1": {Events: []domain.RawEvent{e3, e2, e1}, Next: ""},
		},
		blobs: map[string][]byte{
			"mxc://example.org/img1": imgCipher,
			"mxc://example.org/av1":  append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 32)...),
		},
		name: "Test Room",
		members: map[domain.UserID]domain.RoomMember{
			"@alice:example.org": {DisplayName: "Alice", AvatarURL: "mxc://example.org/av1"},
		},
	}
	return fixture{hs: hs, ring: ring}
}

func newPipeline(fx fixture, outDir string) *archive.Service {
	log := zerolog.Nop()
	policy := paginate.Policy{
		InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
		Multiplier: 2, MaxRetries: 1, BatchLimit: 10,
	}
	return archive.New(
		fx.hs,
		paginate.New(fx.hs, policy, log),
		decrypt.New(fx.ring, log),
		media.New(fx.hs, outDir, log),
		archive.Options{OutDir: outDir, MediaWorkers: 2},
		log,
	)
}

func readArchive(t *testing.T, path string) []domain.ArchiveRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	var out []domain.ArchiveRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r domain.ArchiveRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestArchiveRoom_EndToEnd(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()

	sum, err := newPipeline(fx, out).ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("ArchiveRoom: %v", err)
	}
	if sum.Records != 6 || sum.Staged != 6 || sum.Name != "Test Room" {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Stats.Decrypted != 5 || sum.Stats.Failed[domain.NoSessionKey] != 1 {
		t.Fatalf("stats = %+v", sum.Stats)
	}

	records := readArchive(t, filepath.Join(out, sum.Path))
	if len(records) != 6 {
		t.Fatalf("archive has %d records", len(records))
	}
	for i, id := range []string{"$e1", "$e2", "$e3", "$e4", "$e5", "$e6"} {
		if records[i].EventID != domain.EventID(id) {
			t.Fatalf("record %d = %s, want %s (chronological)", i, records[i].EventID, id)
		}
	}

	if records[0].Kind != domain.KindMessage || records[0].Body != "one" {
		t.Fatalf("record 0 = %+v", records[0])
	}
	if records[0].SenderName != "Alice" {
		t.Fatalf("sender name = %q", records[0].SenderName)
	}
	if records[5].Kind != domain.KindDecryptionFailure || records[5].Reason != string(domain.NoSessionKey) {
		t.Fatalf("record 5 = %+v", records[5])
	}

	img := records[2]
	if img.Kind != domain.KindMedia || img.Media == nil {
		t.Fatalf("image record = %+v", img)
	}
	blob, err := os.ReadFile(filepath.Join(out, img.Media.Path))
	if err != nil {
		t.Fatalf("read stored image: %v", err)
	}
	if string(blob) != "jpeg bytes go here" {
		t.Fatalf("stored image not decrypted: %q", blob)
	}

	if _, err := os.Stat(filepath.Join(out, "avatars", "_alice_example.org.png")); err != nil {
		t.Fatalf("avatar not saved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, sanitizedRoom()+".journal")); !os.IsNotExist(err) {
		t.Fatal("journal must be gone after a completed run")
	}
}

func TestArchiveRoom_RerunIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()

	if _, err := newPipeline(fx, out).ArchiveRoom(context.Background(), room); err != nil {
		t.Fatalf("first run: %v", err)
	}
	mediaDownloads := fx.hs.downloads

	sum, err := newPipeline(fx, out).ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Staged != 0 {
		t.Fatalf("rerun staged %d records, want 0", sum.Staged)
	}
	if sum.Records != 6 {
		t.Fatalf("rerun records = %d", sum.Records)
	}
	records := readArchive(t, filepath.Join(out, sum.Path))
	if len(records) != 6 {
		t.Fatalf("archive grew to %d records on rerun", len(records))
	}
	// The image was skipped by hash; only the avatar was re-fetched.
	if fx.hs.downloads != mediaDownloads+1 {
		t.Fatalf("downloads = %d after rerun, want %d", fx.hs.downloads, mediaDownloads+1)
	}
}

func TestArchiveRoom_CrashBeforeFirstCheckpointRestartsWalk(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()

	// A run killed during its first batch leaves staged records but no
	// checkpoint line. The next run must walk the room again, not mistake the
	// stub for a finished walk.
	j, err := store.OpenJournal(filepath.Join(out, sanitizedRoom()+".journal"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	err = j.Append(domain.ArchiveRecord{
		EventID: "$e6", Timestamp: 6000, Sender: "@alice:example.org",
		Kind: domain.KindDecryptionFailure, Reason: string(domain.NoSessionKey),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	sum, err := newPipeline(fx, out).ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("ArchiveRoom: %v", err)
	}
	if sum.Records != 6 {
		t.Fatalf("records = %d, want 6 (walk must not be skipped)", sum.Records)
	}
	records := readArchive(t, filepath.Join(out, sum.Path))
	for i, id := range []string{"$e1", "$e2", "$e3", "$e4", "$e5", "$e6"} {
		if records[i].EventID != domain.EventID(id) {
			t.Fatalf("record %d = %s, want %s (chronological)", i, records[i].EventID, id)
		}
	}

	// A further rerun stays stable.
	sum, err = newPipeline(fx, out).ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if sum.Records != 6 || sum.Staged != 0 {
		t.Fatalf("rerun summary = %+v", sum)
	}
}

func TestArchiveRoom_PerRunStats(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()
	pipeline := newPipeline(fx, out)

	first, err := pipeline.ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Stats.Decrypted != 5 || first.Stats.Failed[domain.NoSessionKey] != 1 {
		t.Fatalf("first stats = %+v", first.Stats)
	}

	// Same pipeline, second room pass: nothing new was decrypted, so the
	// summary must not carry the first run's counts.
	second, err := pipeline.ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Stats.Decrypted != 0 || second.Stats.Failed[domain.NoSessionKey] != 0 {
		t.Fatalf("second stats = %+v, want zeroes", second.Stats)
	}
}

func TestArchiveRoom_NoMediaSkipsDownloads(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()
	log := zerolog.Nop()
	policy := paginate.Policy{
		InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
		Multiplier: 2, MaxRetries: 1, BatchLimit: 10,
	}
	svc := archive.New(
		fx.hs,
		paginate.New(fx.hs, policy, log),
		decrypt.New(fx.ring, log),
		media.New(fx.hs, out, log),
		archive.Options{OutDir: out, NoMedia: true, MediaWorkers: 2},
		log,
	)

	sum, err := svc.ArchiveRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("ArchiveRoom: %v", err)
	}
	if fx.hs.downloads != 0 {
		t.Fatalf("downloads = %d, want 0", fx.hs.downloads)
	}
	records := readArchive(t, filepath.Join(out, sum.Path))
	if records[2].Kind != domain.KindMedia || records[2].Media != nil {
		t.Fatalf("media record = %+v", records[2])
	}
}

func sanitizedRoom() string { return "_room_example.org" }
