package media

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marchive/internal/domain"
)

const (
	mediaDir  = "media"
	avatarDir = "avatars"
)

// ErrIntegrity is returned when a downloaded blob does not match the hash its
// event advertised. The blob is discarded, never written.
var ErrIntegrity = errors.New("media: downloaded blob failed hash verification")

// Downloader fetches raw bytes behind an mxc:// URI. Satisfied by the
// homeserver client.
type Downloader interface {
	Download(ctx context.Context, mxcURL string) ([]byte, error)
}

// Service resolves media references into files under the archive directory.
// Safe for concurrent use by the pipeline's download workers: distinct blobs
// never collide and identical blobs converge on the same rename target.
type Service struct {
	dl  Downloader
	out string
	log zerolog.Logger
}

// New constructs a resolver writing beneath the given archive directory.
func New(dl Downloader, outDir string, log zerolog.Logger) *Service {
	return &Service{dl: dl, out: outDir, log: log}
}

// Resolve fetches, verifies and stores the referenced blob, returning its
// archive-relative location. When the reference carries a hash and the blob
// is already on disk the download is skipped entirely.
func (s *Service) Resolve(ctx context.Context, ref *domain.MediaReference, eventTS int64) (*domain.MediaFile, error) {
	if len(ref.SHA256) == sha256.Size {
		if f, ok := s.existing(hex.EncodeToString(ref.SHA256)); ok {
			return f, nil
		}
	}

	blob, err := s.dl.Download(ctx, ref.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref.URL, err)
	}
	sum := sha256.Sum256(blob)
	if len(ref.SHA256) == sha256.Size && !bytes.Equal(sum[:], ref.SHA256) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, ref.URL)
	}
	// Events without a declared hash can still point at an archived blob.
	if f, ok := s.existing(hex.EncodeToString(sum[:])); ok {
		return f, nil
	}

	if ref.Encrypted {
		blob, err = decryptCTR(ref.Key, ref.IV, blob)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", ref.URL, err)
		}
	}

	rel := filepath.Join(mediaDir, hex.EncodeToString(sum[:])+s.ext(ref))
	if err := s.write(rel, blob, eventTS); err != nil {
		return nil, err
	}
	s.log.Debug().Str("url", ref.URL).Str("path", rel).Int("size", len(blob)).Msg("stored attachment")
	return &domain.MediaFile{
		Path:   rel,
		Size:   int64(len(blob)),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

// SaveAvatar stores a member's avatar under avatars/, named by user id. An
// avatar already on disk is left alone.
func (s *Service) SaveAvatar(ctx context.Context, user domain.UserID, mxcURL string) (string, error) {
	blob, err := s.dl.Download(ctx, mxcURL)
	if err != nil {
		return "", fmt.Errorf("download avatar for %s: %w", user, err)
	}
	rel := filepath.Join(avatarDir, sanitize(user.String())+extForContent(blob))
	if _, err := os.Stat(filepath.Join(s.out, rel)); err == nil {
		return rel, nil
	}
	if err := s.write(rel, blob, 0); err != nil {
		return "", err
	}
	return rel, nil
}

// existing reports whether a blob with the given hash is already archived.
// The extension is a display nicety, never part of the dedup key, so any
// extension counts.
func (s *Service) existing(hexSum string) (*domain.MediaFile, bool) {
	matches, err := filepath.Glob(filepath.Join(s.out, mediaDir, hexSum+".*"))
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		return nil, false
	}
	rel, err := filepath.Rel(s.out, matches[0])
	if err != nil {
		return nil, false
	}
	s.log.Debug().Str("path", rel).Msg("attachment already archived, skipping download")
	return &domain.MediaFile{Path: rel, Size: info.Size(), SHA256: hexSum}, true
}

// write lands data at the archive-relative path via temp file and rename.
func (s *Service) write(rel string, data []byte, eventTS int64) error {
	abs := filepath.Join(s.out, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(abs), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalise %s: %w", rel, err)
	}
	if eventTS > 0 {
		mtime := time.UnixMilli(eventTS)
		if err := os.Chtimes(abs, mtime, mtime); err != nil {
			return fmt.Errorf("set mtime on %s: %w", rel, err)
		}
	}
	return nil
}

// ext picks a file extension, preferring the sender's filename over the
// declared mime type.
func (s *Service) ext(ref *domain.MediaReference) string {
	if e := filepath.Ext(ref.Filename); e != "" {
		return strings.ToLower(e)
	}
	if ref.MimeType != "" {
		if exts, err := mime.ExtensionsByType(ref.MimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func extForContent(blob []byte) string {
	switch http.DetectContentType(blob) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func decryptCTR(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return plain, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
