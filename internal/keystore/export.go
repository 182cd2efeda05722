package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"marchive/internal/util/memzero"
)

const (
	armorHeader = "-----BEGIN MEGOLM SESSION DATA-----"
	armorFooter = "-----END MEGOLM SESSION DATA-----"

	bundleVersion = 0x01

	saltLength       = 16
	ivLength         = 16
	roundsLength     = 4
	macLength        = sha256.Size
	derivedKeyLength = 64

	headerLength = 1 + saltLength + ivLength + roundsLength

	armorLineWidth = 96
)

var (
	// ErrWrongPassphrase is returned when the bundle's HMAC does not verify:
	// the passphrase is wrong or the ciphertext was modified.
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase for key bundle")

	// ErrBadBundle is returned when the file is not a key bundle at all or
	// uses an unsupported format version.
	ErrBadBundle = errors.New("keystore: malformed key bundle")
)

// decodeArmor strips the BEGIN/END armor lines and decodes the base64 body.
func decodeArmor(data []byte) ([]byte, error) {
	var body []byte
	inBody := false
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.Equal(line, []byte(armorHeader)):
			inBody = true
		case bytes.Equal(line, []byte(armorFooter)):
			raw := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
			n, err := base64.StdEncoding.Decode(raw, body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
			}
			return raw[:n], nil
		case inBody:
			body = append(body, line...)
		}
	}
	return nil, fmt.Errorf("%w: missing armor", ErrBadBundle)
}

// openBundle authenticates and decrypts an armored bundle, returning the
// JSON payload. The derived key is wiped before returning.
func openBundle(data []byte, passphrase string) ([]byte, error) {
	raw, err := decodeArmor(data)
	if err != nil {
		return nil, err
	}
	if len(raw) < headerLength+macLength {
		return nil, fmt.Errorf("%w: truncated", ErrBadBundle)
	}
	if raw[0] != bundleVersion {
		return nil, fmt.Errorf("%w: unsupported version %#x", ErrBadBundle, raw[0])
	}

	salt := raw[1 : 1+saltLength]
	iv := raw[1+saltLength : 1+saltLength+ivLength]
	rounds := binary.BigEndian.Uint32(raw[1+saltLength+ivLength : headerLength])

	key := pbkdf2.Key([]byte(passphrase), salt, int(rounds), derivedKeyLength, sha512.New)
	defer memzero.Zero(key)

	body := raw[:len(raw)-macLength]
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), raw[len(raw)-macLength:]) {
		return nil, ErrWrongPassphrase
	}

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body)-headerLength)
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, body[headerLength:])
	return plaintext, nil
}

// sealBundle encrypts payload under passphrase and wraps it in armor. The
// inverse of openBundle; used for re-export and fixtures.
func sealBundle(payload []byte, passphrase string, rounds int) ([]byte, error) {
	header := make([]byte, headerLength)
	header[0] = bundleVersion
	if _, err := rand.Read(header[1 : 1+saltLength+ivLength]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(header[1+saltLength+ivLength:], uint32(rounds))

	key := pbkdf2.Key([]byte(passphrase), header[1:1+saltLength], rounds, derivedKeyLength, sha512.New)
	defer memzero.Zero(key)

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerLength+len(payload)+macLength)
	copy(out, header)
	cipher.NewCTR(block, header[1+saltLength:1+saltLength+ivLength]).
		XORKeyStream(out[headerLength:headerLength+len(payload)], payload)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out[:headerLength+len(payload)])
	copy(out[headerLength+len(payload):], mac.Sum(nil))

	return armor(out), nil
}

func armor(raw []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(raw)
	var buf bytes.Buffer
	buf.WriteString(armorHeader)
	buf.WriteByte('\n')
	for len(b64) > 0 {
		n := armorLineWidth
		if n > len(b64) {
			n = len(b64)
		}
		buf.WriteString(b64[:n])
		buf.WriteByte('\n')
		b64 = b64[n:]
	}
	buf.WriteString(armorFooter)
	buf.WriteByte('\n')
	return buf.Bytes()
}
