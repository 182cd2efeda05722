package megolm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	packetVersion = 0x03

	tagMessageIndex = 0x08
	tagCiphertext   = 0x12

	macLength       = 8
	signatureLength = 64

	aesKeyLength  = 32
	hmacKeyLength = 32
	ivLength      = 16
)

var (
	// ErrBadMac is returned when the packet fails HMAC authentication.
	ErrBadMac = errors.New("megolm: message authentication failed")
	// ErrBadSignature is returned when the session signature does not verify.
	ErrBadSignature = errors.New("megolm: signature verification failed")
	// ErrBadPacket is returned for structurally invalid packets.
	ErrBadPacket = errors.New("megolm: malformed packet")
)

// messageKeys holds the per-index cipher material derived from the ratchet.
type messageKeys struct {
	aesKey  [aesKeyLength]byte
	hmacKey [hmacKeyLength]byte
	iv      [ivLength]byte
}

// deriveKeys expands the full ratchet state at one index into AES key, HMAC
// key and CBC IV via HKDF-SHA256 with a zero salt and the "MEGOLM_KEYS" info.
func deriveKeys(ratchetState []byte) (messageKeys, error) {
	var mk messageKeys
	salt := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, ratchetState, salt, []byte("MEGOLM_KEYS"))
	buf := make([]byte, aesKeyLength+hmacKeyLength+ivLength)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return mk, err
	}
	copy(mk.aesKey[:], buf)
	copy(mk.hmacKey[:], buf[aesKeyLength:])
	copy(mk.iv[:], buf[aesKeyLength+hmacKeyLength:])
	return mk, nil
}

// packet is the decoded wire form: version byte, varint-tagged message index
// and ciphertext, then the truncated MAC and the Ed25519 signature.
type packet struct {
	index      uint32
	ciphertext []byte
	body       []byte // version + fields; what the MAC covers
	mac        []byte
	signed     []byte // body + mac; what the signature covers
	signature  []byte
}

func parsePacket(raw []byte) (packet, error) {
	var p packet
	if len(raw) < 1+macLength+signatureLength {
		return p, ErrBadPacket
	}
	if raw[0] != packetVersion {
		return p, ErrBadPacket
	}
	trailer := len(raw) - macLength - signatureLength
	p.body = raw[:trailer]
	p.mac = raw[trailer : trailer+macLength]
	p.signed = raw[:trailer+macLength]
	p.signature = raw[trailer+macLength:]

	rest := p.body[1:]
	var sawIndex, sawCiphertext bool
	for len(rest) > 0 {
		tag := rest[0]
		rest = rest[1:]
		switch tag {
		case tagMessageIndex:
			v, n := binary.Uvarint(rest)
			if n <= 0 || v > uint64(^uint32(0)) {
				return p, ErrBadPacket
			}
			p.index = uint32(v)
			rest = rest[n:]
			sawIndex = true
		case tagCiphertext:
			l, n := binary.Uvarint(rest)
			if n <= 0 || uint64(len(rest)-n) < l {
				return p, ErrBadPacket
			}
			p.ciphertext = rest[n : n+int(l)]
			rest = rest[n+int(l):]
			sawCiphertext = true
		default:
			return p, ErrBadPacket
		}
	}
	if !sawIndex || !sawCiphertext {
		return p, ErrBadPacket
	}
	return p, nil
}

// buildPacketBody encodes the version byte and tagged fields.
func buildPacketBody(index uint32, ciphertext []byte) []byte {
	var scratch [binary.MaxVarintLen64]byte
	body := make([]byte, 0, 1+2+2*binary.MaxVarintLen32+len(ciphertext))
	body = append(body, packetVersion, tagMessageIndex)
	n := binary.PutUvarint(scratch[:], uint64(index))
	body = append(body, scratch[:n]...)
	body = append(body, tagCiphertext)
	n = binary.PutUvarint(scratch[:], uint64(len(ciphertext)))
	body = append(body, scratch[:n]...)
	return append(body, ciphertext...)
}

// verifyMAC checks the truncated HMAC-SHA256 over the packet body.
func verifyMAC(keys messageKeys, p packet) bool {
	mac := hmac.New(sha256.New, keys.hmacKey[:])
	mac.Write(p.body)
	return hmac.Equal(mac.Sum(nil)[:macLength], p.mac)
}

func computeMAC(keys messageKeys, body []byte) []byte {
	mac := hmac.New(sha256.New, keys.hmacKey[:])
	mac.Write(body)
	return mac.Sum(nil)[:macLength]
}

// decryptCBC opens the AES-256-CBC payload and strips PKCS#7 padding.
func decryptCBC(keys messageKeys, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPacket
	}
	block, err := aes.NewCipher(keys.aesKey[:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.iv[:]).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, ErrBadPacket
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPacket
		}
	}
	return plain[:len(plain)-pad], nil
}

// encryptCBC seals plaintext with AES-256-CBC and PKCS#7 padding.
func encryptCBC(keys messageKeys, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keys.aesKey[:])
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, keys.iv[:]).CryptBlocks(padded, padded)
	return padded, nil
}
