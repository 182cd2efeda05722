package megolm

import (
	"crypto/ed25519"
	"errors"
	"testing"
)

// forged builds a packet whose signature verifies but whose MAC was computed
// with the wrong key, to exercise the BadMac path in isolation.
func TestInbound_BadMacWithValidSignature(t *testing.T) {
	out, err := NewOutbound()
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	in, err := ParseSessionKey(out.SessionKey())
	if err != nil {
		t.Fatalf("ParseSessionKey: %v", err)
	}

	keys, err := deriveKeys(out.ratchet.State())
	if err != nil {
		t.Fatalf("deriveKeys: %v", err)
	}
	ct, err := encryptCBC(keys, []byte("hello"))
	if err != nil {
		t.Fatalf("encryptCBC: %v", err)
	}
	body := buildPacketBody(out.ratchet.Index(), ct)

	var wrong messageKeys // zero HMAC key
	packet := append(body, computeMAC(wrong, body)...)
	packet = append(packet, ed25519.Sign(out.signingKey, packet)...)

	if _, _, err := in.Decrypt(packet); !errors.Is(err, ErrBadMac) {
		t.Fatalf("got %v, want ErrBadMac", err)
	}
}

func TestParsePacket_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":       nil,
		"short":       {packetVersion, 0x08},
		"bad version": append([]byte{0x02}, make([]byte, 80)...),
		"bad tag":     append([]byte{packetVersion, 0x7f}, make([]byte, macLength+signatureLength)...),
	}
	for name, raw := range cases {
		if _, err := parsePacket(raw); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}
