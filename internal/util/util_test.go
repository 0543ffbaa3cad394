package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestHKDF(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	t.Run("Deterministic", func(t *testing.T) {
		a, err := HKDF(seed, nil, []byte("audit-chain"))
		if err != nil {
			t.Fatalf("HKDF failed: %v", err)
		}
		b, err := HKDF(seed, nil, []byte("audit-chain"))
		if err != nil {
			t.Fatalf("HKDF failed: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Error("expected identical output for identical input")
		}
		if len(a) != HKDFKeyLength {
			t.Errorf("expected %d bytes, got %d", HKDFKeyLength, len(a))
		}
	})

	t.Run("InfoSeparatesKeys", func(t *testing.T) {
		a, _ := HKDF(seed, nil, []byte("audit-chain"))
		b, _ := HKDF(seed, nil, []byte("audit-export"))
		if bytes.Equal(a, b) {
			t.Error("expected different keys for different info")
		}
	})
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken("sg_", 32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	b, err := RandomToken("sg_", 32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	if !strings.HasPrefix(a, "sg_") {
		t.Errorf("expected prefix sg_, got %q", a)
	}
	if len(a) != len("sg_")+64 {
		t.Errorf("expected 67 chars, got %d", len(a))
	}
	if a == b {
		t.Error("tokens should be unique")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestNormalizeID(t *testing.T) {
	composed := "josé"
	decomposed := "josé"
	if NormalizeID(decomposed) != NormalizeID(composed) {
		t.Error("expected NFC forms to match")
	}
	if NormalizeID("  alice \n") != "alice" {
		t.Errorf("expected whitespace trimmed, got %q", NormalizeID("  alice \n"))
	}
}

func TestHexRoundTrip(t *testing.T) {
	in := []byte{0xde, 0xad, 0xbe, 0xef}
	out, err := HexDecode(" " + HexEncode(in) + "\n")
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("expected %x, got %x", in, out)
	}
}
