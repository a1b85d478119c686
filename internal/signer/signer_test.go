package signer

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestSignEmptyMessage(t *testing.T) {
	s := New("")
	if _, err := s.Sign("e", "", 1700000000000); err != ErrSigningInputMissing {
		t.Fatalf("expected ErrSigningInputMissing, got %v", err)
	}
}

func TestSignDeterministic(t *testing.T) {
	s := New("secret")
	a, err := s.Sign("requestId,r1,timestamp,1700000000000,user_id,u1", "hello", 1700000000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := s.Sign("requestId,r1,timestamp,1700000000000,user_id,u1", "hello", 1700000000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("signature not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if _, err = hex.DecodeString(a); err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}
}

func TestSignWindowStability(t *testing.T) {
	s := New("secret")

	// Both timestamps sit inside the same 5-minute bucket.
	t1 := int64(1700000000000)
	t2 := t1 + 50_000
	if t1/300000 != t2/300000 {
		t.Fatal("test timestamps must share a window")
	}

	if s.IntermediateKey(t1) != s.IntermediateKey(t2) {
		t.Fatal("intermediate key changed within one window")
	}
	sig1, _ := s.Sign("e", "m", t1)
	sig2, _ := s.Sign("e", "m", t2)
	if sig1 == sig2 {
		t.Fatal("final signature must embed the literal timestamp")
	}

	// Crossing a window boundary changes the intermediate key too.
	t3 := t1 + 300_000
	if s.IntermediateKey(t1) == s.IntermediateKey(t3) {
		t.Fatal("intermediate key did not rotate across windows")
	}
}

func TestRootKeyResolution(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   []byte
	}{
		{"empty uses default", "", []byte(defaultRootKey)},
		{"even hex decodes", "deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"odd length stays raw", "abc", []byte("abc")},
		{"even non-hex stays raw", "zzzz", []byte("zzzz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveRootKey(tt.secret)
			if string(got) != string(tt.want) {
				t.Errorf("resolveRootKey(%q) = %x, want %x", tt.secret, got, tt.want)
			}
		})
	}
}

func TestSecretChangesSignature(t *testing.T) {
	a, _ := New("one").Sign("e", "m", 1700000000000)
	b, _ := New("two").Sign("e", "m", 1700000000000)
	if a == b {
		t.Fatal("different secrets produced the same signature")
	}
	if strings.EqualFold(a, b) {
		t.Fatal("signatures unexpectedly equal ignoring case")
	}
}
