package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("oauth:supersecrettoken")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "oauth:supersecrettoken" {
		t.Fatal("sealed value equals plaintext")
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "oauth:supersecrettoken" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestSealEmptyPassesThrough(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("Seal(\"\") = %q, %v; want empty, nil", sealed, err)
	}
	plain, err := s.Open("")
	if err != nil || plain != "" {
		t.Errorf("Open(\"\") = %q, %v; want empty, nil", plain, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
	if _, err := s.Open("not-base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Error("expected error for empty key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("tooshort"))
	if _, err := NewSealer(short); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("expected 32-byte key error, got %v", err)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	s := testSealer(t)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}
