package crypto

import (
	"bytes"
	"testing"

	"github.com/fernet/fernet-go"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer()
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"host":"gw","secret":"hunter2"}`)
	tok, err := s.Seal(plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(tok, []byte("hunter2")) {
		t.Fatal("token leaks plaintext")
	}
	got, err := s.Open(tok)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestOpenRejectsForeignToken(t *testing.T) {
	a, _ := NewSealer()
	b, _ := NewSealer()
	tok, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(tok); err == nil {
		t.Error("token sealed with another key must not open")
	}
	if _, err := a.Open(nil); err == nil {
		t.Error("empty token must not open")
	}
	tampered := append([]byte{}, tok...)
	tampered[len(tampered)-2] ^= 0x01
	if _, err := a.Open(tampered); err == nil {
		t.Error("tampered token must not open")
	}
}

func TestNewSealerFromKey(t *testing.T) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatal(err)
	}
	s1, err := NewSealerFromKey(k.Encode())
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := NewSealerFromKey(k.Encode())
	tok, _ := s1.Seal([]byte("x"))
	if got, err := s2.Open(tok); err != nil || string(got) != "x" {
		t.Errorf("shared key should open: %q %v", got, err)
	}
	if _, err := NewSealerFromKey("not-a-key"); err == nil {
		t.Error("invalid key should fail")
	}
}
