// Package crypto seals secrets kept in memory for the life of the process.
//
// Tunnel requests are retained so a dropped tunnel can be re-created without
// asking the user again. The retained credentials are sealed with a fernet
// key generated at startup and never written anywhere, so a heap dump or a
// stray log line shows only ciphertext.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// Sealer encrypts and authenticates opaque payloads with a per-process key.
type Sealer struct {
	keys []*fernet.Key
}

// NewSealer generates a fresh random key.
func NewSealer() (*Sealer, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate sealing key: %w", err)
	}
	return &Sealer{keys: []*fernet.Key{&k}}, nil
}

// NewSealerFromKey uses an encoded fernet key, e.g. one shared by tests.
func NewSealerFromKey(encoded string) (*Sealer, error) {
	k, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	return &Sealer{keys: []*fernet.Key{k}}, nil
}

// Seal encrypts plaintext into a fernet token.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.keys[0])
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return tok, nil
}

// Open verifies and decrypts a token produced by Seal. Tokens never expire.
func (s *Sealer) Open(token []byte) ([]byte, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("open: empty token")
	}
	msg := fernet.VerifyAndDecrypt(token, 0*time.Second, s.keys)
	if msg == nil {
		return nil, fmt.Errorf("open: invalid token")
	}
	return msg, nil
}
