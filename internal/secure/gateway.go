package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Gateway encrypts and decrypts opaque message payloads.
type Gateway interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// EncryptionError is returned for any encrypt/decrypt failure. Callers abort
// the operation and do not retry.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

var (
	errMalformed = errors.New("malformed envelope")
	errNoSecret  = errors.New("encryption secret is empty")
)

const hkdfInfo = "corelink message payload v1"

// AEAD is a Gateway backed by ChaCha20-Poly1305. Envelopes have the form
// nonceHex:ciphertextHex:tagHex.
type AEAD struct {
	key  []byte
	rand io.Reader
}

var _ Gateway = (*AEAD)(nil)

// NewAEAD derives a 256-bit key from secret with HKDF-SHA256.
func NewAEAD(secret, salt string) (*AEAD, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, &EncryptionError{Op: "init", Err: errNoSecret}
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, &EncryptionError{Op: "init", Err: err}
	}
	return &AEAD{key: key, rand: rand.Reader}, nil
}

func (a *AEAD) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return "", &EncryptionError{Op: "encrypt", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(a.rand, nonce); err != nil {
		return "", &EncryptionError{Op: "encrypt", Err: fmt.Errorf("read nonce: %w", err)}
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - aead.Overhead()
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(sealed[:split]),
		hex.EncodeToString(sealed[split:]),
	}, ":"), nil
}

func (a *AEAD) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", &EncryptionError{Op: "decrypt", Err: errMalformed}
	}
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != aead.NonceSize() {
		return "", &EncryptionError{Op: "decrypt", Err: errMalformed}
	}
	body, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: errMalformed}
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != aead.Overhead() {
		return "", &EncryptionError{Op: "decrypt", Err: errMalformed}
	}
	plain, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}
