// Package crypt implements field-level encryption for secrets stored at rest.
//
// Values are sealed with AES-256-GCM. The stored form is a pair of hex strings:
// "<ciphertext>:<tag>" and a separate IV, which is the layout legacy rows use.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required symmetric key length in bytes.
	KeySize = 32

	ivSize  = 12
	tagSize = 16

	defaultTokenBytes = 32
)

var (
	ErrConfiguration = errors.New("crypt: invalid configuration")
	ErrDecryption    = errors.New("crypt: decryption failed")
)

// Sealed is an encrypted value ready for storage.
type Sealed struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
}

// Box seals and opens values with a single process-wide key.
type Box struct {
	key []byte
}

// ParseKey decodes a hex encoded key and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: encryption key is not set", ErrConfiguration)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key must be hex encoded", ErrConfiguration)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}
	return key, nil
}

// New constructs a Box. The key is copied.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Box{key: k}, nil
}

// NewFromHex is ParseKey followed by New.
func NewFromHex(encoded string) (*Box, error) {
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random IV.
func (b *Box) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	gcm, err := b.aead(ivSize)
	if err != nil {
		return Sealed{}, err
	}
	out := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]
	return Sealed{
		Encrypted: hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag),
		IV:        hex.EncodeToString(iv),
	}, nil
}

// Decrypt opens a value produced by Encrypt. Any malformed input or a failed
// authentication check yields ErrDecryption.
func (b *Box) Decrypt(encrypted, iv string) (string, error) {
	idx := strings.LastIndex(encrypted, ":")
	if idx < 0 {
		return "", fmt.Errorf("%w: missing tag delimiter", ErrDecryption)
	}
	ct, err := hex.DecodeString(encrypted[:idx])
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}
	tag, err := hex.DecodeString(encrypted[idx+1:])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: malformed tag", ErrDecryption)
	}
	nonce, err := hex.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: malformed iv", ErrDecryption)
	}
	// legacy rows were written with 16 byte IVs
	if len(nonce) != ivSize && len(nonce) != 16 {
		return "", fmt.Errorf("%w: unexpected iv length %d", ErrDecryption, len(nonce))
	}
	gcm, err := b.aead(len(nonce))
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plain), nil
}

// Key returns a copy of the configured key for derivation of purpose-bound subkeys.
func (b *Box) Key() []byte {
	k := make([]byte, len(b.key))
	copy(k, b.key)
	return k
}

func (b *Box) aead(nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if nonceSize == ivSize {
		return cipher.NewGCM(block)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Hash returns a deterministic SHA-256 hex digest. Not for passwords.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns n cryptographically random bytes hex encoded.
// n <= 0 selects the default of 32 bytes.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = defaultTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
