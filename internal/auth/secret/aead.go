package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	SaltSize  = 16
	NonceSize = 12
	keySize   = 32
)

var (
	ErrEmptyKey = errors.New("secret: key material is required")
	ErrDecrypt  = errors.New("secret: decrypt failed")
)

// Sealed is an AES-256-GCM ciphertext whose key was derived from a master
// secret and the per-message Salt.
type Sealed struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Seal encrypts plaintext under a key derived with HKDF-SHA256 from master, a
// fresh random salt and info.
func Seal(master []byte, info string, plaintext []byte) (Sealed, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Sealed{}, fmt.Errorf("secret: salt generation failed: %w", err)
	}
	aead, err := deriveAEAD(master, salt, info)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("secret: nonce generation failed: %w", err)
	}
	return Sealed{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open authenticates and decrypts s. Any modification of salt, nonce or
// ciphertext yields ErrDecrypt.
func Open(master []byte, info string, s Sealed) ([]byte, error) {
	if len(s.Salt) != SaltSize || len(s.Nonce) != NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := deriveAEAD(master, s.Salt, info)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func deriveAEAD(master, salt []byte, info string) (cipher.AEAD, error) {
	if len(master) == 0 {
		return nil, ErrEmptyKey
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: create gcm: %w", err)
	}
	return aead, nil
}
