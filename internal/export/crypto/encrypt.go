// Package crypto seals export snapshots with a passphrase using AES-256-GCM.
// The passphrase is never stored; it must be supplied again on restore.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidPassword is returned when the passphrase does not open the snapshot.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidArchive is returned when the sealed data is malformed.
	ErrInvalidArchive = errors.New("invalid sealed snapshot")
)

const (
	// PasswordMinLength is the minimum accepted passphrase length.
	PasswordMinLength = 8
	// SaltLength is the length of the random key-derivation salt.
	SaltLength = 32
	// Iterations is the PBKDF2-SHA256 work factor.
	Iterations = 100000

	nonceLength = 12
	version     = 1
)

// magic prefixes every sealed snapshot.
var magic = []byte("SSNAP")

// headerLength is magic + version + salt + nonce.
var headerLength = len(magic) + 1 + SaltLength + nonceLength

// IsSealed reports whether data starts with a sealed-snapshot header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Seal encrypts data under password. The output carries the salt and nonce
// in a fixed-size header.
func Seal(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerLength)
	header = append(header, magic...)
	header = append(header, version)

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	header = append(header, salt...)
	header = append(header, nonce...)

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	// The header is authenticated as additional data.
	out := append([]byte(nil), header...)
	return gcm.Seal(out, nonce, data, header), nil
}

// Open decrypts data produced by Seal.
func Open(data []byte, password string) ([]byte, error) {
	if !IsSealed(data) || len(data) < headerLength {
		return nil, ErrInvalidArchive
	}
	if v := data[len(magic)]; v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, v)
	}

	header := data[:headerLength]
	salt := header[len(magic)+1 : len(magic)+1+SaltLength]
	nonce := header[len(magic)+1+SaltLength:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[headerLength:], header)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ValidatePassword checks the minimum passphrase requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", PasswordMinLength)
	}
	return nil
}
