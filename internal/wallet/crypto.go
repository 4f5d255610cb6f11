// Package wallet - encrypted seed storage.
// The mnemonic file is either the plain seed phrase or a JSON envelope
// produced by EncryptMnemonic (Argon2id + AES-256-GCM).
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommendations).
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// EncryptedSeed is the on-disk envelope of an encrypted mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a mnemonic with a password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted seed envelope.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	key := argon2.IDKey([]byte(password), encrypted.Salt,
		encrypted.Time, encrypted.Memory, encrypted.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes an encrypted seed envelope to a file.
func SaveEncryptedSeed(encrypted *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadMnemonicFile reads a mnemonic from a file. A file starting with '{'
// is treated as an encrypted envelope and decrypted with password;
// otherwise the trimmed file content is the phrase itself.
func LoadMnemonicFile(path, password string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read mnemonic file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, "{") {
		var encrypted EncryptedSeed
		if err := json.Unmarshal([]byte(content), &encrypted); err != nil {
			return "", fmt.Errorf("failed to parse encrypted seed: %w", err)
		}
		if password == "" {
			return "", fmt.Errorf("mnemonic file is encrypted but no password given")
		}
		return DecryptMnemonic(&encrypted, password)
	}

	if !bip39.IsMnemonicValid(content) {
		return "", fmt.Errorf("mnemonic file does not contain a valid seed phrase")
	}
	return content, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
