package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new keystores.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32

	keystoreVersion = 1
)

// MinPasswordLength is the shortest keystore password accepted.
const MinPasswordLength = 8

// Keystore is a mnemonic encrypted with Argon2id + AES-256-GCM, as stored
// on disk.
type Keystore struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

type kdfParams struct {
	time        uint32
	memory      uint32
	parallelism uint8
}

var defaultKDF = kdfParams{time: argon2Time, memory: argon2Memory, parallelism: argon2Parallelism}

// EncryptMnemonic encrypts mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*Keystore, error) {
	return encryptMnemonic(mnemonic, password, defaultKDF)
}

func encryptMnemonic(mnemonic, password string, p kdfParams) (*Keystore, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !bip39.IsMnemonicValid(strings.TrimSpace(mnemonic)) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, p)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Keystore{
		Version:     keystoreVersion,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(strings.TrimSpace(mnemonic)), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        p.time,
		Memory:      p.memory,
		Parallelism: p.parallelism,
	}, nil
}

// DecryptMnemonic opens a keystore.
func DecryptMnemonic(ks *Keystore, password string) (string, error) {
	p := kdfParams{time: ks.Time, memory: ks.Memory, parallelism: ks.Parallelism}
	if p.time == 0 {
		p.time = argon2Time
	}
	if p.memory == 0 {
		p.memory = argon2Memory
	}
	if p.parallelism == 0 {
		p.parallelism = argon2Parallelism
	}

	gcm, err := newGCM(password, ks.Salt, p)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, ks.Nonce, ks.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt (wrong password?): %w", err)
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

func newGCM(password string, salt []byte, p kdfParams) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.parallelism, argon2KeyLen)
	defer SecureClear(key)

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

// SaveKeystore writes ks to path with owner-only permissions.
func SaveKeystore(ks *Keystore, path string) error {
	if path == "" {
		return fmt.Errorf("keystore path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

// LoadKeystore reads a keystore written by SaveKeystore.
func LoadKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", ks.Version)
	}
	return &ks, nil
}

// LoadMnemonic reads a mnemonic from path. Encrypted keystores are opened
// with password; any other file is read as a plain-text mnemonic.
func LoadMnemonic(path, password string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	defer SecureClear(data)

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var ks Keystore
		if err := json.Unmarshal(data, &ks); err != nil {
			return "", fmt.Errorf("failed to parse keystore: %w", err)
		}
		return DecryptMnemonic(&ks, password)
	}
	if !bip39.IsMnemonicValid(trimmed) {
		return "", fmt.Errorf("mnemonic file %s does not hold a valid mnemonic", path)
	}
	return trimmed, nil
}

// ValidatePassword requires MinPasswordLength characters drawn from at
// least three of: upper case, lower case, digits, symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}

	classes := make(map[string]bool, 4)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["digit"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["symbol"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must mix at least 3 of: upper case, lower case, digits, symbols")
	}
	return nil
}

// SecureClear overwrites b with zeros.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
