package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLen     = 32
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
	cryptoSalt = "relai-credential-salt"
)

// deriveKey stretches the bot token into an AES-256 key. The token is
// the one secret the operator already has to protect, so credentials
// sealed with it are no weaker than the deployment itself.
func deriveKey(botToken string) ([]byte, error) {
	if botToken == "" {
		return nil, fmt.Errorf("store: empty encryption secret")
	}
	key, err := scrypt.Key([]byte(botToken), []byte(cryptoSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	return key, nil
}

type sealer struct {
	aead cipher.AEAD
}

func newSealer(botToken string) (*sealer, error) {
	key, err := deriveKey(botToken)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: new gcm: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext||tag).
func (s *sealer) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *sealer) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("store: decode sealed value: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("store: sealed value too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("store: open sealed value: %w", err)
	}
	return string(plain), nil
}

// MaskKey renders an API key safe for display and logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
