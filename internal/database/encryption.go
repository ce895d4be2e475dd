package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionSalt   = "wanderlink-cache-salt-v1"
	nonceSize        = 12
	keySize          = 32
	pbkdf2Iterations = 100000
	minSecretLength  = 32
	envEnableCrypto  = "WANDERLINK_ENABLE_ENCRYPTION"
	envEncryptionKey = "WANDERLINK_ENCRYPTION_SECRET"
	encryptedPrefix  = "enc:"
)

type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds the payload encryptor from the environment. When
// encryption is disabled payloads are stored as plain JSON.
func NewEncryptor() (*encryptor, error) {
	if os.Getenv(envEnableCrypto) != "true" {
		return &encryptor{}, nil
	}

	secret := os.Getenv(envEncryptionKey)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", envEncryptionKey)
	}
	return NewEncryptorWithSecret(secret)
}

// NewEncryptorWithSecret derives an AES-256-GCM key from secret
func NewEncryptorWithSecret(secret string) (*encryptor, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(encryptionSalt), pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt reverses Encrypt. Values written before encryption was enabled
// carry no prefix and are returned as-is.
func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if len(ciphertext) < len(encryptedPrefix) || ciphertext[:len(encryptedPrefix)] != encryptedPrefix {
		return ciphertext, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("value is encrypted but encryption is disabled")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[len(encryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
