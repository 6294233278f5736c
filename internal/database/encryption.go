package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionEnabledEnv = "DM_ENABLE_ENCRYPTION"
	encryptionSecretEnv  = "DM_ENCRYPTION_SECRET"
	minSecretLength      = 32
)

// encryptor seals message content at rest. A nil gcm means encryption is off.
type encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor() (*encryptor, error) {
	if !isEncryptionEnabled() {
		return &encryptor{gcm: nil}, nil
	}

	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

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

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv(encryptionSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", encryptionSecretEnv)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), models.Iterations, models.KeySize, sha256.New), nil
}

// encryptContent seals an optional content column.
func (e *encryptor) encryptContent(content *string) (*string, error) {
	if content == nil {
		return nil, nil
	}
	sealed, err := e.EncryptIfEnabled(*content)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func (e *encryptor) decryptContent(content *string) (*string, error) {
	if content == nil {
		return nil, nil
	}
	plain, err := e.DecryptIfEnabled(*content)
	if err != nil {
		return nil, err
	}
	return &plain, nil
}

func (e *encryptor) EncryptIfEnabled(plaintext string) (string, error) {
	if !isEncryptionEnabled() {
		return plaintext, nil
	}
	return e.Encrypt(plaintext)
}

func (e *encryptor) DecryptIfEnabled(ciphertext string) (string, error) {
	if !isEncryptionEnabled() {
		return ciphertext, nil
	}
	return e.Decrypt(ciphertext)
}

func isEncryptionEnabled() bool {
	return os.Getenv(encryptionEnabledEnv) == "true"
}
