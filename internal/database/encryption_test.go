package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func enableEncryption(t *testing.T) {
	t.Setenv(encryptionEnabledEnv, "true")
	t.Setenv(encryptionSecretEnv, testSecret)
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	enableEncryption(t)

	enc, err := NewEncryptor()
	require.NoError(t, err)
	require.NotNil(t, enc.gcm)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"simple text", "hello world"},
		{"empty string", ""},
		{"unicode text", "Hello 世界 🌍"},
		{"special characters", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tc.plaintext)
			require.NoError(t, err)
			if tc.plaintext != "" {
				assert.NotEqual(t, tc.plaintext, ciphertext)
			}

			decrypted, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_NoncesDiffer(t *testing.T) {
	enableEncryption(t)

	enc, err := NewEncryptor()
	require.NoError(t, err)

	a, err := enc.Encrypt("same text")
	require.NoError(t, err)
	b, err := enc.Encrypt("same text")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptor_DecryptInvalidData(t *testing.T) {
	enableEncryption(t)

	enc, err := NewEncryptor()
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEncryptor_Disabled(t *testing.T) {
	t.Setenv(encryptionEnabledEnv, "false")

	enc, err := NewEncryptor()
	require.NoError(t, err)
	assert.Nil(t, enc.gcm)

	out, err := enc.EncryptIfEnabled("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestEncryptor_ContentPointers(t *testing.T) {
	enableEncryption(t)

	enc, err := NewEncryptor()
	require.NoError(t, err)

	sealed, err := enc.encryptContent(nil)
	require.NoError(t, err)
	assert.Nil(t, sealed)

	text := "secret message"
	sealed, err = enc.encryptContent(&text)
	require.NoError(t, err)
	require.NotNil(t, sealed)
	assert.NotEqual(t, text, *sealed)

	opened, err := enc.decryptContent(sealed)
	require.NoError(t, err)
	assert.Equal(t, text, *opened)
}

func TestDeriveKey(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "")
	_, err := deriveKey()
	assert.Error(t, err)

	t.Setenv(encryptionSecretEnv, "short")
	_, err = deriveKey()
	assert.Error(t, err)

	t.Setenv(encryptionSecretEnv, testSecret)
	key, err := deriveKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
