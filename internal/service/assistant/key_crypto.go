package assistant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	apiKeyCipherEnv = "MENTORCHAT_APIKEY_KEY"
	// sealedPrefix marks stored keys written by keyCipher; anything else is
	// a plaintext row from before encryption was enabled.
	sealedPrefix = "sealed:v1:"
)

var (
	// ErrKeyUnreadable reports a stored key that cannot be opened with the
	// current MENTORCHAT_APIKEY_KEY.
	ErrKeyUnreadable    = errors.New("stored api key cannot be decrypted; set it again")
	errCipherKeyMissing = fmt.Errorf("%s not set", apiKeyCipherEnv)
)

// keyCipher seals provider keys with AES-256-GCM. Each sealed value is bound
// to its (client, key name) row through the additional data, so a value
// copied to another row does not open.
type keyCipher struct {
	aead cipher.AEAD
}

func newKeyCipherFromEnv() (*keyCipher, error) {
	raw := strings.TrimSpace(os.Getenv(apiKeyCipherEnv))
	if raw == "" {
		return nil, errCipherKeyMissing
	}
	secret, err := parseCipherKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", apiKeyCipherEnv, err)
	}
	return newKeyCipher(secret)
}

func newKeyCipher(secret []byte) (*keyCipher, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &keyCipher{aead: aead}, nil
}

// parseCipherKey accepts 32 raw bytes, 64 hex digits or base64 of 32 bytes.
func parseCipherKey(raw string) ([]byte, error) {
	switch {
	case len(raw) == 32:
		return []byte(raw), nil
	case len(raw) == 64:
		if secret, err := hex.DecodeString(raw); err == nil {
			return secret, nil
		}
	}
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("expected 32 bytes as raw text, hex or base64")
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(secret))
	}
	return secret, nil
}

func rowBinding(clientID int64, name string) []byte {
	return []byte(strconv.FormatInt(clientID, 10) + "|" + name)
}

// seal returns sealedPrefix + base64(nonce || ciphertext).
func (c *keyCipher) seal(clientID int64, name, plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), rowBinding(clientID, name))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *keyCipher) open(clientID int64, name, stored string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(data) < c.aead.NonceSize() {
		return "", ErrKeyUnreadable
	}
	ns := c.aead.NonceSize()
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], rowBinding(clientID, name))
	if err != nil {
		return "", ErrKeyUnreadable
	}
	return string(plain), nil
}

func isSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}
