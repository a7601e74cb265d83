package sync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 600_000
	saltSize         = 16
	keySize          = 32 // AES-256

	envelopeVersion = 1
)

// GenerateSalt returns a cryptographically random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

// Encrypt encrypts plaintext with AES-256-GCM and returns a base64-encoded string.
// Format: base64(nonce + ciphertext)
func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decodes a base64 string and decrypts with AES-256-GCM.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// envelope is the JSON object stored remotely when a passphrase is set.
type envelope struct {
	Encrypted     bool   `json:"encrypted"`
	FormatVersion int    `json:"format_version"`
	Salt          string `json:"salt"`
	Data          string `json:"data"`
}

// payloadCodec wraps remote payloads in an encrypted envelope. Derived keys
// are cached per salt.
type payloadCodec struct {
	passphrase string

	mu   sync.Mutex
	salt []byte
	keys map[string][]byte
}

func newPayloadCodec(passphrase string) *payloadCodec {
	return &payloadCodec{passphrase: passphrase, keys: make(map[string][]byte)}
}

func (c *payloadCodec) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := base64.StdEncoding.EncodeToString(salt)
	if key, ok := c.keys[k]; ok {
		return key
	}
	key := DeriveKey(c.passphrase, salt)
	c.keys[k] = key
	return key
}

// encode returns plain unchanged when no passphrase is configured.
func (c *payloadCodec) encode(plain []byte) ([]byte, error) {
	if c.passphrase == "" {
		return plain, nil
	}
	c.mu.Lock()
	if c.salt == nil {
		salt, err := GenerateSalt()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.salt = salt
	}
	salt := c.salt
	c.mu.Unlock()

	data, err := Encrypt(plain, c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	return json.Marshal(envelope{
		Encrypted:     true,
		FormatVersion: envelopeVersion,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Data:          data,
	})
}

// decode unwraps an encrypted envelope; any other object is returned as is.
func (c *payloadCodec) decode(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || !env.Encrypted {
		return raw, nil
	}
	if c.passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if env.FormatVersion > envelopeVersion {
		return nil, fmt.Errorf("encrypted payload version %d is not supported", env.FormatVersion)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	plain, err := Decrypt(env.Data, c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plain, nil
}
