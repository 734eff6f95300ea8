package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/scrypt"
)

// kdfSalt is fixed on purpose: the master secret is the entropy source, the KDF
// only stretches it into an AES key. Changing the salt invalidates every stored
// ciphertext.
const kdfSalt = "projcontest-settings-v1"

var ErrMalformedCiphertext = errors.New("settings: malformed ciphertext")

// Cipher encrypts setting values with AES-256-GCM. The key is derived once from
// the master secret; the random nonce is prepended to each ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("settings: master secret is empty")
	}
	key, err := scrypt.Key([]byte(masterSecret), []byte(kdfSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt must never panic on garbage input: a corrupt row degrades to an error
// the Store maps to "value absent".
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}
