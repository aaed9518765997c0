package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Credential is one user allowed through HTTP basic auth.
type Credential struct {
	User     string
	Password string
}

// The key is fixed per build. Encrypting the credentials field keeps
// passwords from being read straight out of a shared config file; it is not
// protection against someone who can run the binary.
const (
	credentialsSecret = "tinyopds-credentials-v1"
	credentialsSalt   = "c7d1a90b43f04a2e"
)

func credentialsKey() []byte {
	return pbkdf2.Key([]byte(credentialsSecret), []byte(credentialsSalt), 4096, 32, sha256.New)
}

// EncryptCredentials seals a plain "user:pass;user2:pass2" list for storage
// in the credentials config field.
func EncryptCredentials(plain string) (string, error) {
	block, err := aes.NewCipher(credentialsKey())
	if err != nil {
		return "", errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.WithStack(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	_, err = io.ReadFull(rand.Reader, nonce)
	if err != nil {
		return "", errors.WithStack(err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredentials reverses EncryptCredentials.
func DecryptCredentials(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.WithStack(err)
	}
	block, err := aes.NewCipher(credentialsKey())
	if err != nil {
		return "", errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("credentials value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(plain), nil
}

// ParseCredentials splits a plain "user:pass;user2:pass2" list. Entries
// without a colon are skipped.
func ParseCredentials(plain string) []Credential {
	var creds []Credential
	for _, pair := range strings.Split(plain, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			continue
		}
		creds = append(creds, Credential{User: user, Password: pass})
	}
	return creds
}

// CredentialList decrypts and parses the credentials field. A value that does
// not decode is treated as a hand-written plaintext list, so an operator can
// seed users by editing the config file; the next settings save re-encrypts
// it.
func (c *Config) CredentialList() []Credential {
	if c.Credentials == "" {
		return nil
	}
	plain, err := DecryptCredentials(c.Credentials)
	if err != nil {
		plain = c.Credentials
	}
	return ParseCredentials(plain)
}
