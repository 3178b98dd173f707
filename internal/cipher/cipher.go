// Package cipher encrypts portal credentials with the portal's RSA public key.
package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/IshaanNene/portalsession/internal/types"
)

// Cipher performs PKCS#1 v1.5 encryption with a parsed public key.
// It is safe for concurrent use.
type Cipher struct {
	key *rsa.PublicKey
}

// New parses publicKeyPEM. Literal "\n" sequences are accepted as newlines.
func New(publicKeyPEM string) (*Cipher, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, &types.CredentialError{Err: err}
	}
	return &Cipher{key: key}, nil
}

// ParsePublicKey accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY")
// PEM blocks.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	normalized := strings.TrimSpace(strings.ReplaceAll(publicKeyPEM, `\n`, "\n"))
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty key", types.ErrInvalidKey)
	}

	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", types.ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidKey, err)
		}
		return key, nil
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key (%T)", types.ErrInvalidKey, parsed)
		}
		return key, nil
	}
}

// Encrypt returns base64(RSA-PKCS1v15(plaintext)).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || c.key == nil {
		return "", &types.CredentialError{Err: errors.New("cipher has no key")}
	}

	out, err := rsa.EncryptPKCS1v15(rand.Reader, c.key, []byte(plaintext))
	if err != nil {
		return "", &types.CredentialError{Err: fmt.Errorf("encrypt: %w", err)}
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// KeySize returns the modulus size in bytes, which bounds the plaintext length
// to KeySize()-11.
func (c *Cipher) KeySize() int {
	return c.key.Size()
}
