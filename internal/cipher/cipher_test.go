package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"github.com/IshaanNene/portalsession/internal/types"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func pkixPEM(t *testing.T, key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestEncryptRoundTrip(t *testing.T) {
	key := generateKey(t)
	c, err := New(pkixPEM(t, key))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := c.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		t.Fatalf("output is not base64: %v", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "s3cret" {
		t.Errorf("expected s3cret, got %q", plain)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	c, err := New(pkixPEM(t, generateKey(t)))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("expected PKCS#1 v1.5 padding to randomize ciphertexts")
	}
}

func TestNewAcceptsPKCS1AndEscapedNewlines(t *testing.T) {
	key := generateKey(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}))
	if _, err := New(pkcs1); err != nil {
		t.Errorf("PKCS#1 key rejected: %v", err)
	}

	escaped := strings.ReplaceAll(pkixPEM(t, key), "\n", `\n`)
	if _, err := New(escaped); err != nil {
		t.Errorf("escaped key rejected: %v", err)
	}
}

func TestNewRejectsInvalidKeys(t *testing.T) {
	for _, in := range []string{"", "   ", "garbage", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----"} {
		_, err := New(in)
		if err == nil {
			t.Errorf("New(%q) expected error", in)
			continue
		}
		var credErr *types.CredentialError
		if !errors.As(err, &credErr) {
			t.Errorf("New(%q) error %T is not a CredentialError", in, err)
		}
		if !errors.Is(err, types.ErrInvalidKey) {
			t.Errorf("New(%q) error does not wrap ErrInvalidKey: %v", in, err)
		}
	}
}

func TestEncryptTooLong(t *testing.T) {
	c, err := New(pkixPEM(t, generateKey(t)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Encrypt(strings.Repeat("x", c.KeySize()))
	if types.Reason(err) != types.ReasonCredential {
		t.Errorf("expected credential error, got %v", err)
	}
}
