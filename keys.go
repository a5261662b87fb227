package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRSAKeyBits is the modulus size used by GenerateRSAKeyPair callers.
const DefaultRSAKeyBits = 2048

var pemPrefix = []byte("-----BEGIN")

// ParseRSAPrivateKey reads a PKCS1 or PKCS8 key. The input may be raw PEM
// or base64 encoded PEM, which is easier to pass through env vars.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	raw, err := pemBytes(data)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	return key, nil
}

// ParseRSAPublicKey reads a PKIX or PKCS1 public key, raw or base64 PEM.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	raw, err := pemBytes(data)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	return key, nil
}

// LoadRSAPrivateKeyFile reads the signing key from disk.
func LoadRSAPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return ParseRSAPrivateKey(data)
}

// LoadRSAPublicKeyFile reads a verification key from disk.
func LoadRSAPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	return ParseRSAPublicKey(data)
}

// GenerateRSAKeyPair creates a new signing key.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultRSAKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodePrivateKeyPEM encodes key as PKCS8 PEM.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM encodes key as PKIX PEM.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyID derives a stable kid from the public key.
func KeyID(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

func pemBytes(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty key material")
	}
	if bytes.HasPrefix(data, pemPrefix) {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("key is neither PEM nor base64 PEM: %w", err)
	}
	return decoded, nil
}
