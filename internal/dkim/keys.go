// Package dkim signs outgoing messages with per-sender-domain DKIM keys.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key algorithms
const (
	AlgorithmRSA     = "rsa"
	AlgorithmEd25519 = "ed25519"
)

// rsaBits is the size of generated RSA keys
const rsaBits = 2048

// KeyPair is a DKIM private key with its publication coordinates
type KeyPair struct {
	Key      crypto.Signer
	Domain   string
	Selector string
}

// GenerateKey creates a key pair for domain/selector. algorithm is rsa or
// ed25519.
func GenerateKey(domain, selector, algorithm string) (*KeyPair, error) {
	var key crypto.Signer
	switch strings.ToLower(algorithm) {
	case "", AlgorithmRSA:
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		key = k
	case AlgorithmEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q (must be rsa or ed25519)", algorithm)
	}

	return &KeyPair{Key: key, Domain: domain, Selector: selector}, nil
}

// Algorithm returns the k= tag value for the key
func (kp *KeyPair) Algorithm() string {
	if _, ok := kp.Key.(ed25519.PrivateKey); ok {
		return AlgorithmEd25519
	}
	return AlgorithmRSA
}

// Save writes the private key as PKCS#8 PEM, readable only by the owner
func (kp *KeyPair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.Key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// DNSName returns the name of the TXT record publishing the key
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

// DNSRecord returns the TXT record content publishing the public key
func (kp *KeyPair) DNSRecord() (string, error) {
	var pub []byte
	switch k := kp.Key.Public().(type) {
	case ed25519.PublicKey:
		pub = k
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return "", fmt.Errorf("failed to marshal public key: %w", err)
		}
		pub = der
	default:
		return "", fmt.Errorf("unsupported public key type %T", k)
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", kp.Algorithm(), base64.StdEncoding.EncodeToString(pub)), nil
}

// LoadKey reads a PEM private key (PKCS#1 RSA or PKCS#8 RSA/ed25519)
func LoadKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		}
		return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
	}
	return nil, fmt.Errorf("unsupported key type: %s", block.Type)
}
