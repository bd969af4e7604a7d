package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeyBits is the RSA modulus size for generated keys
const KeyBits = 2048

// Key is a DKIM signing key bound to a domain and selector
type Key struct {
	Domain   string
	Selector string
	Private  *rsa.PrivateKey
}

// Generate creates a new RSA key for the domain and selector
func Generate(domain, selector string) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &Key{Domain: domain, Selector: selector, Private: priv}, nil
}

// WriteFile stores the private key as PKCS#1 PEM readable only by the owner
func (k *Key) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.Private),
	})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// RecordName is the DNS name the public key is published under
func (k *Key) RecordName() string {
	return k.Selector + "._domainkey." + k.Domain
}

// TXTRecord is the DNS TXT value announcing the public key
func (k *Key) TXTRecord() (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub), nil
}

// ReadKeyFile loads an RSA private key in PKCS#1 or PKCS#8 PEM form
func ReadKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA", path)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
