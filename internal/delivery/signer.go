package delivery

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature to outbound messages.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewSigner creates a signer for domain/selector.
func NewSigner(domain, selector string, key crypto.Signer) *Signer {
	return &Signer{domain: domain, selector: selector, key: key}
}

// LoadSigner reads a PEM private key from path.
func LoadSigner(domain, selector, path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return NewSigner(domain, selector, key), nil
}

// ParsePrivateKey decodes a PKCS#1 RSA or PKCS#8 RSA/Ed25519 PEM key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in DKIM key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported DKIM key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// Sign returns the message with a DKIM-Signature header prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	err := dkim.Sign(&buf, bytes.NewReader(raw), &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return buf.Bytes(), nil
}
