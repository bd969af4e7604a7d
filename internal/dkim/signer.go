package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/outreach/internal/models"
)

// Signer signs messages for one domain and selector
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a signer
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string { return s.domain }

// Selector returns the selector
func (s *Signer) Selector() string { return s.selector }

// TXTRecord is the DNS TXT value that should be published for this signer
func (s *Signer) TXTRecord() (string, error) {
	k := &Key{Domain: s.domain, Selector: s.selector, Private: s.key}
	return k.TXTRecord()
}

// Provider loads and caches signers for credentials. Relative key paths
// resolve against keyDir.
type Provider struct {
	keyDir string

	mu      sync.Mutex
	signers map[string]*Signer
}

// NewProvider creates a provider
func NewProvider(keyDir string) *Provider {
	return &Provider{keyDir: keyDir, signers: make(map[string]*Signer)}
}

// ForCredential returns the credential's signer, or nil when the credential
// has no DKIM settings
func (p *Provider) ForCredential(c *models.Credential) (*Signer, error) {
	if c.DKIMDomain == "" || c.DKIMSelector == "" || c.DKIMKeyFile == "" {
		return nil, nil
	}

	path := c.DKIMKeyFile
	if !filepath.IsAbs(path) && p.keyDir != "" {
		path = filepath.Join(p.keyDir, path)
	}
	cacheKey := c.DKIMDomain + "|" + c.DKIMSelector + "|" + path

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.signers[cacheKey]; ok {
		return s, nil
	}

	key, err := ReadKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key for %s: %w", c.DKIMDomain, err)
	}
	s := NewSigner(key, c.DKIMDomain, c.DKIMSelector)
	p.signers[cacheKey] = s
	return s, nil
}
