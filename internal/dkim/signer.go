package dkim

import (
	"bytes"
	"crypto"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/rotasend/internal/config"
)

// signedHeaders are the headers covered by the signature when present
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"List-Unsubscribe", "Reply-To",
}

// Signer signs messages for one domain
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a signer from a loaded key
func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// NewSignerFromFile creates a signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// presentHeaders returns the signed headers that occur in the message
// header block. From is always included.
func presentHeaders(message []byte) []string {
	head := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		head = message[:i]
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(string(head), "\r\n") {
		if colon := strings.IndexByte(line, ':'); colon > 0 && line[0] != ' ' && line[0] != '\t' {
			seen[strings.ToLower(line[:colon])] = true
		}
	}

	keys := []string{"From"}
	for _, h := range signedHeaders[1:] {
		if seen[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	return keys
}

// Keyring maps sender domains to signers
type Keyring struct {
	signers map[string]*Signer
}

// NewKeyring loads a signer for every enabled DKIM entry
func NewKeyring(cfgs []config.DKIMConfig, logger *slog.Logger) (*Keyring, error) {
	kr := &Keyring{signers: make(map[string]*Signer)}
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		signer, err := NewSignerFromFile(c.KeyFile, c.Domain, c.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM signer for %s: %w", c.Domain, err)
		}
		kr.Add(signer)
		if logger != nil {
			logger.Info("loaded DKIM signer", "domain", c.Domain, "selector", c.Selector)
		}
	}
	return kr, nil
}

// Add registers a signer for its domain
func (k *Keyring) Add(s *Signer) {
	k.signers[s.domain] = s
}

// Len returns the number of loaded signers
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.signers)
}

// ForDomain returns the signer of domain or of its closest parent domain
func (k *Keyring) ForDomain(domain string) *Signer {
	if k == nil {
		return nil
	}
	domain = strings.ToLower(domain)
	if s, ok := k.signers[domain]; ok {
		return s
	}

	// mail.example.com -> example.com
	parts := strings.Split(domain, ".")
	for i := 1; i < len(parts)-1; i++ {
		if s, ok := k.signers[strings.Join(parts[i:], ".")]; ok {
			return s
		}
	}
	return nil
}
