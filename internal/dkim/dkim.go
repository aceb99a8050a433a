// Package dkim signs outgoing mail with DKIM and manages signing keys.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the headers covered by the signature when present.
var signedHeaders = []string{
	"From", "To", "Reply-To", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "X-Campaign-ID",
}

// Signer signs messages for one domain and selector
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a DKIM signer
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// LoadSigner creates a DKIM signer from a PEM key file
func LoadSigner(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             presentHeaders(message),
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
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

// presentHeaders returns the subset of signedHeaders found in the message
// header block.
func presentHeaders(message []byte) []string {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i]
	}
	lower := bytes.ToLower(header)

	keys := []string{"From"}
	for _, h := range signedHeaders[1:] {
		if bytes.HasPrefix(lower, []byte(toLower(h)+":")) || bytes.Contains(lower, []byte("\n"+toLower(h)+":")) {
			keys = append(keys, h)
		}
	}
	return keys
}

func toLower(s string) string {
	return string(bytes.ToLower([]byte(s)))
}
