package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Pair is a device certificate together with the credential used to connect.
//
// The thumbprint registered with the hub is computed from Certificate, the TLS handshake
// uses Credential. Both usually describe the same certificate, but nothing enforces it.
type Pair struct {
	Certificate *x509.Certificate
	Credential  tls.Certificate
}

// Thumbprint returns the thumbprint of the pair's certificate
func (p Pair) Thumbprint() string {
	return Thumbprint(p.Certificate)
}

// Matches reports whether the credential holds the same certificate as the pair
func (p Pair) Matches() bool {
	return p.Credential.Leaf != nil && p.Credential.Leaf.Equal(p.Certificate)
}

// NewPair parses a certificate and a credential into a pair
func NewPair(crt, pfx []byte, password string) (Pair, error) {
	cert, err := ParseCertificate(crt)
	if err != nil {
		return Pair{}, err
	}
	cred, err := ParseCredential(pfx, password)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Certificate: cert, Credential: cred}, nil
}

// LoadPair loads a pair from local files. The credential must not be password protected.
func LoadPair(crtPath, pfxPath string) (Pair, error) {
	crt, err := LoadFile(crtPath)
	if err != nil {
		return Pair{}, err
	}
	pfx, err := LoadFile(pfxPath)
	if err != nil {
		return Pair{}, err
	}
	pair, err := NewPair(crt, pfx, "")
	if err != nil {
		return Pair{}, fmt.Errorf("cannot load certificate pair %s, %s: %w", crtPath, pfxPath, err)
	}
	return pair, nil
}

// LoadEmbeddedPair loads a pair from the bundled resources
func LoadEmbeddedPair(crtName, pfxName string) (Pair, error) {
	crt, err := LoadEmbedded(crtName)
	if err != nil {
		return Pair{}, err
	}
	pfx, err := LoadEmbedded(pfxName)
	if err != nil {
		return Pair{}, err
	}
	pair, err := NewPair(crt, pfx, "")
	if err != nil {
		return Pair{}, fmt.Errorf("cannot load embedded certificate pair %s, %s: %w", crtName, pfxName, err)
	}
	return pair, nil
}

// EmbeddedPairs returns the bundled primary and secondary pair
func EmbeddedPairs() (primary, secondary Pair, err error) {
	primary, err = LoadEmbeddedPair(PrimaryEmbeddedCRT, PrimaryEmbeddedPFX)
	if err != nil {
		return
	}
	secondary, err = LoadEmbeddedPair(SecondaryEmbeddedCRT, SecondaryEmbeddedPFX)
	return
}
