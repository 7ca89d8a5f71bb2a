package certs

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"embed"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/relabs-tech/iotcerts/core/logger"
)

// names of the bundled resources
const (
	PrimaryEmbeddedCRT   = "primary-embedded.crt"
	PrimaryEmbeddedPFX   = "primary-embedded.pfx"
	SecondaryEmbeddedCRT = "secondary-embedded.crt"
	SecondaryEmbeddedPFX = "secondary-embedded.pfx"
)

//go:embed resources/*
var resources embed.FS

var (
	// ErrNoCertificate is returned when data holds no X.509 certificate
	ErrNoCertificate = errors.New("no certificate found")
	// ErrNoPrivateKey is returned when a credential holds no private key
	ErrNoPrivateKey = errors.New("no private key found")
)

// LoadEmbedded returns the content of a bundled resource
func LoadEmbedded(name string) ([]byte, error) {
	logger.Default().Infoln("loading embedded file:", name)
	data, err := resources.ReadFile("resources/" + name)
	if err != nil {
		return nil, fmt.Errorf("cannot load embedded file %s: %w", name, err)
	}
	return data, nil
}

// LoadFile returns the content of a local file
func LoadFile(path string) ([]byte, error) {
	logger.Default().Infoln("loading local file:", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load file %s: %w", path, err)
	}
	return data, nil
}

// ParseCertificate parses a PEM or DER encoded certificate. For PEM, the first
// CERTIFICATE block is used.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			data = block.Bytes
			break
		}
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	return cert, nil
}

// ParseCredential parses a PKCS#12 archive or PEM encoded certificate and key into a TLS
// certificate. The leaf is set.
func ParseCredential(data []byte, password string) (tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err == nil {
		cred := tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
		for _, c := range chain {
			cred.Certificate = append(cred.Certificate, c.Raw)
		}
		return cred, nil
	}
	if !isPEM(data) {
		return tls.Certificate{}, fmt.Errorf("cannot decode pkcs12 credential: %w", err)
	}

	if !hasPEMBlock(data, "PRIVATE KEY") {
		return tls.Certificate{}, ErrNoPrivateKey
	}
	cred, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, err
	}
	if cred.Leaf == nil {
		if cred.Leaf, err = x509.ParseCertificate(cred.Certificate[0]); err != nil {
			return tls.Certificate{}, err
		}
	}
	return cred, nil
}

func isPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil
}

func hasPEMBlock(data []byte, typeSuffix string) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if strings.HasSuffix(block.Type, typeSuffix) {
			return true
		}
	}
}

// Thumbprint returns the SHA-1 thumbprint of the certificate as upper case hex, the
// format in which the hub stores thumbprints
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
