package certs

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// KeySize is the RSA key size of generated certificates
const KeySize = 2048

// Generate creates a self-signed client certificate for the common name
func Generate(commonName string, validity time.Duration) (*x509.Certificate, *rsa.PrivateKey, error) {
	return generate(&x509.Certificate{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, validity)
}

// GenerateServer creates a self-signed server certificate valid for the host names and
// IP addresses
func GenerateServer(hosts []string, validity time.Duration) (*x509.Certificate, *rsa.PrivateKey, error) {
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("no host names for server certificate")
	}
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: hosts[0],
		},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:        true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return generate(template, validity)
}

func generate(template *x509.Certificate, validity time.Duration) (*x509.Certificate, *rsa.PrivateKey, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Minute)
	template.NotAfter = now.Add(validity)
	template.BasicConstraintsValid = true

	// this is the part that takes time
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create certificate for %s: %w", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// EncodePEM returns the certificate as PEM
func EncodePEM(cert *x509.Certificate) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
	return buf.Bytes()
}

// EncodeKeyPEM returns the private key as PKCS#1 PEM
func EncodeKeyPEM(key *rsa.PrivateKey) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return buf.Bytes()
}

// EncodePFX returns certificate and key as PKCS#12 archive protected by password. An
// empty password is allowed.
func EncodePFX(cert *x509.Certificate, key *rsa.PrivateKey, password string) ([]byte, error) {
	return pkcs12.Modern.Encode(key, cert, nil, password)
}
