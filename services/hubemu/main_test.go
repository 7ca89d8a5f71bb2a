package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotcerts/iot/certs"
)

func TestGeneratedServerCertificate(t *testing.T) {
	caOut := filepath.Join(t.TempDir(), "ca.pem")
	crt := mustServerCertificate(&Service{HostName: "hub.local", CAOutFile: caOut})
	require.NotNil(t, crt.Leaf)
	assert.NoError(t, crt.Leaf.VerifyHostname("hub.local"))
	assert.NoError(t, crt.Leaf.VerifyHostname("127.0.0.1"))

	data, err := os.ReadFile(caOut)
	require.NoError(t, err)
	written, err := certs.ParseCertificate(data)
	require.NoError(t, err)
	assert.Equal(t, certs.Thumbprint(crt.Leaf), certs.Thumbprint(written))
}

func TestConfiguredServerCertificate(t *testing.T) {
	cert, key, err := certs.GenerateServer([]string{"hub.local"}, time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, certs.EncodePEM(cert), 0644))
	require.NoError(t, os.WriteFile(keyFile, certs.EncodeKeyPEM(key), 0600))

	crt := mustServerCertificate(&Service{CertFile: certFile, KeyFile: keyFile})
	require.Len(t, crt.Certificate, 1)
	assert.Equal(t, cert.Raw, crt.Certificate[0])

	assert.Panics(t, func() { mustServerCertificate(&Service{CertFile: certFile, KeyFile: certFile}) })
}
