package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "certs", "server.key")

	require.NoError(t, GenerateSelfSignedCert(certPath, keyPath, []string{"localhost", "127.0.0.1"}))

	pair, err := stdtls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.NoError(t, cert.VerifyHostname("localhost"))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	_, err := EnsureCertificate(certPath, keyPath, nil)
	assert.Error(t, err)

	generated, err := EnsureCertificate(certPath, keyPath, []string{"localhost"})
	require.NoError(t, err)
	assert.True(t, generated)
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	generated, err = EnsureCertificate(certPath, keyPath, []string{"localhost"})
	require.NoError(t, err)
	assert.False(t, generated)
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = EnsureCertificate("", keyPath, []string{"localhost"})
	assert.Error(t, err)
}
