package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTLS(t *testing.T) {
	tests := []struct {
		name    string
		cert    string
		key     string
		enabled bool
	}{
		{"no env vars", "", "", false},
		{"only cert", "/path/to/cert.pem", "", false},
		{"only key", "", "/path/to/key.pem", false},
		{"both set", "/path/to/cert.pem", "/path/to/key.pem", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONSTELLATION_TLS_CERT", tt.cert)
			t.Setenv("CONSTELLATION_TLS_KEY", tt.key)
			t.Setenv("CONSTELLATION_TLS_CLIENT_CA", "")
			tlsConfig = nil
			t.Cleanup(func() { tlsConfig = nil })

			InitTLS()
			assert.Equal(t, tt.enabled, IsTLSEnabled())
			if tt.enabled {
				require.NotNil(t, GetTLSConfig())
				assert.Equal(t, tt.cert, GetTLSConfig().CertFile)
				assert.Equal(t, tt.key, GetTLSConfig().KeyFile)
			}
		})
	}
}

func TestLoadTLSConfig_NotEnabled(t *testing.T) {
	tlsConfig = nil
	cfg, err := LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadTLSConfig_InvalidFiles(t *testing.T) {
	tlsConfig = &TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	t.Cleanup(func() { tlsConfig = nil })

	cfg, err := LoadTLSConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load tls key pair")
	assert.Nil(t, cfg)
}

func TestLoadTLSConfig_SelfSigned(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	tlsConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile}
	t.Cleanup(func() { tlsConfig = nil })

	cfg, err := LoadTLSConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestLoadTLSConfig_ClientCA(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	t.Cleanup(func() { tlsConfig = nil })

	t.Run("verifies client certificates", func(t *testing.T) {
		tlsConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile}
		cfg, err := LoadTLSConfig()
		require.NoError(t, err)
		assert.NotNil(t, cfg.ClientCAs)
		assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	})

	t.Run("missing file", func(t *testing.T) {
		tlsConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFile: filepath.Join(t.TempDir(), "ca.pem")}
		_, err := LoadTLSConfig()
		assert.ErrorContains(t, err, "read client ca")
	})

	t.Run("no certificates", func(t *testing.T) {
		tlsConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFile: keyFile}
		_, err := LoadTLSConfig()
		assert.ErrorContains(t, err, "no certificates")
	})
}

func TestInitTLS_ClientCA(t *testing.T) {
	t.Setenv("CONSTELLATION_TLS_CERT", "/path/to/cert.pem")
	t.Setenv("CONSTELLATION_TLS_KEY", "/path/to/key.pem")
	t.Setenv("CONSTELLATION_TLS_CLIENT_CA", "/path/to/ca.pem")
	t.Cleanup(func() { tlsConfig = nil })

	InitTLS()
	require.True(t, IsTLSEnabled())
	assert.Equal(t, "/path/to/ca.pem", GetTLSConfig().ClientCAFile)
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
