package api

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// TLSConfig names the PEM files the API serves with. ClientCAFile is
// optional; when set, callers must present a certificate signed by it.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

var tlsConfig *TLSConfig

// InitTLS reads CONSTELLATION_TLS_CERT, CONSTELLATION_TLS_KEY and
// CONSTELLATION_TLS_CLIENT_CA. The API serves TLS only when cert and key are
// both set.
func InitTLS() {
	tlsConfig = &TLSConfig{
		CertFile:     os.Getenv("CONSTELLATION_TLS_CERT"),
		KeyFile:      os.Getenv("CONSTELLATION_TLS_KEY"),
		ClientCAFile: os.Getenv("CONSTELLATION_TLS_CLIENT_CA"),
	}
	if !IsTLSEnabled() {
		tlsConfig = nil
	}
}

func IsTLSEnabled() bool {
	return tlsConfig != nil && tlsConfig.CertFile != "" && tlsConfig.KeyFile != ""
}

// GetTLSConfig returns the configured paths, or nil when TLS is off.
func GetTLSConfig() *TLSConfig {
	return tlsConfig
}

// LoadTLSConfig builds the server tls.Config. It returns (nil, nil) when TLS
// is off; a configured but unreadable certificate is an error rather than a
// silent fallback to plaintext.
func LoadTLSConfig() (*tls.Config, error) {
	if !IsTLSEnabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load tls key pair")
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if tlsConfig.ClientCAFile != "" {
		pem, err := os.ReadFile(tlsConfig.ClientCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read client ca")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", tlsConfig.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
