// Package tls builds the server TLS configuration for the admin API.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrNoCertificate = errors.New("TLS enabled but no certificate provided and auto-generation disabled")
	ErrBadCA         = errors.New("failed to parse CA certificate")
)

// Config holds TLS configuration options
type Config struct {
	CertFile string // Path to certificate file
	KeyFile  string // Path to private key file
	CAFile   string // CA for client certificates; setting it requires them

	// Self-signed generation when CertFile/KeyFile are empty
	AutoGenerate bool
	Hosts        []string
	ValidFor     time.Duration
}

// DefaultConfig returns a configuration that self-signs for localhost
func DefaultConfig() Config {
	return Config{
		AutoGenerate: true,
		Hosts:        []string{"localhost", "127.0.0.1"},
		ValidFor:     365 * 24 * time.Hour,
	}
}

// SecureCipherSuites returns the TLS 1.2 suites the admin server accepts.
// TLS 1.3 suites are not configurable.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// ServerConfig loads or generates the server certificate described by cfg
func ServerConfig(cfg Config) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	case cfg.AutoGenerate:
		cert, err = GenerateSelfSignedCert(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: SecureCipherSuites(),
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, ErrBadCA
	}
	return pool, nil
}
