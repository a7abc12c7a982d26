package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig returns the client TLS settings for the Temporal frontend, or
// nil when none of the tls_* fields are set.
func (t TemporalConfig) TLSConfig() (*tls.Config, error) {
	return clientTLS("temporal", false, t.TLSCert, t.TLSKey, t.TLSCACert, t.TLSServerName)
}

// TLSConfig returns the client TLS settings for the lease and live log Redis,
// or nil when TLS is off. Setting tls enables TLS against the system roots
// without a client certificate.
func (r RedisConfig) TLSConfig() (*tls.Config, error) {
	return clientTLS("redis", r.TLS, r.TLSCert, r.TLSKey, r.TLSCACert, r.TLSServerName)
}

// clientTLS builds a client-side *tls.Config. Any non-empty field turns TLS
// on; the client certificate is optional but needs both halves.
func clientTLS(component string, enabled bool, certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	if !enabled && certFile == "" && keyFile == "" && caFile == "" && serverName == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load %s client cert: %w", component, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, errors.New(component + ": tls_cert and tls_key must be set together")
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read %s CA cert: %w", component, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse %s CA cert %s: no certificates found", component, caFile)
		}
		cfg.RootCAs = roots
	}

	return cfg, nil
}
