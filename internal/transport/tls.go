package transport

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
)

const pemFileHeader = "-----BEGIN"

// TLSPolicy configures TLS for both the WebSocket dialer and the shared
// HTTP notification client. Certificate and key may be supplied either
// as a filesystem path or as inline PEM text — the same dual-mode
// handling runner.py applies to --endpoint_ssl_cert/--endpoint_ssl_key.
type TLSPolicy struct {
	CertPEMOrPath string
	KeyPEMOrPath  string
	InsecureSkip  bool
}

// Config builds a *tls.Config from the policy. A zero-value TLSPolicy
// yields a config with no client certificate, matching the common case
// of a public push endpoint.
func (p TLSPolicy) Config() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: p.InsecureSkip}
	if p.CertPEMOrPath == "" && p.KeyPEMOrPath == "" {
		return cfg, nil
	}
	certPEM, err := resolvePEM(p.CertPEMOrPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load client cert: %w", err)
	}
	keyPEM, err := resolvePEM(p.KeyPEMOrPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load client key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: parse client keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// resolvePEM returns raw PEM bytes, reading from disk unless the value
// already looks like inline PEM.
func resolvePEM(pemOrPath string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(pemOrPath), pemFileHeader) {
		return []byte(pemOrPath), nil
	}
	return os.ReadFile(pemOrPath)
}
