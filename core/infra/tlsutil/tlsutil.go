// Package tlsutil builds client TLS configs from environment variables.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Settings names the TLS material for one outbound connection.
type Settings struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	Insecure   bool
}

// FromEnv reads <prefix>_TLS_CA, _TLS_CERT, _TLS_KEY, _TLS_SERVER_NAME and
// _TLS_INSECURE.
func FromEnv(prefix string) Settings {
	get := func(suffix string) string {
		return strings.TrimSpace(os.Getenv(prefix + "_TLS_" + suffix))
	}
	return Settings{
		CAFile:     get("CA"),
		CertFile:   get("CERT"),
		KeyFile:    get("KEY"),
		ServerName: get("SERVER_NAME"),
		Insecure:   ParseBool(get("INSECURE")),
	}
}

// Empty reports whether no TLS setting is present.
func (s Settings) Empty() bool {
	return s.CAFile == "" && s.CertFile == "" && s.KeyFile == "" && s.ServerName == "" && !s.Insecure
}

// Apply layers the settings over base. A nil base with empty settings stays nil
// so plaintext URLs keep connecting without TLS.
func (s Settings) Apply(base *tls.Config) (*tls.Config, error) {
	if s.Empty() {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opt-in for test clusters.
	}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca parse: %s", s.CAFile)
		}
		cfg.RootCAs = pool
	}
	if s.CertFile != "" || s.KeyFile != "" {
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, errors.New("tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ParseBool accepts the usual truthy spellings.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
