// Package tls builds the server TLS configuration of the control API from
// certificate files or a self-signed pair generated on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"

	defaultValidity = 365 * 24 * time.Hour
)

// Config selects certificates for the control API.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`           // holds tls.crt and tls.key
	AutoGenerate bool     `mapstructure:"auto_generate"` // create a self-signed pair in Dir when missing
	Hosts        []string `mapstructure:"hosts"`         // names for the generated certificate
	MinVersion   string   `mapstructure:"min_version"`   // "1.2" or "1.3"
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// Paths returns the certificate and key files c resolves to.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
	}
	return "", ""
}

// Setup returns nil when TLS is disabled. Certificates are re-read on each
// handshake so they can be rotated without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.Paths()
	if certPath == "" {
		return nil, errors.New("TLS enabled but no cert_file/key_file or dir configured")
	}
	if !certificatesExist(certPath, keyPath) {
		if !c.AutoGenerate || c.CertFile != "" {
			return nil, fmt.Errorf("certificate %s or key %s missing", certPath, keyPath)
		}
		hosts := c.Hosts
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1", "::1"}
		}
		if err := GenerateSelfSigned(CertConfig{
			CommonName: hosts[0],
			Hosts:      hosts,
			NotAfter:   time.Now().Add(defaultValidity),
			CertPath:   certPath,
			KeyPath:    keyPath,
		}); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, err
	}
	// #nosec G402 min version is 1.2 or higher
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
