// Package config defines the server and client configuration schemas and
// the config-at-rest envelope described in spec.md §6.
package config

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// ClientConfig is one entry in the server's client table.
type ClientConfig struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	CertificatePEM string `json:"certificate_pem"`
	Revoked        bool   `json:"revoked"`
	RateLimitBps   int64  `json:"rate_limit_bps"`
}

// LibraryConfig is one entry in the server's library table.
type LibraryConfig struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	RootPath            string   `json:"root_path"`
	AuthorizedClientIDs []string `json:"authorized_client_ids"`
	RateLimitBps        int64    `json:"rate_limit_bps"`
	IdleTimeoutS        int      `json:"idle_timeout_s"`
}

// SecurityConfig carries the CA material and revocation list.
type SecurityConfig struct {
	CACertificatePEM string  `json:"ca_certificate_pem"`
	CAPrivateKeyPEM  string  `json:"ca_private_key_pem"`
	ServerCertPEM    string  `json:"server_certificate_pem"`
	ServerKeyPEM     string  `json:"server_private_key_pem"`
	CRLSerials       []int64 `json:"crl_serials"`
}

// NetworkConfig carries the listen binding and worker pool sizing.
type NetworkConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	MaxConns      int    `json:"max_connections"`
	WorkerThreads int    `json:"worker_threads"`
}

// LoggingConfig mirrors the zap-backed logging knobs the teacher exposes.
type LoggingConfig struct {
	Level       string `json:"level"`
	File        string `json:"file"`
	MaxSizeMB   int    `json:"max_size_mb"`
	BackupCount int    `json:"backup_count"`
}

// ServerConfig is the complete server configuration document, consumed
// from a plaintext or envelope-encrypted JSON file.
type ServerConfig struct {
	Version   string                   `json:"version"`
	Network   NetworkConfig            `json:"network"`
	Security  SecurityConfig           `json:"security"`
	Logging   LoggingConfig            `json:"logging"`
	Libraries map[string]LibraryConfig `json:"libraries"`
	Clients   map[string]ClientConfig  `json:"clients"`
	Reap      ReapConfig               `json:"reap"`
}

// ReapConfig configures the idle-session cron schedule.
type ReapConfig struct {
	Schedule     string `json:"schedule"`
	IdleTimeoutS int    `json:"idle_timeout_s"`
}

// LoadServerConfig reads path, transparently decrypting it with password
// if it carries the encrypted envelope header, and validates the result.
func LoadServerConfig(path, password string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "reading configuration file")
	}

	if IsEnvelope(raw) {
		raw, err = Decrypt(raw, password)
		if err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "parsing configuration JSON")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md requires before the server can
// start: every library root exists and is a directory, client IDs are
// unique (guaranteed by the map keying, checked against embedded IDs),
// and rate limits are non-negative.
func (c *ServerConfig) Validate() error {
	if len(c.Libraries) == 0 {
		return ferrors.New(ferrors.KindInternal, "at least one library must be configured")
	}
	if c.Security.CACertificatePEM == "" {
		return ferrors.New(ferrors.KindInternal, "CA certificate is required")
	}

	for id, lib := range c.Libraries {
		if lib.ID != "" && lib.ID != id {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("library %q key/id mismatch", id))
		}
		info, err := os.Stat(lib.RootPath)
		if err != nil {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("library %q root path does not exist: %s", lib.Name, lib.RootPath))
		}
		if !info.IsDir() {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("library %q root path is not a directory: %s", lib.Name, lib.RootPath))
		}
		if !filepath.IsAbs(lib.RootPath) {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("library %q root path must be absolute: %s", lib.Name, lib.RootPath))
		}
		if lib.RateLimitBps < 0 {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("library %q has a negative rate limit", lib.Name))
		}
	}

	for id, c := range c.Clients {
		if c.ID != "" && c.ID != id {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("client %q key/id mismatch", id))
		}
		if c.RateLimitBps < 0 {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("client %q has a negative rate limit", id))
		}
	}

	return nil
}

// CRLBigInts converts the configured decimal CRL serials to *big.Int for
// auth.New.
func (c *ServerConfig) CRLBigInts() []*big.Int {
	out := make([]*big.Int, 0, len(c.Security.CRLSerials))
	for _, s := range c.Security.CRLSerials {
		out = append(out, big.NewInt(s))
	}
	return out
}

// ParseCertificatePEM decodes a single PEM-encoded certificate block.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	return parseCertificatePEM(pemBytes)
}
