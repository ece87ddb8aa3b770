// Package client implements fileharbor's client engine (C10): a blocking
// connection/transfer core mirroring the server's connection handler (C8),
// plus a thread-offloaded async façade and resumable upload/download with
// retry, grounded on original_source's client/client.go, connection.py and
// transfer_manager.py.
package client

import (
	"encoding/json"
	"os"

	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// ServerAddr is the host/port the client dials.
type ServerAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ConnectionConfig carries socket-level timeouts.
type ConnectionConfig struct {
	TimeoutS int `json:"timeout_s"`
}

// TransferConfig carries the chunk size used for wire chunking (PUT_CHUNK
// and GET_CHUNK); local checksums use their own fixed buffer.
type TransferConfig struct {
	ChunkSize int `json:"chunk_size"`
}

// ClientSecurityConfig carries the client's own certificate/key and the CA
// it trusts for the server's certificate, all inline PEM like the server
// side's SecurityConfig.
type ClientSecurityConfig struct {
	CACertificatePEM string `json:"ca_certificate_pem"`
	CertificatePEM   string `json:"certificate_pem"`
	PrivateKeyPEM    string `json:"private_key_pem"`
}

// Profile is the complete client-side configuration document: which
// library to address, how to reach the server, and what certificate to
// present. It is the Go analogue of original_source's ClientConfig
// dataclass, reconstructed here since config_schema.py's full definition
// was not available in the retrieval pack (see DESIGN.md).
type Profile struct {
	LibraryID  string               `json:"library_id"`
	Server     ServerAddr           `json:"server"`
	Connection ConnectionConfig     `json:"connection"`
	Transfer   TransferConfig       `json:"transfer"`
	Security   ClientSecurityConfig `json:"security"`
}

// DefaultChunkSize and DefaultTimeoutS backstop a Profile loaded without
// explicit transfer/connection sections.
const (
	DefaultChunkSize = 1 << 20 // 1 MiB
	DefaultTimeoutS  = 60
)

// LoadProfile reads path, transparently decrypting it with password if it
// carries the config-at-rest envelope (internal/config.IsEnvelope), then
// validates the result. Mirrors load_client_config + validate_client_config.
func LoadProfile(path, password string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "reading client configuration file")
	}

	if config.IsEnvelope(raw) {
		raw, err = config.Decrypt(raw, password)
		if err != nil {
			return nil, err
		}
	}

	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "parsing client configuration JSON")
	}

	if p.Transfer.ChunkSize <= 0 {
		p.Transfer.ChunkSize = DefaultChunkSize
	}
	if p.Connection.TimeoutS <= 0 {
		p.Connection.TimeoutS = DefaultTimeoutS
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the invariants validate_client_config enforces before a
// connection is attempted.
func (p *Profile) Validate() error {
	if p.Server.Host == "" {
		return ferrors.New(ferrors.KindInternal, "server host is required")
	}
	if p.Server.Port <= 0 || p.Server.Port > 65535 {
		return ferrors.New(ferrors.KindInternal, "invalid server port")
	}
	if p.Security.CertificatePEM == "" {
		return ferrors.New(ferrors.KindInternal, "client certificate is required")
	}
	if p.Security.PrivateKeyPEM == "" {
		return ferrors.New(ferrors.KindInternal, "client private key is required")
	}
	if p.Security.CACertificatePEM == "" {
		return ferrors.New(ferrors.KindInternal, "CA certificate is required")
	}
	if p.LibraryID == "" {
		return ferrors.New(ferrors.KindInternal, "library id is required")
	}
	return nil
}
