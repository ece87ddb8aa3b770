// Package auth implements the mTLS authentication and per-library
// authorization checks the server runs at HANDSHAKE, per spec.md §4.7.
package auth

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// uidOID is the X.520 "userid" attribute OID (0.9.2342.19200300.100.1.1),
// the conventional home for a UID subject component in Go's pkix.Name,
// which has no dedicated UID field the way it does CommonName.
var uidOID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// ClientRecord is the server's configured view of one authorized client.
type ClientRecord struct {
	ID           string
	DisplayName  string
	Certificate  *x509.Certificate
	Revoked      bool
	RateLimitBps int64
}

// LibraryRecord is the server's configured view of one library, scoped
// down to what Authenticator needs to check access.
type LibraryRecord struct {
	ID                string
	Name              string
	AuthorizedClients map[string]bool
}

// Authenticator validates peer certificates against the configured CA and
// client table, and checks per-library authorization.
type Authenticator struct {
	caPool    *x509.CertPool
	clients   map[string]ClientRecord
	libraries map[string]LibraryRecord
	crl       map[string]bool // decimal serial numbers (big.Int.String)
}

// New builds an Authenticator over the given CA certificate, client
// table, library table, and CRL (serial numbers as *big.Int, stored
// internally as decimal strings).
func New(ca *x509.Certificate, clients map[string]ClientRecord, libraries map[string]LibraryRecord, crlSerials []*big.Int) *Authenticator {
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	crl := make(map[string]bool, len(crlSerials))
	for _, s := range crlSerials {
		crl[s.String()] = true
	}

	return &Authenticator{
		caPool:    pool,
		clients:   clients,
		libraries: libraries,
		crl:       crl,
	}
}

// TLSConfig returns a server-side *tls.Config enforcing mutual TLS: client
// certificates required and verified against the configured CA, TLS 1.2
// as the floor with 1.3 preferred by leaving MaxVersion unset.
func (a *Authenticator) TLSConfig(serverCert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    a.caPool,
		MinVersion:   tls.VersionTLS12,
	}
}

// Fingerprint returns the SHA-256 digest of a certificate's raw DER
// encoding, hex-encoded. spec.md §3 requires this to match between a
// peer's presented certificate and the configured client record.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%x", sum)
}

// ClientIDFromSubject extracts the UID attribute from a certificate
// subject, which spec.md designates as the carrier of client_id.
func ClientIDFromSubject(subject pkix.Name) (string, error) {
	for _, atv := range subject.Names {
		if atv.Type.Equal(uidOID) {
			if s, ok := atv.Value.(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", ferrors.New(ferrors.KindCertificate, "certificate subject has no UID attribute")
}

// Authenticate runs the full HANDSHAKE certificate check from spec.md
// §4.7 against a peer certificate taken from a completed TLS handshake,
// returning the resolved client_id on success.
func (a *Authenticator) Authenticate(peerCert *x509.Certificate) (string, error) {
	clientID, err := ClientIDFromSubject(peerCert.Subject)
	if err != nil {
		return "", err
	}

	if a.isRevoked(peerCert.SerialNumber) {
		return "", ferrors.New(ferrors.KindCertificateRevoked, "certificate serial "+peerCert.SerialNumber.String()+" is revoked")
	}

	record, ok := a.clients[clientID]
	if !ok {
		return "", ferrors.New(ferrors.KindAuthentication, "client not found in configuration: "+clientID)
	}
	if record.Revoked {
		return "", ferrors.New(ferrors.KindCertificateRevoked, "client is revoked: "+clientID)
	}
	if Fingerprint(peerCert) != Fingerprint(record.Certificate) {
		return "", ferrors.New(ferrors.KindCertificate, "certificate fingerprint does not match configured client record")
	}

	return clientID, nil
}

// CheckLibraryAccess enforces the fourth HANDSHAKE check: the requested
// library must list client_id among its authorized clients.
func (a *Authenticator) CheckLibraryAccess(clientID, libraryID string) error {
	lib, ok := a.libraries[libraryID]
	if !ok {
		return ferrors.New(ferrors.KindLibraryAccessDenied, "library not found: "+libraryID)
	}
	if !lib.AuthorizedClients[clientID] {
		return ferrors.New(ferrors.KindLibraryAccessDenied, "client "+clientID+" is not authorized for library "+lib.Name)
	}
	return nil
}

// RateLimitFor returns the configured client's rate limit, or 0
// (unlimited) if the client is unknown.
func (a *Authenticator) RateLimitFor(clientID string) int64 {
	if rec, ok := a.clients[clientID]; ok {
		return rec.RateLimitBps
	}
	return 0
}

func (a *Authenticator) isRevoked(serial *big.Int) bool {
	return a.crl[serial.String()]
}
