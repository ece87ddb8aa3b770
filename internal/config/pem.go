package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

func parseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ferrors.New(ferrors.KindCertificate, "no PEM block found in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindCertificate, err, "parsing certificate")
	}
	return cert, nil
}

// LoadKeyPair builds a tls.Certificate from PEM-encoded cert and key
// material held inline in the config document.
func LoadKeyPair(certPEM, keyPEM string) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return tls.Certificate{}, ferrors.Wrap(ferrors.KindCertificate, err, "loading server key pair")
	}
	return cert, nil
}
