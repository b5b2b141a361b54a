package security

import (
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ErrCertificateInvalid is returned for any certificate that is malformed,
// outside its validity window, or does not chain to the trusted root.
// Callers report failures as security events; the trust store itself does
// not log.
var ErrCertificateInvalid = errors.New("certificate invalid")

// ClientIdentity is the stable identity extracted from a verified
// controller certificate.
type ClientIdentity struct {
	ClientID  string
	PublicKey ed25519.PublicKey
	NotAfter  time.Time
}

// TrustStore verifies presented controller certificates against the
// vehicle's root CA. Read-only after construction, safe for concurrent use.
type TrustStore struct {
	roots *x509.CertPool
}

// NewTrustStore builds a trust store from a PEM-encoded root CA certificate.
func NewTrustStore(caPEM []byte) (*TrustStore, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable CA certificate in PEM data")
	}
	return &TrustStore{roots: pool}, nil
}

// Verify parses a raw DER certificate and checks it against the root.
// Returns the controller identity (subject common name) on success.
func (t *TrustStore) Verify(der []byte) (*ClientIdentity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrCertificateInvalid, err)
	}
	return t.VerifyCert(cert)
}

// VerifyCert checks an already-parsed certificate, as presented during the
// TLS handshake. The leaf must chain to the trusted root, be inside its
// validity window, and carry an Ed25519 public key so the same key can
// verify command signatures.
func (t *TrustStore) VerifyCert(cert *x509.Certificate) (*ClientIdentity, error) {
	opts := x509.VerifyOptions{
		Roots:     t.roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrCertificateInvalid, cert.PublicKey)
	}

	if cert.Subject.CommonName == "" {
		return nil, fmt.Errorf("%w: empty common name", ErrCertificateInvalid)
	}

	return &ClientIdentity{
		ClientID:  cert.Subject.CommonName,
		PublicKey: pub,
		NotAfter:  cert.NotAfter,
	}, nil
}
