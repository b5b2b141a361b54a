package security

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CAPaths holds the on-disk locations of the vehicle's CA material.
type CAPaths struct {
	CACertPath string
	CAKeyPath  string
	CertPath   string
	KeyPath    string
}

// CA is the vehicle's certificate authority. It signs the vehicle's own
// server certificate and every enrolled controller's client certificate.
type CA struct {
	cert  *x509.Certificate
	key   *ecdsa.PrivateKey
	paths *CAPaths
}

// LoadOrCreateCA loads the CA and server certificate from dataDir or
// generates them on first run.
func LoadOrCreateCA(dataDir string) (*CA, error) {
	paths := &CAPaths{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CAKeyPath:  filepath.Join(dataDir, "ca.key"),
		CertPath:   filepath.Join(dataDir, "server.crt"),
		KeyPath:    filepath.Join(dataDir, "server.key"),
	}

	if !fileExists(paths.CACertPath) || !fileExists(paths.CAKeyPath) ||
		!fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateCerts(paths); err != nil {
			return nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	certPEM, err := os.ReadFile(paths.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid CA cert file")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyPEM, err := os.ReadFile(paths.CAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid CA key file")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &CA{cert: cert, key: key, paths: paths}, nil
}

// CertPEM returns the PEM-encoded CA certificate for distribution to
// enrolling controllers.
func (c *CA) CertPEM() ([]byte, error) {
	return os.ReadFile(c.paths.CACertPath)
}

// ServerTLSConfig returns a TLS 1.3 config that presents the vehicle's
// server certificate and requires a client certificate chaining to the CA.
// Connections without a valid client certificate fail the handshake before
// any application message is exchanged.
func (c *CA) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.paths.CertPath, c.paths.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := c.CertPEM()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// IssueClientCert signs an Ed25519 client certificate for clientID, valid
// for validity. The subject common name carries the client identity; the
// same Ed25519 key later signs the controller's commands.
func (c *CA) IssueClientCert(clientID string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"FieldLink Controllers"},
			CommonName:   clientID,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, pub, c.key)
	if err != nil {
		return nil, nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func generateCerts(paths *CAPaths) error {
	caKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}

	caTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"FieldLink CA"},
			CommonName:   "FieldLink Vehicle Root CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return err
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}

	// SANs: localhost, hostname, all non-loopback local IPs. The mobile
	// controller reaches the vehicle over whatever link is up in the field.
	dnsNames := []string{"localhost"}
	var ipAddrs []net.IP

	if hostname, err := os.Hostname(); err == nil {
		dnsNames = append(dnsNames, hostname)
	}

	ipAddrs = append(ipAddrs, net.IPv4(127, 0, 0, 1), net.IPv6loopback)

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				var ip net.IP
				switch v := addr.(type) {
				case *net.IPNet:
					ip = v.IP
				case *net.IPAddr:
					ip = v.IP
				}
				if ip != nil && !ip.IsLoopback() {
					ipAddrs = append(ipAddrs, ip)
				}
			}
		}
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"FieldLink"},
			CommonName:   "FieldLink Vehicle",
		},
		DNSNames:    dnsNames,
		IPAddresses: ipAddrs,
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	if err := writePEM(paths.CACertPath, "CERTIFICATE", caCertDER); err != nil {
		return err
	}

	caKeyDER, err := x509.MarshalECPrivateKey(caKey)
	if err != nil {
		return err
	}
	if err := writePEM(paths.CAKeyPath, "EC PRIVATE KEY", caKeyDER); err != nil {
		return err
	}

	if err := writePEM(paths.CertPath, "CERTIFICATE", serverCertDER); err != nil {
		return err
	}

	serverKeyDER, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		return err
	}
	return writePEM(paths.KeyPath, "EC PRIVATE KEY", serverKeyDER)
}

func writePEM(path, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func newSerial() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, max)
	return serial
}
