package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// Certificate rotation threshold: rotate when less than 30 days remaining
	certRotationThreshold = 30 * 24 * time.Hour

	// Validity of a generated control-plane certificate
	certValidity = 365 * 24 * time.Hour

	// BundleName holds the certificate followed by its private key
	BundleName = "control.pem"
)

// BundlePath returns the control-plane certificate bundle path in certDir
func BundlePath(certDir string) string {
	return filepath.Join(certDir, BundleName)
}

// EnsureServerCert returns the shared control-plane certificate in certDir,
// generating a self-signed one when none exists or the existing one is close
// to expiry. Every worker on the host calls this at startup; the first writer
// wins and the rest load its bundle.
func EnsureServerCert(certDir string) (*tls.Certificate, error) {
	cert, err := LoadServerCert(certDir)
	if err == nil && !CertNeedsRotation(cert.Leaf) {
		return cert, nil
	}
	// an unreadable bundle is replaced like an expiring one
	rotate := err == nil || !errors.Is(err, os.ErrNotExist)

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}
	bundle, err := generateBundle()
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(certDir, ".control-*.pem")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bundle); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	final := BundlePath(certDir)
	if rotate {
		err = os.Rename(tmp.Name(), final)
	} else {
		// link never replaces an existing file, so concurrent creators agree
		err = os.Link(tmp.Name(), final)
		if errors.Is(err, os.ErrExist) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to install bundle: %w", err)
	}
	return LoadServerCert(certDir)
}

// LoadServerCert loads the control-plane bundle from certDir
func LoadServerCert(certDir string) (*tls.Certificate, error) {
	data, err := os.ReadFile(BundlePath(certDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	// Parse certificate to populate Leaf field
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// ServerTLSConfig builds the listener TLS configuration
func ServerTLSConfig(cert *tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig trusts exactly the control-plane certificate in certDir
func ClientTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := LoadServerCert(certDir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}, nil
}

// CertNeedsRotation returns true if the certificate should be rotated
// This happens when less than 30 days remain until expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

func generateBundle() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames := []string{"localhost"}
	if host, err := os.Hostname(); err == nil && host != "localhost" {
		dnsNames = append(dnsNames, host)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "exaworker control plane",
			Organization: []string{"exaworker"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	bundle := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return bundle, nil
}
