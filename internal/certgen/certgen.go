// Package certgen issues the X.509 certificates that protect the status API
// with mutual TLS: a self-signed CA, a server certificate and operator
// client certificates signed by it. Keys come from keygen.
package certgen

import (
	"crypto"
	"crypto/rand"
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

	"github.com/atinyakov/identityhub/internal/keygen"
)

// Usage selects the extended key usage of an issued certificate.
type Usage int

const (
	// UsageServer issues a TLS server certificate.
	UsageServer Usage = iota
	// UsageClient issues a TLS client certificate.
	UsageClient
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

var keyParams = map[string]string{
	keygen.ParamAlgorithm: keygen.AlgorithmEC,
	keygen.ParamCurve:     keygen.CurveP256,
}

// Bundle is a certificate with its private key.
type Bundle struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// NewCA creates a self-signed CA.
func NewCA(commonName string) (*Bundle, error) {
	tmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	return create(tmpl, nil)
}

// Issue creates a certificate for commonName signed by ca. Server
// certificates carry commonName as DNS name, or as IP address if it is one.
func Issue(commonName string, ca *Bundle, usage Usage) (*Bundle, error) {
	if ca == nil || !ca.Cert.IsCA {
		return nil, errors.New("issuer is not a CA")
	}
	tmpl := &x509.Certificate{
		Subject:   pkix.Name{CommonName: commonName},
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(leafValidity),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	switch usage {
	case UsageServer:
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		if ip := net.ParseIP(commonName); ip != nil {
			tmpl.IPAddresses = []net.IP{ip}
		} else {
			tmpl.DNSNames = []string{commonName}
		}
	case UsageClient:
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return nil, fmt.Errorf("unknown usage %d", usage)
	}
	return create(tmpl, ca)
}

func create(tmpl *x509.Certificate, issuer *Bundle) (*Bundle, error) {
	kp, err := keygen.Generate(keyParams)
	if err != nil {
		return nil, err
	}
	key, err := keygen.ParsePrivateKey(kp.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	tmpl.SerialNumber = serial

	parent, signer := tmpl, key
	if issuer != nil {
		parent, signer = issuer.Cert, issuer.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse cert: %w", err)
	}

	return &Bundle{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  kp.PrivateKeyPEM,
	}, nil
}

// LoadCA reads a CA written by WriteFiles.
func LoadCA(certPath, keyPath string) (*Bundle, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}
	key, err := keygen.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}
	return &Bundle{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// WriteFiles writes <name>.crt and <name>.key into dir. The key is only
// readable by the owner.
func WriteFiles(dir, name string, b *Bundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), b.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), b.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}
