// Package keygen generates participant key pairs from generator parameters
// and encodes them as PEM for storage.
package keygen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Generator parameter keys.
const (
	ParamAlgorithm = "algorithm"
	ParamCurve     = "curve"
)

// Supported algorithms and curves.
const (
	AlgorithmEdDSA = "EdDSA"
	AlgorithmEC    = "EC"
	AlgorithmRSA   = "RSA"

	CurveEd25519 = "Ed25519"
	CurveP256    = "P-256"
	CurveP384    = "P-384"
)

const rsaBits = 2048

// ErrUnsupportedAlgorithm is returned for algorithm/curve combinations that cannot be generated.
var ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

// KeyPair is a freshly generated key pair.
type KeyPair struct {
	// Algorithm and Curve echo the resolved generator parameters.
	Algorithm string
	Curve     string
	// PrivateKeyPEM is the PKCS#8 encoded private key.
	PrivateKeyPEM []byte
	// PublicKeyPEM is the PKIX encoded public key.
	PublicKeyPEM []byte
}

// Generate creates a key pair described by params. An empty parameter map
// yields an Ed25519 key pair.
//
//	params: "algorithm" (EdDSA, EC, RSA) and optional "curve"
func Generate(params map[string]string) (*KeyPair, error) {
	algorithm := params[ParamAlgorithm]
	curve := params[ParamCurve]
	if algorithm == "" {
		algorithm = AlgorithmEdDSA
	}

	var (
		priv crypto.Signer
		err  error
	)
	switch strings.ToUpper(algorithm) {
	case strings.ToUpper(AlgorithmEdDSA):
		if curve == "" {
			curve = CurveEd25519
		}
		if !strings.EqualFold(curve, CurveEd25519) {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedAlgorithm, algorithm, curve)
		}
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		algorithm, curve = AlgorithmEdDSA, CurveEd25519
	case AlgorithmEC:
		if curve == "" {
			curve = CurveP256
		}
		var c elliptic.Curve
		switch strings.ToUpper(curve) {
		case CurveP256:
			c = elliptic.P256()
		case CurveP384:
			c = elliptic.P384()
		default:
			return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedAlgorithm, algorithm, curve)
		}
		priv, err = ecdsa.GenerateKey(c, rand.Reader)
		algorithm, curve = AlgorithmEC, strings.ToUpper(curve)
	case AlgorithmRSA:
		priv, err = rsa.GenerateKey(rand.Reader, rsaBits)
		algorithm, curve = AlgorithmRSA, ""
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("gen key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal priv key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("marshal pub key: %w", err)
	}

	return &KeyPair{
		Algorithm:     algorithm,
		Curve:         curve,
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}, nil
}

// ParsePrivateKey decodes a PKCS#8 PEM private key produced by Generate.
func ParsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
	return signer, nil
}
