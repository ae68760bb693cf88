package sigs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

var ErrNoPEMBlock = errors.New("no PEM block found")

// LoadSigner reads a PEM private key: "RSA PRIVATE KEY" (PKCS#1) or "PRIVATE KEY" (PKCS#8).
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSigner(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("Loaded private key from %s", path)
	return s, nil
}

func ParseSigner(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}
	if err != nil {
		return nil, err
	}

	cs, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return NewSigner(cs)
}

// LoadVerifier reads a PEM public key: "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY" (PKCS#1).
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := ParseVerifier(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("Loaded public key from %s", path)
	return v, nil
}

func ParseVerifier(data []byte) (*Verifier, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	var key any
	var err error
	switch block.Type {
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewVerifier(key)
}

func GenerateRSAKey(bits int) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// EncodePrivateKey returns the PKCS#8 PEM encoding of the signer's key.
func (s *Signer) EncodePrivateKey() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKey returns the PKIX PEM encoding of the verifier's key.
func (v *Verifier) EncodePublicKey() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(v.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// WriteKeyPair stores the private key (mode 0600) and its public half (mode 0644).
func WriteKeyPair(s *Signer, privatePath, publicPath string) error {
	priv, err := s.EncodePrivateKey()
	if err != nil {
		return err
	}
	pub, err := s.Verifier().EncodePublicKey()
	if err != nil {
		return err
	}
	if err := os.WriteFile(privatePath, priv, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(publicPath, pub, 0644); err != nil {
		return err
	}
	log.Infof("Wrote key pair to %s and %s", privatePath, publicPath)
	return nil
}
