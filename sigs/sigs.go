// Package sigs produces and checks detached signatures over opaque byte strings.
//
// Signatures travel as base64 text. RSA keys sign with PKCS#1 v1.5 over a SHA-256 digest of the
// material, Ed25519 keys sign the material itself. Both schemes are deterministic, so signing the
// same material twice yields the same signature.
package sigs

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrUnauthorizedSignature = errors.New("signature does not match the public key")
	ErrMalformedSignature    = errors.New("malformed signature")
	ErrUnsupportedKey        = errors.New("unsupported key type")
)

var encoding = base64.StdEncoding

type Signer struct {
	key crypto.Signer
}

// NewSigner wraps an RSA or Ed25519 private key.
func NewSigner(key crypto.Signer) (*Signer, error) {
	switch key.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		return &Signer{key: key}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Sign returns the base64 encoded signature over material.
func (s *Signer) Sign(material []byte) ([]byte, error) {
	var raw []byte
	var err error

	switch k := s.key.(type) {
	case *rsa.PrivateKey:
		digest := sha256.Sum256(material)
		raw, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	case ed25519.PrivateKey:
		raw = ed25519.Sign(k, material)
	default:
		err = ErrUnsupportedKey
	}
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	out := make([]byte, encoding.EncodedLen(len(raw)))
	encoding.Encode(out, raw)
	return out, nil
}

// Verifier returns the verifier for the signer's public half.
func (s *Signer) Verifier() *Verifier {
	return &Verifier{key: s.key.Public()}
}

type Verifier struct {
	key crypto.PublicKey
}

func NewVerifier(key crypto.PublicKey) (*Verifier, error) {
	switch key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return &Verifier{key: key}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Verify checks signature against material and returns material when it holds.
func (v *Verifier) Verify(material, signature []byte) ([]byte, error) {
	raw := make([]byte, encoding.DecodedLen(len(signature)))
	n, err := encoding.Decode(raw, signature)
	if err != nil || n == 0 {
		return nil, ErrMalformedSignature
	}
	raw = raw[:n]

	switch k := v.key.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(material)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], raw); err != nil {
			return nil, ErrUnauthorizedSignature
		}
	case ed25519.PublicKey:
		if len(raw) != ed25519.SignatureSize {
			return nil, ErrMalformedSignature
		}
		if !ed25519.Verify(k, material, raw) {
			return nil, ErrUnauthorizedSignature
		}
	default:
		return nil, ErrUnsupportedKey
	}

	return material, nil
}
