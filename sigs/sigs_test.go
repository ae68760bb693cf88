package sigs

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRSA(t *testing.T) *Signer {
	t.Helper()
	s, err := GenerateRSAKey(1024)
	require.NoError(t, err)
	return s
}

func newEd25519(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := NewSigner(priv)
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	for name, s := range map[string]*Signer{"rsa": newRSA(t), "ed25519": newEd25519(t)} {
		t.Run(name, func(t *testing.T) {
			material := []byte("Hello world")
			sig, err := s.Sign(material)
			require.NoError(t, err)

			out, err := s.Verifier().Verify(material, sig)
			require.NoError(t, err)
			require.Equal(t, material, out)

			again, err := s.Sign(material)
			require.NoError(t, err)
			require.Equal(t, sig, again)
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	s, other := newRSA(t), newRSA(t)
	sig, err := s.Sign([]byte("Hello world"))
	require.NoError(t, err)

	_, err = other.Verifier().Verify([]byte("Hello world"), sig)
	require.ErrorIs(t, err, ErrUnauthorizedSignature)
}

func TestVerifyTamperedMaterial(t *testing.T) {
	s := newEd25519(t)
	sig, err := s.Sign([]byte("Hello world"))
	require.NoError(t, err)

	_, err = s.Verifier().Verify([]byte("Hello world!"), sig)
	require.ErrorIs(t, err, ErrUnauthorizedSignature)
}

func TestVerifyMalformed(t *testing.T) {
	s := newRSA(t)
	_, err := s.Verifier().Verify([]byte("Hello world"), []byte("%%% not base64 %%%"))
	require.ErrorIs(t, err, ErrMalformedSignature)

	_, err = s.Verifier().Verify([]byte("Hello world"), nil)
	require.ErrorIs(t, err, ErrMalformedSignature)
}

func TestKeyFiles(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "key.pem")
	pub := filepath.Join(dir, "key.pub")

	s := newRSA(t)
	require.NoError(t, WriteKeyPair(s, priv, pub))

	loaded, err := LoadSigner(priv)
	require.NoError(t, err)
	v, err := LoadVerifier(pub)
	require.NoError(t, err)

	sig, err := loaded.Sign([]byte("payload"))
	require.NoError(t, err)
	_, err = v.Verify([]byte("payload"), sig)
	require.NoError(t, err)

	_, err = LoadSigner(pub)
	require.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ParseVerifier([]byte("garbage"))
	require.ErrorIs(t, err, ErrNoPEMBlock)
}
