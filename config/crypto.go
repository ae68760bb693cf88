package config

import (
	"bundlexfer/sigs"
)

// LoadSigner returns the sender's signing key, or nil when descriptors go out unsigned.
func (c *Config) LoadSigner() (*sigs.Signer, error) {
	if c.Sender.PrivateKeyPath == "" {
		return nil, nil
	}
	return sigs.LoadSigner(c.Sender.PrivateKeyPath)
}

// LoadRemoteKey returns the key new sessions must be signed with, or nil when any descriptor is accepted.
func (c *Config) LoadRemoteKey() (*sigs.Verifier, error) {
	if c.Receiver.RemotePublicKeyPath == "" {
		return nil, nil
	}
	return sigs.LoadVerifier(c.Receiver.RemotePublicKeyPath)
}
