package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"bundlexfer/sigs"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var keygenFlags struct {
	keyType string
	bits    int
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <prefix>",
	Short: "Generate a signing key pair as <prefix>.pem and <prefix>.pub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunKeygen(cmd.Context(), args[0], keygenFlags.keyType, keygenFlags.bits)
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenFlags.keyType, "type", "ed25519", "Key type: ed25519 or rsa")
	keygenCmd.Flags().IntVar(&keygenFlags.bits, "bits", 3072, "RSA key size")
}

func RunKeygen(ctx context.Context, prefix, keyType string, bits int) error {
	var signer *sigs.Signer
	var err error

	switch keyType {
	case "rsa":
		signer, err = sigs.GenerateRSAKey(bits)
	case "ed25519":
		var priv ed25519.PrivateKey
		if _, priv, err = ed25519.GenerateKey(rand.Reader); err == nil {
			signer, err = sigs.NewSigner(priv)
		}
	default:
		return fmt.Errorf("unknown key type %q", keyType)
	}
	if err != nil {
		return err
	}

	if err := sigs.WriteKeyPair(signer, prefix+".pem", prefix+".pub"); err != nil {
		return err
	}
	log.Infof("Wrote %s key to %s.pem, public key to %s.pub", keyType, prefix, prefix)
	return nil
}
