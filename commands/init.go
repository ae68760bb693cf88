package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"bundlexfer/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and create its directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return errors.New("config file not specified, use --config")
		}
		return RunInit(cmd.Context(), config.NewEmptyConfig(configFile), initForce)
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func RunInit(ctx context.Context, cfg *config.Config, force bool) error {
	if _, err := os.Stat(cfg.ConfigFile()); err == nil && !force {
		return fmt.Errorf("%s already exists", cfg.ConfigFile())
	}

	for _, dir := range []string{cfg.Sender.BaseDir, cfg.Receiver.DestinationDir, cfg.Receiver.ScratchPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := cfg.Save(); err != nil {
		return err
	}
	log.Infof("Initialized %s: outbox %s, inbox %s", cfg.ConfigFile(), cfg.Sender.BaseDir, cfg.Receiver.DestinationDir)
	return nil
}
