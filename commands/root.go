package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"bundlexfer/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "bundlexfer",
	Short: "Chunked, verifiable artifact transfer",
	Long: `bundlexfer moves large artifacts between nodes in independently verified pieces.

A node serves the artifacts of its outbox and receives artifacts into its inbox.
Interrupted transfers resume where they stopped.

  bundlexfer init --config node.json
  bundlexfer serve --config node.json
  bundlexfer push --config node.json 10.0.0.2:5001 bundle.tgz`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			return setLogLevel(logLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (overrides the config file)")

	rootCmd.AddCommand(initCmd, keygenCmd, describeCmd, serveCmd, fetchCmd, pushCmd, infoCmd)
}

// Execute runs the command line. Interrupts cancel the running command.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Errorf("%v", err)
		cancel()
		os.Exit(1)
	}
}

func setLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}

// loadConfig reads --config and applies its log level unless --loglevel was given.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, errors.New("config file not specified, use --config")
	}
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		if err := setLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// withConfig adapts a command body that needs the loaded config.
func withConfig(run func(ctx context.Context, cfg *config.Config, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, args)
	}
}
