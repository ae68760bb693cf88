package commands

import (
	"context"
	"errors"
	"net"

	"bundlexfer/config"
	"bundlexfer/exchange"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the outbox and receive into the inbox",
	Args:  cobra.NoArgs,
	RunE: withConfig(func(ctx context.Context, cfg *config.Config, args []string) error {
		return RunServe(ctx, cfg)
	}),
}

func RunServe(ctx context.Context, cfg *config.Config) error {
	l, err := net.Listen("tcp", cfg.Network.RPCListenAddress)
	if err != nil {
		return err
	}
	return Serve(ctx, cfg, l)
}

// Serve runs both services on l until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, l net.Listener) error {
	library, err := openLibrary(cfg)
	if err != nil {
		l.Close()
		return err
	}

	node, err := openReceiver(cfg)
	if err != nil {
		l.Close()
		return err
	}
	defer node.Close()

	receiver, err := node.service(cfg)
	if err != nil {
		l.Close()
		return err
	}

	srv, err := exchange.NewServer(l, exchange.NewSender(library), receiver)
	if err != nil {
		l.Close()
		return err
	}

	log.Infof("Serving %s, receiving into %s, on %s", cfg.Sender.BaseDir, cfg.Receiver.DestinationDir, srv.Addr())
	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
