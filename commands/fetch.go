package commands

import (
	"context"
	"fmt"

	"bundlexfer/config"
	"bundlexfer/exchange"
	"bundlexfer/exchange/protocol"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <address> <name>...",
	Short: "Download artifacts from a remote outbox into the local inbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: withConfig(func(ctx context.Context, cfg *config.Config, args []string) error {
		return RunFetch(ctx, cfg, args[0], args[1:])
	}),
}

var pushCmd = &cobra.Command{
	Use:   "push <address> <name>...",
	Short: "Upload artifacts from the local outbox into a remote inbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: withConfig(func(ctx context.Context, cfg *config.Config, args []string) error {
		return RunPush(ctx, cfg, args[0], args[1:])
	}),
}

func RunFetch(ctx context.Context, cfg *config.Config, address string, names []string) error {
	client, err := exchange.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer client.Close()

	node, err := openReceiver(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	receiver, err := node.service(cfg)
	if err != nil {
		return err
	}

	return relayAll(ctx, client, exchange.LocalSink{Receiver: receiver}, names, cfg.Transfer.Parallelism)
}

func RunPush(ctx context.Context, cfg *config.Config, address string, names []string) error {
	library, err := openLibrary(cfg)
	if err != nil {
		return err
	}

	client, err := exchange.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer client.Close()

	return relayAll(ctx, exchange.LibrarySource{Library: library}, client, names, cfg.Transfer.Parallelism)
}

// relayAll moves every named artifact, carrying on past failures.
func relayAll(ctx context.Context, source exchange.Source, sink exchange.Sink, names []string, parallelism int) error {
	var result *multierror.Error
	for _, name := range names {
		res, err := exchange.Relay(ctx, source, sink, name, parallelism)
		if err != nil {
			log.Errorf("Transfer of %s failed: %v", name, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logResult(name, res)
	}
	return result.ErrorOrNil()
}

func logResult(name string, res *protocol.SessionResponse) {
	log.Infof("%s: %d%% of %d pieces, session %s, result %v", name, res.Percent, len(res.Status), res.SessionID, res.Result)
}
