package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"bundlexfer/config"
	"bundlexfer/oid"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List the sessions of the local inbox",
	Args:  cobra.NoArgs,
	RunE: withConfig(func(ctx context.Context, cfg *config.Config, args []string) error {
		return RunInfo(ctx, cfg, os.Stdout)
	}),
}

func RunInfo(ctx context.Context, cfg *config.Config, w io.Writer) error {
	node, err := openReceiver(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	sessions, err := node.receiver.Sessions(ctx)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions in progress")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tFILE\tSIZE\tSTATE\tDONE\tSCRATCH")
	for _, s := range sessions {
		sid, err := oid.FromString(s.ID)
		if err != nil {
			return err
		}
		// Pieces on disk, which may run ahead of the index after a crash.
		stored, err := node.scratch.Indexes(sid)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\n",
			s.ID, s.FileName, humanize.IBytes(s.TotalSize), s.State, s.Percent(), len(stored))
	}
	return tw.Flush()
}
