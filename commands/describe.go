package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"bundlexfer/config"
	"bundlexfer/transfer"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var describeOut string

var describeCmd = &cobra.Command{
	Use:   "describe <file>",
	Short: "Build the descriptor of a file",
	Args:  cobra.ExactArgs(1),
	RunE: withConfig(func(ctx context.Context, cfg *config.Config, args []string) error {
		return RunDescribe(ctx, cfg, os.Stdout, args[0], describeOut)
	}),
}

func init() {
	describeCmd.Flags().StringVarP(&describeOut, "out", "o", "", "Write the encoded descriptor to this file")
}

func RunDescribe(ctx context.Context, cfg *config.Config, w io.Writer, path, out string) error {
	signer, err := cfg.LoadSigner()
	if err != nil {
		return err
	}

	d, err := transfer.Build(ctx, path, cfg.Transfer.PieceSize, signer)
	if err != nil {
		return err
	}
	sid, err := transfer.SessionID(d)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "name:       %s\n", d.FileName)
	fmt.Fprintf(w, "size:       %s (%d bytes)\n", humanize.IBytes(d.TotalSize), d.TotalSize)
	fmt.Fprintf(w, "piece size: %s\n", humanize.IBytes(d.PieceSize))
	if d.IsInline() {
		fmt.Fprintf(w, "pieces:     none, content inline\n")
	} else {
		fmt.Fprintf(w, "pieces:     %d\n", len(d.Pieces))
	}
	fmt.Fprintf(w, "signed:     %t\n", d.IsSigned())
	fmt.Fprintf(w, "session:    %s\n", sid)

	if out == "" {
		return nil
	}
	raw, err := d.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(out, raw, 0644)
}
