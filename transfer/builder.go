package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/sigs"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Build produces the descriptor of the file at sourcePath. Piece digests are computed in parallel.
// The result only depends on the file content, the piece size and the key, so rebuilding an
// unchanged file yields byte-identical encodings.
func Build(ctx context.Context, sourcePath string, pieceSize uint64, signer *sigs.Signer) (*descriptor.Descriptor, error) {
	if pieceSize == 0 {
		return nil, fmt.Errorf("%w: zero piece size", descriptor.ErrInvalid)
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", sourcePath)
	}

	d := &descriptor.Descriptor{
		FileName:  filepath.Base(sourcePath),
		TotalSize: uint64(st.Size()),
		PieceSize: pieceSize,
	}
	if err := descriptor.ValidateFileName(d.FileName); err != nil {
		return nil, err
	}

	count := descriptor.PieceCount(d.TotalSize, pieceSize)
	if count == 0 {
		data, err := io.ReadAll(io.LimitReader(f, int64(pieceSize)+1))
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) != d.TotalSize {
			return nil, fmt.Errorf("%s changed while reading: %w", sourcePath, ErrSourceChanged)
		}
		d.InlineData = data
	} else {
		d.Pieces = make([][]byte, count)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range count {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				buf := make([]byte, d.PieceLength(i))
				n, err := f.ReadAt(buf, int64(i*pieceSize))
				if n < len(buf) {
					if err == nil || errors.Is(err, io.EOF) {
						err = ErrSourceChanged
					}
					return fmt.Errorf("reading piece %d of %s: %w", i, sourcePath, err)
				}
				d.Pieces[i] = descriptor.PieceDigest(buf)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if signer != nil {
		if err := Sign(d, signer); err != nil {
			return nil, err
		}
	}

	log.Infof("Built descriptor for %s: %s in %d pieces of %s, signed: %t",
		d.FileName, humanize.IBytes(d.TotalSize), count, humanize.IBytes(pieceSize), d.IsSigned())

	return d, nil
}

// Sign attaches a signature over the canonical encoding of d.
func Sign(d *descriptor.Descriptor, signer *sigs.Signer) error {
	material, err := d.Canonical()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(material)
	if err != nil {
		return err
	}
	d.Signature = string(sig)
	return nil
}

// Authenticate checks that d carries a valid signature by the holder of v's private key.
func Authenticate(d *descriptor.Descriptor, v *sigs.Verifier) error {
	if !d.IsSigned() {
		return ErrUnsignedDescriptor
	}
	material, err := d.Canonical()
	if err != nil {
		return err
	}
	if _, err := v.Verify(material, []byte(d.Signature)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorizedMessage, err)
	}
	return nil
}
