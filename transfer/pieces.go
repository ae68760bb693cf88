package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"bundlexfer/datamodel/descriptor"
)

// GetPiece re-reads piece index of the source file described by d.
// The bytes are checked against the descriptor, a file modified since the descriptor was built
// yields ErrSourceChanged rather than bytes the receiver would reject.
func GetPiece(sourcePath string, d *descriptor.Descriptor, index uint64) ([]byte, error) {
	if index >= uint64(len(d.Pieces)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(d.Pieces))
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readPiece(f, d, index)
}

func readPiece(r io.ReaderAt, d *descriptor.Descriptor, index uint64) ([]byte, error) {
	buf := make([]byte, d.PieceLength(index))
	n, err := r.ReadAt(buf, int64(index*d.PieceSize))
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("piece %d is short: %w", index, ErrSourceChanged)
		}
		return nil, err
	}
	if !bytes.Equal(descriptor.PieceDigest(buf), d.Pieces[index]) {
		return nil, fmt.Errorf("piece %d: %w", index, ErrSourceChanged)
	}
	return buf, nil
}

// fileMatches reports whether path holds exactly the artifact described by d.
// Descriptors of inline artifacts without their data can only be compared by size.
func fileMatches(path string, d *descriptor.Descriptor) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if !st.Mode().IsRegular() || uint64(st.Size()) != d.TotalSize {
		return false, nil
	}

	if d.IsInline() {
		if d.InlineData == nil {
			return true, nil
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return false, err
		}
		return bytes.Equal(data, d.InlineData), nil
	}

	for i := range uint64(len(d.Pieces)) {
		if _, err := readPiece(f, d, i); err != nil {
			if errors.Is(err, ErrSourceChanged) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}
