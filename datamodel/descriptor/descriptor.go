// Package descriptor defines the manifest a sender publishes for one version of an artifact.
package descriptor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"bundlexfer/codec"

	"github.com/zeebo/blake3"
)

// DigestSize is the length of a piece digest (BLAKE3-256).
const DigestSize = 32

var ErrInvalid = errors.New("invalid descriptor")

// Descriptor lists everything a receiver needs to verify and reassemble an artifact.
// Artifacts no larger than one piece travel inline and carry no piece digests.
type Descriptor struct {
	FileName   string   `cbor:"1,keyasint" json:"name"`
	TotalSize  uint64   `cbor:"2,keyasint" json:"length"`
	PieceSize  uint64   `cbor:"3,keyasint" json:"piece_length"`
	Pieces     [][]byte `cbor:"4,keyasint,omitempty" json:"pieces,omitempty"`
	InlineData []byte   `cbor:"5,keyasint,omitempty" json:"data,omitempty"`
	Signature  string   `cbor:"6,keyasint,omitempty" json:"signature,omitempty"`
}

func PieceDigest(data []byte) []byte {
	d := blake3.Sum256(data)
	return d[:]
}

// PieceCount returns ceil(totalSize / pieceSize), or zero when the artifact fits inline.
func PieceCount(totalSize, pieceSize uint64) uint64 {
	if pieceSize == 0 || totalSize <= pieceSize {
		return 0
	}
	return (totalSize + pieceSize - 1) / pieceSize
}

// PieceLength returns the byte length of piece index, the last piece may be short.
func PieceLength(totalSize, pieceSize, index uint64) uint64 {
	start := index * pieceSize
	if start >= totalSize {
		return 0
	}
	return min(pieceSize, totalSize-start)
}

func (d *Descriptor) IsInline() bool {
	return len(d.Pieces) == 0
}

func (d *Descriptor) IsSigned() bool {
	return d.Signature != ""
}

// PieceLength returns the byte length of piece index.
func (d *Descriptor) PieceLength(index uint64) uint64 {
	return PieceLength(d.TotalSize, d.PieceSize, index)
}

// Validate checks the structural invariants of a descriptor received from a peer.
func (d *Descriptor) Validate() error {
	if err := ValidateFileName(d.FileName); err != nil {
		return err
	}
	if d.PieceSize == 0 {
		return fmt.Errorf("%w: zero piece size", ErrInvalid)
	}

	want := PieceCount(d.TotalSize, d.PieceSize)
	if uint64(len(d.Pieces)) != want {
		return fmt.Errorf("%w: %d pieces, want %d", ErrInvalid, len(d.Pieces), want)
	}

	if want == 0 {
		if uint64(len(d.InlineData)) != d.TotalSize {
			return fmt.Errorf("%w: inline data is %d bytes, want %d", ErrInvalid, len(d.InlineData), d.TotalSize)
		}
		return nil
	}

	if len(d.InlineData) != 0 {
		return fmt.Errorf("%w: inline data alongside pieces", ErrInvalid)
	}
	for i, p := range d.Pieces {
		if len(p) != DigestSize {
			return fmt.Errorf("%w: digest %d is %d bytes", ErrInvalid, i, len(p))
		}
	}
	return nil
}

// ValidateFileName accepts a bare file name only.
func ValidateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: file name %q", ErrInvalid, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: file name %q contains a path separator", ErrInvalid, name)
	case filepath.Base(name) != name:
		return fmt.Errorf("%w: file name %q", ErrInvalid, name)
	}
	return nil
}

// Canonical returns the deterministic encoding with the signature cleared. This is what gets signed.
func (d *Descriptor) Canonical() ([]byte, error) {
	unsigned := *d
	unsigned.Signature = ""
	return codec.Marshal(&unsigned)
}

func (d *Descriptor) Marshal() ([]byte, error) {
	return codec.Marshal(d)
}

// Unmarshal decodes and validates descriptor bytes as received from the wire.
func Unmarshal(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	if err := codec.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// WithoutPayload returns a copy with inline data and signature dropped.
func (d *Descriptor) WithoutPayload() *Descriptor {
	c := *d
	c.InlineData = nil
	c.Signature = ""
	return &c
}

