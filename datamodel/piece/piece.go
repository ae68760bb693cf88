package piece

import (
	"bytes"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/oid"
)

// Piece is one verified slice of an artifact held in scratch storage until the session finalizes.
type Piece struct {
	SessionID *oid.Oid
	Index     uint64
	Data      []byte
}

// Matches reports whether the piece data hashes to digest.
func (p *Piece) Matches(digest []byte) bool {
	return bytes.Equal(descriptor.PieceDigest(p.Data), digest)
}
