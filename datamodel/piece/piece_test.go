package piece

import (
	"crypto/rand"
	"testing"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/oid"
)

func createTestPiece(size uint64) *Piece {
	p := &Piece{
		SessionID: oid.FromContent(oid.OidTypeSession, []byte("session")),
		Index:     3,
		Data:      make([]byte, size),
	}
	rand.Read(p.Data)
	return p
}

func TestPieceMatches(t *testing.T) {
	p := createTestPiece(64 * 1024)
	digest := descriptor.PieceDigest(p.Data)

	if !p.Matches(digest) {
		t.Fatal("piece does not match its own digest")
	}

	p.Data[0] ^= 0xff
	if p.Matches(digest) {
		t.Fatal("modified piece still matches the digest")
	}
	if p.Matches(nil) {
		t.Fatal("piece matches an empty digest")
	}
}
