package session

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/datamodel/piece"
	"bundlexfer/oid"

	"github.com/filecoin-project/go-bitfield"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

type State uint8

const (
	StateEstablishing State = iota
	StateActive
	StateComplete
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "ESTABLISHING"
	case StateActive:
		return "ACTIVE"
	case StateComplete:
		return "COMPLETE"
	case StateFinalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Record is the durable state of one receiving session. Everything a later call needs is copied
// from the descriptor at establishment, so pieces can be verified without the descriptor.
type Record struct {
	ID              string    `cbor:"1,keyasint"`
	FileName        string    `cbor:"2,keyasint"`
	TotalSize       uint64    `cbor:"3,keyasint"`
	PieceSize       uint64    `cbor:"4,keyasint"`
	Digests         [][]byte  `cbor:"5,keyasint,omitempty"`
	Inline          bool      `cbor:"6,keyasint,omitempty"`
	DestinationPath string    `cbor:"7,keyasint"`
	State           State     `cbor:"8,keyasint"`
	Received        []byte    `cbor:"9,keyasint"` // CBOR encoded RLE+ bitfield
	Created         time.Time `cbor:"10,keyasint"`
}

// NewRecord prepares the record of a session established from d.
func NewRecord(id *oid.Oid, d *descriptor.Descriptor, destinationPath string) (*Record, error) {
	r := &Record{
		ID:              id.String(),
		FileName:        d.FileName,
		TotalSize:       d.TotalSize,
		PieceSize:       d.PieceSize,
		Digests:         d.Pieces,
		Inline:          d.IsInline(),
		DestinationPath: destinationPath,
		State:           StateActive,
		Created:         time.Now().UTC(),
	}
	if r.Inline {
		r.State = StateComplete
	}
	if err := r.SetReceived(bitfield.New()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) ExpectedPieceCount() uint64 {
	return uint64(len(r.Digests))
}

// PieceLength returns the expected byte length of piece index.
func (r *Record) PieceLength(index uint64) uint64 {
	return descriptor.PieceLength(r.TotalSize, r.PieceSize, index)
}

// Verify checks a candidate piece against the digest recorded for its index.
func (r *Record) Verify(p *piece.Piece) bool {
	if p.Index >= r.ExpectedPieceCount() || uint64(len(p.Data)) != r.PieceLength(p.Index) {
		return false
	}
	return p.Matches(r.Digests[p.Index])
}

func (r *Record) ReceivedBits() (bitfield.BitField, error) {
	bf := bitfield.New()
	if len(r.Received) == 0 {
		return bf, nil
	}
	if err := bf.UnmarshalCBOR(bytes.NewReader(r.Received)); err != nil {
		return bf, fmt.Errorf("decoding received bitfield of %s: %w", r.ID, err)
	}
	return bf, nil
}

func (r *Record) SetReceived(bf bitfield.BitField) error {
	var buf bytes.Buffer
	if err := bf.MarshalCBOR(&buf); err != nil {
		return err
	}
	r.Received = buf.Bytes()
	return nil
}

// MarkReceived sets the bit for index and reports whether it was newly set.
// The record becomes complete once every expected bit is set.
func (r *Record) MarkReceived(index uint64) (bool, error) {
	bf, err := r.ReceivedBits()
	if err != nil {
		return false, err
	}
	set, err := bf.IsSet(index)
	if err != nil {
		return false, err
	}
	if set {
		return false, nil
	}

	bf.Set(index)
	if err := r.SetReceived(bf); err != nil {
		return false, err
	}

	count, err := bf.Count()
	if err != nil {
		return false, err
	}
	if count == r.ExpectedPieceCount() && r.State == StateActive {
		r.State = StateComplete
	}
	return true, nil
}

// ReceivedVector expands the bitfield into one flag per expected piece.
func (r *Record) ReceivedVector() ([]bool, error) {
	vec := make([]bool, r.ExpectedPieceCount())
	bf, err := r.ReceivedBits()
	if err != nil {
		return nil, err
	}
	all, err := bf.All(r.ExpectedPieceCount())
	if err != nil {
		return nil, err
	}
	for _, i := range all {
		if i < uint64(len(vec)) {
			vec[i] = true
		}
	}
	return vec, nil
}

// Descriptor rebuilds the descriptor the session was established from, minus inline data and signature.
func (r *Record) Descriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		FileName:  r.FileName,
		TotalSize: r.TotalSize,
		PieceSize: r.PieceSize,
		Pieces:    r.Digests,
	}
}

// SessionIndex keeps the durable session records. Implementations serialise Mutate calls per session.
type SessionIndex interface {
	// Begin stores the record of a new session.
	// It returns ErrExists if a record with the same ID is already present.
	Begin(*Record) error

	// Get returns the record for the given session, or ErrNotFound.
	Get(*oid.Oid) (*Record, error)

	// Has checks if a record for the session exists.
	Has(*oid.Oid) (bool, error)

	// Mutate loads the record, applies the mutator and durably writes the result back, all under the
	// session's lock. Nothing is written if the mutator returns an error.
	// It returns the record as stored, or ErrNotFound.
	Mutate(*oid.Oid, func(*Record) error) (*Record, error)

	// End removes the record. Removing a missing record is not an error.
	End(*oid.Oid) error

	// Enumerate returns the IDs of all known sessions.
	Enumerate() ([]*oid.Oid, error)

	// Close releases any resources held by the index.
	Close() error
}

// ScratchStore holds verified pieces of sessions that have not been finalized yet.
type ScratchStore interface {
	// Put stores a piece, replacing any previous copy of the same index atomically.
	Put(*piece.Piece) error

	// Get retrieves the piece with the given index of a session.
	Get(*oid.Oid, uint64) (*piece.Piece, error)

	// Has checks if a piece is present.
	Has(*oid.Oid, uint64) (bool, error)

	// Destroy removes every piece of the session.
	Destroy(*oid.Oid) error

	// Enumerate returns the IDs of all sessions that hold scratch data.
	Enumerate() ([]*oid.Oid, error)

	// Close releases any resources held by the store.
	Close() error
}
