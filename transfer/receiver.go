package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/datamodel/piece"
	"bundlexfer/datamodel/session"
	"bundlexfer/oid"
	"bundlexfer/sigs"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Receiver runs the receiving side of transfers. It keeps no session state in memory: every call
// loads what it needs from the index and writes changes back before returning, so any number of
// receivers (in one process or several, depending on the index) may serve the same sessions.
type Receiver struct {
	scratch        session.ScratchStore
	index          session.SessionIndex
	destinationDir string

	finishing singleflight.Group
}

func NewReceiver(scratch session.ScratchStore, index session.SessionIndex, destinationDir string) *Receiver {
	return &Receiver{
		scratch:        scratch,
		index:          index,
		destinationDir: destinationDir,
	}
}

type EstablishParams struct {
	// SessionID resumes or names a session. Derived from the descriptor when empty.
	SessionID string

	// RemoteKey, when set, must have signed the descriptor of a new session.
	RemoteKey *sigs.Verifier

	// DestinationDir overrides the receiver's destination directory.
	DestinationDir string
}

// SessionID returns the session id derived from a descriptor.
func SessionID(d *descriptor.Descriptor) (*oid.Oid, error) {
	canonical, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return oid.FromContent(oid.OidTypeSession, canonical), nil
}

func parseSessionID(s string) (*oid.Oid, error) {
	sid, err := oid.FromStringOfType(s, oid.OidTypeSession)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSessionID, s, err)
	}
	return sid, nil
}

// Establish starts or resumes the session for the encoded descriptor raw.
func (r *Receiver) Establish(ctx context.Context, raw []byte, p EstablishParams) (*Session, error) {
	d, err := descriptor.Unmarshal(raw)
	if err != nil {
		return nil, err
	}

	var sid *oid.Oid
	if p.SessionID != "" {
		sid, err = parseSessionID(p.SessionID)
	} else {
		sid, err = SessionID(d)
	}
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"session": sid.String(), "file": d.FileName})

	existing, err := r.index.Get(sid)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	if existing != nil && !belongsTo(existing, d) {
		return nil, fmt.Errorf("%w: %s belongs to another artifact", ErrInvalidSessionID, existing.ID)
	}

	// Only a resume by a supplied ID skips the check, it was authenticated when first established.
	resumed := existing != nil && p.SessionID != ""
	if !resumed && p.RemoteKey != nil {
		if err := Authenticate(d, p.RemoteKey); err != nil {
			logger.Warnf("Rejecting descriptor: %v", err)
			return nil, err
		}
	}

	destDir := p.DestinationDir
	if destDir == "" {
		destDir = r.destinationDir
	}
	dest := filepath.Join(destDir, d.FileName)

	matches, err := fileMatches(dest, d)
	if err != nil {
		return nil, err
	}
	if matches {
		if existing != nil {
			// Left over from a finish that was interrupted after the rename.
			if err := r.cleanup(sid); err != nil {
				return nil, err
			}
		}
		logger.Infof("Destination %s already holds this artifact", dest)
		return &Session{
			ID:              sid.String(),
			FileName:        d.FileName,
			DestinationPath: dest,
			TotalSize:       d.TotalSize,
			PieceSize:       d.PieceSize,
			Received:        allReceived(len(d.Pieces)),
			State:           session.StateComplete,
			desc:            d,
			assembled:       true,
		}, nil
	}

	if existing != nil {
		logger.Debugf("Resuming session in state %s", existing.State)
		return r.sessionFromRecord(existing, d)
	}

	rec, err := session.NewRecord(sid, d, dest)
	if err != nil {
		return nil, err
	}

	if d.IsInline() {
		if err := r.scratch.Put(&piece.Piece{SessionID: sid, Index: 0, Data: d.InlineData}); err != nil {
			return nil, fmt.Errorf("storing inline data: %w", err)
		}
	}

	err = r.index.Begin(rec)
	if errors.Is(err, session.ErrExists) {
		rec, err = r.index.Get(sid)
	}
	if err != nil {
		return nil, err
	}

	logger.Infof("Established session: %s in %d pieces, state %s",
		humanize.IBytes(rec.TotalSize), rec.ExpectedPieceCount(), rec.State)

	return r.sessionFromRecord(rec, d)
}

func (r *Receiver) sessionFromRecord(rec *session.Record, d *descriptor.Descriptor) (*Session, error) {
	s, err := newSession(rec)
	if err != nil {
		return nil, err
	}
	if d != nil {
		s.desc = d
	}
	return s, nil
}

func allReceived(n int) []bool {
	vec := make([]bool, n)
	for i := range vec {
		vec[i] = true
	}
	return vec
}

// Load returns the current state of a known session.
func (r *Receiver) Load(ctx context.Context, sessionID string) (*Session, error) {
	sid, err := parseSessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownSession, err)
	}
	rec, err := r.index.Get(sid)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return newSession(rec)
}

// ReceivePiece verifies and stores one piece. Pieces may arrive in any order, concurrently and
// more than once. A piece that fails verification yields ErrDigestMismatch together with the
// unchanged session.
func (r *Receiver) ReceivePiece(ctx context.Context, sessionID string, index uint64, data []byte) (*Session, error) {
	sid, err := parseSessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownSession, err)
	}

	rec, err := r.index.Get(sid)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, err
	}

	if rec.Inline {
		return nil, fmt.Errorf("%w: %s arrived inline and takes no pieces", ErrUnknownSession, rec.ID)
	}
	if index >= rec.ExpectedPieceCount() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, rec.ExpectedPieceCount())
	}

	logger := log.WithFields(log.Fields{"session": rec.ID, "piece": index})

	p := &piece.Piece{SessionID: sid, Index: index, Data: data}
	if !rec.Verify(p) {
		logger.Warnf("Rejecting piece of %d bytes: digest mismatch", len(data))
		s, err := newSession(rec)
		if err != nil {
			return nil, err
		}
		return s, fmt.Errorf("%w: piece %d of %s", ErrDigestMismatch, index, rec.ID)
	}

	bits, err := rec.ReceivedBits()
	if err != nil {
		return nil, err
	}
	if set, err := bits.IsSet(index); err != nil {
		return nil, err
	} else if set {
		logger.Debugf("Duplicate piece ignored")
		return newSession(rec)
	}

	if rec.State != session.StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnknownSession, rec.ID, rec.State)
	}

	// Bytes first, then the bit: a set bit always has its piece in scratch.
	if err := r.scratch.Put(p); err != nil {
		return nil, fmt.Errorf("storing piece %d of %s: %w", index, rec.ID, err)
	}

	var marked bool
	rec, err = r.index.Mutate(sid, func(rec *session.Record) error {
		var merr error
		marked, merr = rec.MarkReceived(index)
		return merr
	})
	if errors.Is(err, session.ErrNotFound) {
		// Finalized while this duplicate was in flight.
		if derr := r.scratch.Destroy(sid); derr != nil {
			logger.Warnf("Failed to drop scratch data of ended session: %v", derr)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("recording piece %d of %s: %w", index, sessionID, err)
	}

	s, err := newSession(rec)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Received piece, %d%% complete", s.Percent())
	if marked && s.Complete() {
		s.justCompleted = true
		logger.Infof("All %d pieces received", len(s.Received))
	}
	return s, nil
}

// Finish assembles a complete session into its destination and drops its scratch data.
// Finishing a session that was already finalized, or whose destination already matched when it
// was established, succeeds without doing anything.
func (r *Receiver) Finish(ctx context.Context, s *Session) error {
	if s.State == session.StateFinalized {
		return nil
	}
	if s.assembled {
		s.State = session.StateFinalized
		return nil
	}

	_, err, _ := r.finishing.Do(s.ID, func() (any, error) {
		return nil, r.finish(ctx, s)
	})
	if err != nil {
		return err
	}
	s.State = session.StateFinalized
	return nil
}

func (r *Receiver) finish(ctx context.Context, s *Session) error {
	sid, err := parseSessionID(s.ID)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"session": s.ID, "file": s.FileName})

	_, err = r.index.Mutate(sid, func(rec *session.Record) error {
		switch rec.State {
		case session.StateFinalized:
			return nil
		case session.StateComplete:
		default:
			return fmt.Errorf("%w: %s is %s", ErrIncomplete, rec.ID, rec.State)
		}

		if err := r.assemble(ctx, sid, rec); err != nil {
			return fmt.Errorf("assembling %s: %w", rec.DestinationPath, err)
		}
		rec.State = session.StateFinalized
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		matches, merr := fileMatches(s.DestinationPath, s.desc)
		if merr != nil {
			return merr
		}
		if matches {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.ID)
	}
	if err != nil {
		return err
	}

	if err := r.cleanup(sid); err != nil {
		return fmt.Errorf("%s assembled, cleanup failed: %w", s.DestinationPath, err)
	}

	logger.Infof("Finalized %s (%s)", s.DestinationPath, humanize.IBytes(s.TotalSize))
	return nil
}

// assemble writes the pieces of rec in order to a temporary file and renames it onto the destination.
func (r *Receiver) assemble(ctx context.Context, sid *oid.Oid, rec *session.Record) (err error) {
	dir := filepath.Dir(rec.DestinationPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+rec.FileName+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var written uint64
	if rec.Inline {
		p, err := r.scratch.Get(sid, 0)
		if err != nil {
			return fmt.Errorf("reading inline data: %w", err)
		}
		n, err := tmp.Write(p.Data)
		if err != nil {
			return err
		}
		written += uint64(n)
	} else {
		for i := range rec.ExpectedPieceCount() {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := r.scratch.Get(sid, i)
			if err != nil {
				return fmt.Errorf("reading piece %d: %w", i, err)
			}
			if !rec.Verify(p) {
				return fmt.Errorf("piece %d in scratch storage: %w", i, ErrDigestMismatch)
			}
			n, err := tmp.Write(p.Data)
			if err != nil {
				return err
			}
			written += uint64(n)
		}
	}

	if written != rec.TotalSize {
		return fmt.Errorf("assembled %d bytes, want %d", written, rec.TotalSize)
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), rec.DestinationPath)
}

// cleanup removes the scratch data and the record of a session.
func (r *Receiver) cleanup(sid *oid.Oid) error {
	var result *multierror.Error
	if err := r.scratch.Destroy(sid); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.index.End(sid); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Sessions lists the sessions known to the index.
func (r *Receiver) Sessions(ctx context.Context) ([]*Session, error) {
	ids, err := r.index.Enumerate()
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, sid := range ids {
		rec, err := r.index.Get(sid)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s, err := newSession(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// belongsTo reports whether rec was established from a descriptor with the same content as d.
func belongsTo(rec *session.Record, d *descriptor.Descriptor) bool {
	if rec.FileName != d.FileName || rec.TotalSize != d.TotalSize || rec.PieceSize != d.PieceSize || len(rec.Digests) != len(d.Pieces) {
		return false
	}
	for i := range d.Pieces {
		if !bytes.Equal(rec.Digests[i], d.Pieces[i]) {
			return false
		}
	}
	return true
}
