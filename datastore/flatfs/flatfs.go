// Package flatfs implements the session.ScratchStore and session.SessionIndex interfaces on a plain directory tree
package flatfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"bundlexfer/datamodel/piece"
	"bundlexfer/datamodel/session"
	"bundlexfer/oid"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Do an indirection to make sure FlatFS implementa the required interfaces
var _ session.ScratchStore = (*FlatFS)(nil)

// FlatFS implements the session.ScratchStore interface.
// Every session owns one directory named after its OID; each piece is a file named by its zero padded index.
// The piece length is infered from the file length, the file on disk stores raw data without any additional metadata.
type FlatFS struct {
	basePath string
}

func New(basePath string) (*FlatFS, error) {
	// Sanitize the basePath
	basePath = filepath.Clean(basePath)

	// Make sure the directory exists and create if missing
	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened FlatFS at %s", basePath)

	return &FlatFS{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path, syncs it and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (f *FlatFS) sessionDir(sid *oid.Oid) string {
	return filepath.Join(f.basePath, sid.String())
}

func (f *FlatFS) piecePath(sid *oid.Oid, index uint64) string {
	return filepath.Join(f.sessionDir(sid), fmt.Sprintf("%08d", index))
}

// Enumerate creates a list of OIDs of all sessions holding scratch data.
// Entries that cannot be parsed as session OIDs are logged and skipped.
func (f *FlatFS) Enumerate() ([]*oid.Oid, error) {
	var oids []*oid.Oid

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		log.Errorf("Error reading base path %s for enumeration: %v", f.basePath, err)
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			log.Warnf("Skipping non-directory entry in FlatFS base path during enumeration: %s", filepath.Join(f.basePath, entry.Name()))
			continue
		}

		o, parseErr := oid.FromStringOfType(entry.Name(), oid.OidTypeSession)
		if parseErr != nil {
			log.Warnf("Skipping directory %s during enumeration, not a session OID: %v", entry.Name(), parseErr)
			continue
		}
		oids = append(oids, o)
	}

	return oids, nil
}

func (f *FlatFS) Close() error {
	return nil
}

func (f *FlatFS) Get(sid *oid.Oid, index uint64) (*piece.Piece, error) {
	data, err := os.ReadFile(f.piecePath(sid, index))
	if err != nil {
		return nil, err
	}

	return &piece.Piece{
		SessionID: sid,
		Index:     index,
		Data:      data,
	}, nil
}

func (f *FlatFS) Has(sid *oid.Oid, index uint64) (bool, error) {
	stat, err := os.Stat(f.piecePath(sid, index))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

// Put writes the piece atomically, so a concurrent duplicate of the same index never exposes a torn file.
func (f *FlatFS) Put(p *piece.Piece) error {
	if p == nil || p.SessionID == nil {
		return os.ErrInvalid
	}

	if err := ensureDir(f.sessionDir(p.SessionID)); err != nil {
		return err
	}

	return writeFileAtomic(f.piecePath(p.SessionID, p.Index), p.Data, 0644)
}

// Destroy removes the session directory. A missing directory counts as already destroyed.
// Individual removal failures are collected so one stuck file does not hide the others.
func (f *FlatFS) Destroy(sid *oid.Oid) error {
	dir := f.sessionDir(sid)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var result *multierror.Error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	log.Debugf("Destroyed scratch data of session %s", sid.String())
	return nil
}

// Indexes returns the piece indexes stored for a session, in no particular order.
func (f *FlatFS) Indexes(sid *oid.Oid) ([]uint64, error) {
	entries, err := os.ReadDir(f.sessionDir(sid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			// Leftover temporary files of interrupted writes.
			continue
		}
		out = append(out, index)
	}
	return out, nil
}
