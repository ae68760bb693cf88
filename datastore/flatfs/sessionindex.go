package flatfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bundlexfer/codec"
	"bundlexfer/datamodel/session"
	"bundlexfer/helper/keylock"
	"bundlexfer/oid"

	log "github.com/sirupsen/logrus"
)

const (
	recordSuffix = ".cbor"
	lockSuffix   = ".lock"
)

var _ session.SessionIndex = (*SessionIndex)(nil)

// SessionIndex keeps one CBOR file per session record.
// Mutations hold an in-process lock and an advisory file lock on <id>.lock, so several worker
// processes may share the same directory. Lock files are left behind on End.
type SessionIndex struct {
	basePath string
	locks    *keylock.Locks
}

func NewSessionIndex(basePath string) (*SessionIndex, error) {
	basePath = filepath.Clean(basePath)
	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened file session index at %s", basePath)

	return &SessionIndex{
		basePath: basePath,
		locks:    keylock.New(),
	}, nil
}

func (s *SessionIndex) recordPath(sid *oid.Oid) string {
	return filepath.Join(s.basePath, sid.String()+recordSuffix)
}

// lock takes the in-process and the cross-process lock of a session.
func (s *SessionIndex) lock(sid *oid.Oid) (func(), error) {
	unlock := s.locks.Lock(sid.String())

	f, err := lockFile(filepath.Join(s.basePath, sid.String()+lockSuffix))
	if err != nil {
		unlock()
		return nil, fmt.Errorf("locking session %s: %w", sid.String(), err)
	}

	return func() {
		if err := unlockFile(f); err != nil {
			log.Warnf("Failed to release file lock of session %s: %v", sid.String(), err)
		}
		unlock()
	}, nil
}

func (s *SessionIndex) read(sid *oid.Oid) (*session.Record, error) {
	raw, err := os.ReadFile(s.recordPath(sid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}

	r := &session.Record{}
	if err := codec.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decoding session record %s: %w", sid.String(), err)
	}
	if r.ID != sid.String() {
		log.Errorf("SessionIndex: record ID mismatch: %s != %s", r.ID, sid.String())
		return nil, fmt.Errorf("session record %s: ID mismatch", sid.String())
	}
	return r, nil
}

func (s *SessionIndex) write(r *session.Record) error {
	raw, err := codec.Marshal(r)
	if err != nil {
		return err
	}
	sid, err := oid.FromString(r.ID)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.recordPath(sid), raw, 0644)
}

func (s *SessionIndex) Begin(r *session.Record) error {
	sid, err := oid.FromString(r.ID)
	if err != nil {
		return err
	}

	unlock, err := s.lock(sid)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.recordPath(sid)); err == nil {
		return session.ErrExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return s.write(r)
}

func (s *SessionIndex) Get(sid *oid.Oid) (*session.Record, error) {
	// Records are replaced by rename, readers never see a partial file.
	return s.read(sid)
}

func (s *SessionIndex) Has(sid *oid.Oid) (bool, error) {
	_, err := os.Stat(s.recordPath(sid))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *SessionIndex) Mutate(sid *oid.Oid, mutator func(*session.Record) error) (*session.Record, error) {
	unlock, err := s.lock(sid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.read(sid)
	if err != nil {
		return nil, err
	}

	if err := mutator(r); err != nil {
		return nil, err
	}

	if err := s.write(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SessionIndex) End(sid *oid.Oid) error {
	unlock, err := s.lock(sid)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.recordPath(sid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SessionIndex) Enumerate() ([]*oid.Oid, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var oids []*oid.Oid
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), recordSuffix)
		if !ok || entry.IsDir() {
			continue
		}
		o, err := oid.FromStringOfType(name, oid.OidTypeSession)
		if err != nil {
			log.Warnf("Skipping %s during enumeration, not a session OID: %v", entry.Name(), err)
			continue
		}
		oids = append(oids, o)
	}
	return oids, nil
}

func (s *SessionIndex) Close() error {
	return nil
}
