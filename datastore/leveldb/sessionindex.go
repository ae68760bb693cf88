package leveldb

import (
	"fmt"

	"bundlexfer/codec"
	"bundlexfer/datamodel/session"
	"bundlexfer/helper/keylock"
	"bundlexfer/oid"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixSession = "SES" // Session record indexed by OID. Followed by textual OID representation
)

var _ session.SessionIndex = (*SessionIndex)(nil)

// SessionIndex stores session records in LevelDB. LevelDB holds an exclusive lock on its
// directory, so this backend serves a single receiver process.
type SessionIndex struct {
	LevelDB
	locks *keylock.Locks
}

// Records must be on disk before a piece is acknowledged.
var syncWrites = &opt.WriteOptions{Sync: true}

func NewSessionIndex(path string) (*SessionIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &SessionIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
		locks: keylock.New(),
	}, nil
}

func (l *SessionIndex) get(sid *oid.Oid) (*session.Record, error) {
	raw, err := l.db.Get(keyFromOid(keyPrefixSession, sid), nil)
	if err == errors.ErrNotFound {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r := &session.Record{}
	if err := codec.Unmarshal(raw, r); err != nil {
		return nil, err
	}

	// Compare the OID just in case
	if r.ID != sid.String() {
		log.Errorf("SessionIndex: OID mismatch: %s != %s", sid.String(), r.ID)
		return nil, ErrCorrupted
	}
	return r, nil
}

func (l *SessionIndex) put(r *session.Record) error {
	sid, err := oid.FromString(r.ID)
	if err != nil {
		return err
	}
	raw, err := codec.Marshal(r)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(keyFromOid(keyPrefixSession, sid), raw)
	return l.db.Write(batch, syncWrites)
}

func (l *SessionIndex) Begin(r *session.Record) error {
	sid, err := oid.FromString(r.ID)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(r.ID)
	defer unlock()

	has, err := l.db.Has(keyFromOid(keyPrefixSession, sid), nil)
	if err != nil {
		return err
	}
	if has {
		return session.ErrExists
	}
	return l.put(r)
}

func (l *SessionIndex) Get(sid *oid.Oid) (*session.Record, error) {
	return l.get(sid)
}

func (l *SessionIndex) Has(sid *oid.Oid) (bool, error) {
	return l.db.Has(keyFromOid(keyPrefixSession, sid), nil)
}

func (l *SessionIndex) Mutate(sid *oid.Oid, mutator func(*session.Record) error) (*session.Record, error) {
	unlock := l.locks.Lock(sid.String())
	defer unlock()

	r, err := l.get(sid)
	if err != nil {
		return nil, err
	}
	if err := mutator(r); err != nil {
		return nil, err
	}
	if err := l.put(r); err != nil {
		return nil, fmt.Errorf("persisting session %s: %w", sid.String(), err)
	}
	return r, nil
}

func (l *SessionIndex) End(sid *oid.Oid) error {
	unlock := l.locks.Lock(sid.String())
	defer unlock()

	// Deleting a missing key is not an error in LevelDB.
	return l.db.Delete(keyFromOid(keyPrefixSession, sid), syncWrites)
}

func (l *SessionIndex) Enumerate() ([]*oid.Oid, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixSession)), nil)
	defer iter.Release()

	var oids []*oid.Oid
	for iter.Next() {
		key := iter.Key()
		o, err := oid.FromString(string(key[len(keyPrefixSession):]))
		if err != nil {
			log.Warnf("Skipping session key %q: %v", key, err)
			continue
		}
		oids = append(oids, o)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return oids, nil
}
