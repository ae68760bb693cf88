package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/sigs"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 128

type libraryEntry struct {
	size    int64
	modTime time.Time
	desc    *descriptor.Descriptor
}

// Library serves descriptors and pieces of the artifacts stored directly under a base directory.
// Descriptors are cached until the file's size or modification time changes.
type Library struct {
	baseDir   string
	pieceSize uint64
	signer    *sigs.Signer

	cache    *lru.Cache[string, *libraryEntry]
	building singleflight.Group
}

func NewLibrary(baseDir string, pieceSize uint64, signer *sigs.Signer, cacheSize int) (*Library, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *libraryEntry](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Library{
		baseDir:   filepath.Clean(baseDir),
		pieceSize: pieceSize,
		signer:    signer,
		cache:     cache,
	}, nil
}

// Path resolves an artifact name. Only bare file names are accepted.
func (l *Library) Path(name string) (string, error) {
	if err := descriptor.ValidateFileName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, name), nil
}

func (l *Library) Descriptor(ctx context.Context, name string) (*descriptor.Descriptor, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if e, ok := l.cache.Get(name); ok && e.size == st.Size() && e.modTime.Equal(st.ModTime()) {
		return e.desc, nil
	}

	v, err, _ := l.building.Do(name, func() (any, error) {
		d, err := Build(ctx, path, l.pieceSize, l.signer)
		if err != nil {
			return nil, err
		}
		l.cache.Add(name, &libraryEntry{size: st.Size(), modTime: st.ModTime(), desc: d})
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*descriptor.Descriptor), nil
}

// Piece returns piece index of the named artifact.
func (l *Library) Piece(ctx context.Context, name string, index uint64) ([]byte, error) {
	d, err := l.Descriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}

	data, err := GetPiece(path, d, index)
	if errors.Is(err, ErrSourceChanged) {
		log.Warnf("Library: %s changed since its descriptor was built, dropping it", name)
		l.cache.Remove(name)
	}
	return data, err
}
