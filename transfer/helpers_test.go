package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"bundlexfer/datamodel/descriptor"
	"bundlexfer/datamodel/session"
	"bundlexfer/datastore/flatfs"
	"bundlexfer/datastore/leveldb"
	"bundlexfer/sigs"

	"github.com/stretchr/testify/require"
)

// fixture mirrors a receiver deployment: scratch storage, a session index and a destination directory.
type fixture struct {
	t       *testing.T
	root    string
	srcDir  string
	destDir string
	backend string

	scratch *flatfs.FlatFS
	index   session.SessionIndex
	recv    *Receiver
}

func newFixture(t *testing.T, backend string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		t:       t,
		root:    root,
		srcDir:  filepath.Join(root, "src"),
		destDir: filepath.Join(root, "dest"),
		backend: backend,
	}
	require.NoError(t, os.MkdirAll(f.srcDir, 0755))
	f.open()
	return f
}

// open (re)creates the stores and the receiver, like a process restart would.
func (f *fixture) open() {
	f.t.Helper()
	var err error
	f.scratch, err = flatfs.New(filepath.Join(f.root, "scratch"))
	require.NoError(f.t, err)

	switch f.backend {
	case "leveldb":
		f.index, err = leveldb.NewSessionIndex(filepath.Join(f.root, "index.ldb"))
	default:
		f.index, err = flatfs.NewSessionIndex(filepath.Join(f.root, "index"))
	}
	require.NoError(f.t, err)
	f.t.Cleanup(func() { f.index.Close() })

	f.recv = NewReceiver(f.scratch, f.index, f.destDir)
}

func (f *fixture) restart() {
	f.t.Helper()
	require.NoError(f.t, f.index.Close())
	f.open()
}

// source writes a file of size bytes with a recognisable pattern.
func (f *fixture) source(name string, size int) (string, []byte) {
	f.t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	path := filepath.Join(f.srcDir, name)
	require.NoError(f.t, os.WriteFile(path, data, 0644))
	return path, data
}

func (f *fixture) build(path string, pieceSize uint64, signer *sigs.Signer) (*descriptor.Descriptor, []byte) {
	f.t.Helper()
	d, err := Build(context.Background(), path, pieceSize, signer)
	require.NoError(f.t, err)
	raw, err := d.Marshal()
	require.NoError(f.t, err)
	return d, raw
}

func (f *fixture) requireNoScratch() {
	f.t.Helper()
	sessions, err := f.scratch.Enumerate()
	require.NoError(f.t, err)
	require.Empty(f.t, sessions, "scratch storage not cleaned up")
	ids, err := f.index.Enumerate()
	require.NoError(f.t, err)
	require.Empty(f.t, ids, "session records not cleaned up")
}

func (f *fixture) requireDestination(name string, want []byte) {
	f.t.Helper()
	got, err := os.ReadFile(filepath.Join(f.destDir, name))
	require.NoError(f.t, err)
	require.Equal(f.t, want, got)
}

func newSigner(t *testing.T) *sigs.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := sigs.NewSigner(priv)
	require.NoError(t, err)
	return s
}
