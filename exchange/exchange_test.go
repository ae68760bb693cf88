package exchange

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"bundlexfer/datastore/flatfs"
	"bundlexfer/exchange/protocol"
	"bundlexfer/sigs"
	"bundlexfer/transfer"

	"github.com/stretchr/testify/require"
)

type node struct {
	srcDir  string
	destDir string
	library *transfer.Library
	local   *Receiver
	client  *Client

	hookCalls atomic.Int32
	mu        sync.Mutex
	completed []*transfer.Completed
}

// startNode runs a sender and a receiver service on 127.0.0.1. The library signs with signer,
// the receiver demands signatures by remoteKey when it is set.
func startNode(t *testing.T, signer *sigs.Signer, remoteKey *sigs.Verifier) *node {
	t.Helper()
	root := t.TempDir()
	n := &node{
		srcDir:  filepath.Join(root, "src"),
		destDir: filepath.Join(root, "dest"),
	}
	require.NoError(t, os.MkdirAll(n.srcDir, 0755))

	var err error
	n.library, err = transfer.NewLibrary(n.srcDir, 64, signer, 0)
	require.NoError(t, err)

	scratch, err := flatfs.New(filepath.Join(root, "scratch"))
	require.NoError(t, err)
	index, err := flatfs.NewSessionIndex(filepath.Join(root, "index"))
	require.NoError(t, err)

	hook := func(ctx context.Context, c *transfer.Completed) (any, error) {
		n.hookCalls.Add(1)
		n.mu.Lock()
		n.completed = append(n.completed, c)
		n.mu.Unlock()
		return "catalogued " + c.Descriptor.FileName, nil
	}
	n.local = NewReceiver(transfer.NewReceiver(scratch, index, n.destDir), remoteKey, hook)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(l, NewSender(n.library), n.local)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	n.client, err = Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		n.client.Close()
		cancel()
		<-done
	})
	return n
}

func (n *node) source(t *testing.T, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(n.srcDir, name), data, 0644))
	return data
}

func (n *node) requireDestination(t *testing.T, name string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(n.destDir, name))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func newSigner(t *testing.T) *sigs.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := sigs.NewSigner(priv)
	require.NoError(t, err)
	return s
}

func TestRelayOverNetwork(t *testing.T) {
	signer := newSigner(t)
	sender := startNode(t, signer, nil)
	receiver := startNode(t, nil, signer.Verifier())
	data := sender.source(t, "bundle.tgz", 64*20+3)

	res, err := Relay(context.Background(), sender.client, receiver.client, "bundle.tgz", 4)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 100, res.Percent)
	require.Equal(t, "catalogued bundle.tgz", res.Result)
	require.Len(t, res.Status, 21)

	receiver.requireDestination(t, "bundle.tgz", data)
	require.Equal(t, int32(1), receiver.hookCalls.Load())

	c := receiver.completed[0]
	require.Equal(t, filepath.Join(receiver.destDir, "bundle.tgz"), c.Path)
	require.Empty(t, c.Descriptor.Signature)
	require.Nil(t, c.Descriptor.InlineData)

	// Again: established as complete, nothing is sent.
	res, err = Relay(context.Background(), sender.client, receiver.client, "bundle.tgz", 4)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 100, res.Percent)
}

func TestFetchIntoLocalReceiver(t *testing.T) {
	sender := startNode(t, nil, nil)
	receiver := startNode(t, nil, nil)
	data := sender.source(t, "bundle.tgz", 1000)

	res, err := Relay(context.Background(), sender.client, LocalSink{Receiver: receiver.local}, "bundle.tgz", 2)
	require.NoError(t, err)
	require.True(t, res.Complete)
	receiver.requireDestination(t, "bundle.tgz", data)
}

func TestPushFromLocalLibrary(t *testing.T) {
	sender := startNode(t, nil, nil)
	receiver := startNode(t, nil, nil)
	data := sender.source(t, "bundle.tgz", 1000)

	res, err := Relay(context.Background(), LibrarySource{Library: sender.library}, receiver.client, "bundle.tgz", 8)
	require.NoError(t, err)
	require.True(t, res.Complete)
	receiver.requireDestination(t, "bundle.tgz", data)
}

func TestInlineArtifact(t *testing.T) {
	sender := startNode(t, nil, nil)
	receiver := startNode(t, nil, nil)
	data := sender.source(t, "small.tgz", 40)

	res, err := Relay(context.Background(), sender.client, receiver.client, "small.tgz", 2)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Empty(t, res.Status)
	require.Equal(t, 100, res.Percent)
	require.Equal(t, "catalogued small.tgz", res.Result)
	receiver.requireDestination(t, "small.tgz", data)
}

func TestErrorsKeepIdentityOverTheWire(t *testing.T) {
	sender := startNode(t, newSigner(t), nil)
	receiver := startNode(t, nil, newSigner(t).Verifier())
	sender.source(t, "bundle.tgz", 300)
	ctx := context.Background()

	_, err := Relay(ctx, sender.client, receiver.client, "bundle.tgz", 2)
	require.ErrorIs(t, err, transfer.ErrUnauthorizedMessage)
	require.ErrorIs(t, err, sigs.ErrUnauthorizedSignature)
	require.Zero(t, receiver.hookCalls.Load())

	_, err = receiver.client.Receive(ctx, "nonsense", 0, []byte("x"))
	require.ErrorIs(t, err, transfer.ErrUnknownSession)

	_, err = sender.client.Piece(ctx, "missing", 0)
	require.Error(t, err)

	_, err = sender.client.Descriptor(ctx, "../secret")
	require.ErrorContains(t, err, "path separator")
}

func TestStatusAndDigestMismatch(t *testing.T) {
	sender := startNode(t, nil, nil)
	receiver := startNode(t, nil, nil)
	sender.source(t, "bundle.tgz", 256)
	ctx := context.Background()

	raw, err := sender.client.Descriptor(ctx, "bundle.tgz")
	require.NoError(t, err)
	res, err := receiver.client.Establish(ctx, raw, "")
	require.NoError(t, err)
	require.Equal(t, []int{0, 0, 0, 0}, res.Status)

	piece, err := sender.client.Piece(ctx, "bundle.tgz", 2)
	require.NoError(t, err)
	piece[0] ^= 0xff
	_, err = receiver.client.Receive(ctx, res.SessionID, 2, piece)
	require.ErrorIs(t, err, transfer.ErrDigestMismatch)

	piece[0] ^= 0xff
	_, err = receiver.client.Receive(ctx, res.SessionID, 2, piece)
	require.NoError(t, err)

	st, err := receiver.client.Status(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, []int{0, 0, 1, 0}, st.Status)
	require.Equal(t, 25, st.Percent)
	require.False(t, st.Complete)
	require.Equal(t, []uint64{0, 1, 3}, st.Missing())
}

// flakySource corrupts the first copy of every piece it hands out.
type flakySource struct {
	Source
	mu   sync.Mutex
	seen map[uint64]bool
}

func (f *flakySource) Piece(ctx context.Context, name string, index uint64) ([]byte, error) {
	data, err := f.Source.Piece(ctx, name, index)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.seen[index] {
		f.seen[index] = true
		data[len(data)-1] ^= 0xff
	}
	return data, nil
}

func TestRelayRetriesRejectedPieces(t *testing.T) {
	sender := startNode(t, nil, nil)
	receiver := startNode(t, nil, nil)
	data := sender.source(t, "bundle.tgz", 500)

	src := &flakySource{Source: LibrarySource{Library: sender.library}, seen: map[uint64]bool{}}
	res, err := Relay(context.Background(), src, LocalSink{Receiver: receiver.local}, "bundle.tgz", 3)
	require.NoError(t, err)
	require.True(t, res.Complete)
	receiver.requireDestination(t, "bundle.tgz", data)
}

func TestStatusVector(t *testing.T) {
	require.Equal(t, []int{1, 0, 1}, protocol.StatusVector([]bool{true, false, true}))
	require.Empty(t, protocol.StatusVector(nil))
}
