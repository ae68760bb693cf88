package commands

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bundlexfer/config"
	"bundlexfer/sigs"
	"bundlexfer/transfer"

	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.NewEmptyConfig(filepath.Join(root, "config.json"))
	cfg.Transfer.PieceSize = 1024
	cfg.Sender.BaseDir = filepath.Join(root, "outbox")
	cfg.Receiver.DestinationDir = filepath.Join(root, "inbox")
	cfg.Receiver.ScratchPath = filepath.Join(root, "scratch")
	cfg.Receiver.IndexPath = filepath.Join(root, "sessions")
	cfg.Network.RPCListenAddress = "127.0.0.1:0"
	require.NoError(t, RunInit(context.Background(), cfg, false))
	return cfg
}

func writeArtifact(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := bytes.Repeat([]byte("bundlexfer"), size/10+1)[:size]
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	return data
}

func TestInit(t *testing.T) {
	cfg := newConfig(t)
	require.DirExists(t, cfg.Sender.BaseDir)
	require.DirExists(t, cfg.Receiver.DestinationDir)

	require.Error(t, RunInit(context.Background(), cfg, false))
	require.NoError(t, RunInit(context.Background(), cfg, true))

	loaded, err := config.NewConfigFromFile(cfg.ConfigFile())
	require.NoError(t, err)
	require.Equal(t, cfg.Sender.BaseDir, loaded.Sender.BaseDir)
}

func TestKeygenAndDescribe(t *testing.T) {
	cfg := newConfig(t)
	prefix := filepath.Join(t.TempDir(), "node")

	require.Error(t, RunKeygen(context.Background(), prefix, "dsa", 0))
	require.NoError(t, RunKeygen(context.Background(), prefix, "ed25519", 0))
	_, err := sigs.LoadSigner(prefix + ".pem")
	require.NoError(t, err)
	_, err = sigs.LoadVerifier(prefix + ".pub")
	require.NoError(t, err)

	cfg.Sender.PrivateKeyPath = prefix + ".pem"
	writeArtifact(t, cfg.Sender.BaseDir, "bundle.tgz", 5000)

	var out bytes.Buffer
	encoded := filepath.Join(t.TempDir(), "bundle.desc")
	require.NoError(t, RunDescribe(context.Background(), cfg, &out, filepath.Join(cfg.Sender.BaseDir, "bundle.tgz"), encoded))
	require.Contains(t, out.String(), "pieces:     5\n")
	require.Contains(t, out.String(), "signed:     true\n")
	require.FileExists(t, encoded)
}

func TestServePushFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConfig(t)
	local := newConfig(t)

	// The server only accepts descriptors signed by the local node.
	prefix := filepath.Join(t.TempDir(), "local")
	require.NoError(t, RunKeygen(ctx, prefix, "rsa", 1024))
	local.Sender.PrivateKeyPath = prefix + ".pem"
	server.Receiver.RemotePublicKeyPath = prefix + ".pub"

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, server, l) }()
	addr := l.Addr().String()

	pushed := writeArtifact(t, local.Sender.BaseDir, "up.tgz", 10_000)
	require.NoError(t, RunPush(ctx, local, addr, []string{"up.tgz"}))
	got, err := os.ReadFile(filepath.Join(server.Receiver.DestinationDir, "up.tgz"))
	require.NoError(t, err)
	require.Equal(t, pushed, got)

	fetched := writeArtifact(t, server.Sender.BaseDir, "down.tgz", 3000)
	require.NoError(t, RunFetch(ctx, local, addr, []string{"down.tgz"}))
	got, err = os.ReadFile(filepath.Join(local.Receiver.DestinationDir, "down.tgz"))
	require.NoError(t, err)
	require.Equal(t, fetched, got)

	err = RunFetch(ctx, local, addr, []string{"missing.tgz", "down.tgz"})
	require.ErrorContains(t, err, "missing.tgz")

	var out bytes.Buffer
	require.NoError(t, RunInfo(ctx, local, &out))
	require.Contains(t, out.String(), "No sessions in progress")

	cancel()
	require.NoError(t, <-done)
}

func TestInfoListsSessions(t *testing.T) {
	cfg := newConfig(t)
	cfg.Receiver.IndexBackend = config.IndexBackendLevelDB
	writeArtifact(t, cfg.Sender.BaseDir, "bundle.tgz", 4096)

	var desc bytes.Buffer
	encoded := filepath.Join(t.TempDir(), "bundle.desc")
	require.NoError(t, RunDescribe(context.Background(), cfg, &desc, filepath.Join(cfg.Sender.BaseDir, "bundle.tgz"), encoded))
	raw, err := os.ReadFile(encoded)
	require.NoError(t, err)

	node, err := openReceiver(cfg)
	require.NoError(t, err)
	s, err := node.receiver.Establish(context.Background(), raw, transfer.EstablishParams{})
	require.NoError(t, err)
	chunk, err := transfer.GetPiece(filepath.Join(cfg.Sender.BaseDir, "bundle.tgz"), s.Descriptor(), 2)
	require.NoError(t, err)
	_, err = node.receiver.ReceivePiece(context.Background(), s.ID, 2, chunk)
	require.NoError(t, err)
	require.NoError(t, node.Close())

	var out bytes.Buffer
	require.NoError(t, RunInfo(context.Background(), cfg, &out))

	var row []string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "bundle.tgz") {
			row = strings.Fields(line)
		}
	}
	require.NotEmpty(t, row)
	require.Equal(t, s.ID, row[0])
	require.Contains(t, row, "ACTIVE")
	require.Contains(t, row, "25%")
	require.Equal(t, "1", row[len(row)-1])
}
