package config

import (
	"os"
	"path/filepath"
	"testing"

	"bundlexfer/sigs"

	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(path)
	cfg.Transfer.PieceSize = 4096
	cfg.Receiver.IndexBackend = IndexBackendLevelDB
	cfg.Network.RPCListenAddress = "127.0.0.1:7000"
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), loaded.Transfer.PieceSize)
	require.Equal(t, IndexBackendLevelDB, loaded.Receiver.IndexBackend)
	require.Equal(t, "127.0.0.1:7000", loaded.Network.RPCListenAddress)
	require.Equal(t, 4, loaded.Transfer.Parallelism)
	require.Equal(t, path, loaded.ConfigFile())
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"transfer": {"parallelism": 9}}`), 0644))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Transfer.Parallelism)
	require.Equal(t, uint64(1<<20), cfg.Transfer.PieceSize)
	require.Equal(t, IndexBackendFlatFS, cfg.Receiver.IndexBackend)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, NewEmptyConfig(path).Save())

	t.Setenv("BUNDLEXFER_RECEIVER_INDEX_BACKEND", "leveldb")
	t.Setenv("BUNDLEXFER_TRANSFER_PIECE_SIZE", "65536")
	t.Setenv("BUNDLEXFER_LOGLEVEL", "debug")

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, IndexBackendLevelDB, cfg.Receiver.IndexBackend)
	require.Equal(t, uint64(65536), cfg.Transfer.PieceSize)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"receiver": {"index_backend": "sqlite"}}`), 0644))
	_, err := NewConfigFromFile(path)
	require.ErrorContains(t, err, "sqlite")

	_, err = NewConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	cfg := NewEmptyConfig(path)
	cfg.Transfer.PieceSize = 0
	require.Error(t, cfg.Validate())
}

func TestKeys(t *testing.T) {
	dir := t.TempDir()
	cfg := NewEmptyConfig(filepath.Join(dir, "config.json"))

	signer, err := cfg.LoadSigner()
	require.NoError(t, err)
	require.Nil(t, signer)
	verifier, err := cfg.LoadRemoteKey()
	require.NoError(t, err)
	require.Nil(t, verifier)

	key, err := sigs.GenerateRSAKey(1024)
	require.NoError(t, err)
	cfg.Sender.PrivateKeyPath = filepath.Join(dir, "key.pem")
	cfg.Receiver.RemotePublicKeyPath = filepath.Join(dir, "key.pub")
	require.NoError(t, sigs.WriteKeyPair(key, cfg.Sender.PrivateKeyPath, cfg.Receiver.RemotePublicKeyPath))

	signer, err = cfg.LoadSigner()
	require.NoError(t, err)
	verifier, err = cfg.LoadRemoteKey()
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("material"))
	require.NoError(t, err)
	_, err = verifier.Verify([]byte("material"), sig)
	require.NoError(t, err)
}
