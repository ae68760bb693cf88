package commands

import (
	"context"
	"fmt"

	"bundlexfer/config"
	"bundlexfer/datamodel/session"
	"bundlexfer/datastore/flatfs"
	"bundlexfer/datastore/leveldb"
	"bundlexfer/exchange"
	"bundlexfer/transfer"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// receiverNode is the receiving side of a node with the stores it owns.
type receiverNode struct {
	scratch  *flatfs.FlatFS
	index    session.SessionIndex
	receiver *transfer.Receiver
}

func openReceiver(cfg *config.Config) (*receiverNode, error) {
	scratch, err := flatfs.New(cfg.Receiver.ScratchPath)
	if err != nil {
		return nil, fmt.Errorf("opening scratch storage: %w", err)
	}

	var index session.SessionIndex
	switch cfg.Receiver.IndexBackend {
	case config.IndexBackendLevelDB:
		index, err = leveldb.NewSessionIndex(cfg.Receiver.IndexPath)
	default:
		index, err = flatfs.NewSessionIndex(cfg.Receiver.IndexPath)
	}
	if err != nil {
		scratch.Close()
		return nil, fmt.Errorf("opening session index: %w", err)
	}

	return &receiverNode{
		scratch:  scratch,
		index:    index,
		receiver: transfer.NewReceiver(scratch, index, cfg.Receiver.DestinationDir),
	}, nil
}

func (n *receiverNode) Close() error {
	var result *multierror.Error
	if err := n.index.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.scratch.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// service wraps the receiver for remote senders, checking signatures when a remote key is configured.
func (n *receiverNode) service(cfg *config.Config) (*exchange.Receiver, error) {
	remoteKey, err := cfg.LoadRemoteKey()
	if err != nil {
		return nil, fmt.Errorf("loading remote key: %w", err)
	}
	if remoteKey == nil {
		log.Warnf("No remote public key configured, accepting unsigned descriptors")
	}
	return exchange.NewReceiver(n.receiver, remoteKey, logCompletion), nil
}

// logCompletion reports finalized artifacts. Its result is what remote senders get back.
func logCompletion(ctx context.Context, c *transfer.Completed) (any, error) {
	log.Infof("Received %s (%s) into %s", c.Descriptor.FileName, humanize.IBytes(c.Descriptor.TotalSize), c.Path)
	return map[string]any{
		"path": c.Path,
		"size": c.Descriptor.TotalSize,
	}, nil
}

func openLibrary(cfg *config.Config) (*transfer.Library, error) {
	signer, err := cfg.LoadSigner()
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	if signer == nil {
		log.Warnf("No private key configured, descriptors go out unsigned")
	}
	return transfer.NewLibrary(cfg.Sender.BaseDir, cfg.Transfer.PieceSize, signer, cfg.Sender.CacheSize)
}
