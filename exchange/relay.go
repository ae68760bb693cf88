package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bundlexfer/exchange/protocol"
	"bundlexfer/transfer"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Attempts per piece when the sink reports a digest mismatch.
const pieceAttempts = 3

// Source hands out descriptors and pieces, a remote Sender or a local library.
type Source interface {
	Descriptor(ctx context.Context, name string) ([]byte, error)
	Piece(ctx context.Context, name string, index uint64) ([]byte, error)
}

// Sink accepts descriptors and pieces, a remote Receiver or a LocalSink.
type Sink interface {
	Establish(ctx context.Context, raw []byte, sessionID string) (*protocol.SessionResponse, error)
	Receive(ctx context.Context, sessionID string, index uint64, data []byte) (*protocol.SessionResponse, error)
}

// LibrarySource serves a local library as a Source.
type LibrarySource struct {
	Library *transfer.Library
}

func (l LibrarySource) Descriptor(ctx context.Context, name string) ([]byte, error) {
	d, err := l.Library.Descriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.Marshal()
}

func (l LibrarySource) Piece(ctx context.Context, name string, index uint64) ([]byte, error) {
	return l.Library.Piece(ctx, name, index)
}

// Relay moves the named artifact from source to sink. Pieces the sink already holds are skipped,
// the rest are sent by up to parallelism workers. It returns the sink's final response.
func Relay(ctx context.Context, source Source, sink Sink, name string, parallelism int) (*protocol.SessionResponse, error) {
	raw, err := source.Descriptor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fetching descriptor of %s: %w", name, err)
	}

	res, err := sink.Establish(ctx, raw, "")
	if err != nil {
		return nil, fmt.Errorf("establishing %s: %w", name, err)
	}
	logger := log.WithFields(log.Fields{"session": res.SessionID, "file": name})
	if res.Complete {
		logger.Infof("Nothing to send")
		return res, nil
	}

	missing := res.Missing()
	logger.Infof("Sending %d of %d pieces", len(missing), len(res.Status))

	if parallelism < 1 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	var mu sync.Mutex
	var final *protocol.SessionResponse
	for _, index := range missing {
		g.Go(func() error {
			r, err := relayPiece(gctx, source, sink, name, res.SessionID, index)
			if err != nil {
				return err
			}
			mu.Lock()
			if final == nil || r.Complete || (!final.Complete && r.Percent > final.Percent) {
				final = r
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if final == nil || !final.Complete {
		return final, fmt.Errorf("%s: %w", name, transfer.ErrIncomplete)
	}
	logger.Infof("Transfer complete")
	return final, nil
}

func relayPiece(ctx context.Context, source Source, sink Sink, name, sessionID string, index uint64) (*protocol.SessionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= pieceAttempts; attempt++ {
		data, err := source.Piece(ctx, name, index)
		if err != nil {
			return nil, fmt.Errorf("fetching piece %d of %s: %w", index, name, err)
		}
		res, err := sink.Receive(ctx, sessionID, index, data)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, transfer.ErrDigestMismatch) {
			return nil, fmt.Errorf("sending piece %d of %s: %w", index, name, err)
		}
		log.Warnf("Piece %d of %s rejected (attempt %d of %d)", index, name, attempt, pieceAttempts)
		lastErr = err
	}
	return nil, fmt.Errorf("sending piece %d of %s: %w", index, name, lastErr)
}
