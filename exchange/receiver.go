package exchange

import (
	"context"
	"fmt"

	"bundlexfer/exchange/protocol"
	"bundlexfer/sigs"
	"bundlexfer/transfer"

	log "github.com/sirupsen/logrus"
)

// CompletionHook is handed every finalized artifact. Its result goes back to the remote caller.
type CompletionHook func(ctx context.Context, c *transfer.Completed) (any, error)

// Receiver exposes a transfer.Receiver to remote senders.
type Receiver struct {
	receiver  *transfer.Receiver
	remoteKey *sigs.Verifier
	hook      CompletionHook
}

// NewReceiver returns the receiving service. With a nil remoteKey descriptors are accepted
// unsigned, with a nil hook finalized artifacts are simply left in place.
func NewReceiver(r *transfer.Receiver, remoteKey *sigs.Verifier, hook CompletionHook) *Receiver {
	return &Receiver{
		receiver:  r,
		remoteKey: remoteKey,
		hook:      hook,
	}
}

// RPC: Receiver.Establish
func (r *Receiver) Establish(ctx context.Context, req *protocol.EstablishRequest, res *protocol.SessionResponse) error {
	s, err := r.receiver.Establish(ctx, req.Descriptor, transfer.EstablishParams{
		SessionID: req.SessionID,
		RemoteKey: r.remoteKey,
	})
	if err != nil {
		return err
	}
	return r.respond(ctx, s, s.Complete(), res)
}

// RPC: Receiver.Receive
func (r *Receiver) Receive(ctx context.Context, req *protocol.ReceiveRequest, res *protocol.SessionResponse) error {
	s, err := r.receiver.ReceivePiece(ctx, req.SessionID, req.Index, req.Data)
	if err != nil {
		return err
	}
	return r.respond(ctx, s, s.JustCompleted(), res)
}

// RPC: Receiver.Status
func (r *Receiver) Status(ctx context.Context, req *protocol.StatusRequest, res *protocol.SessionResponse) error {
	s, err := r.receiver.Load(ctx, req.SessionID)
	if err != nil {
		return err
	}
	fill(s, res)
	return nil
}

func (r *Receiver) respond(ctx context.Context, s *transfer.Session, finish bool, res *protocol.SessionResponse) error {
	if finish {
		result, err := r.finish(ctx, s)
		if err != nil {
			return err
		}
		res.Result = result
	}
	fill(s, res)
	return nil
}

func (r *Receiver) finish(ctx context.Context, s *transfer.Session) (any, error) {
	if err := r.receiver.Finish(ctx, s); err != nil {
		return nil, err
	}
	if r.hook == nil {
		return nil, nil
	}

	c := s.Completed()
	result, err := r.hook(ctx, c)
	if err != nil {
		log.Errorf("Completion hook for %s failed: %v", c.Path, err)
		return nil, fmt.Errorf("completion hook: %w", err)
	}
	return result, nil
}

func fill(s *transfer.Session, res *protocol.SessionResponse) {
	res.SessionID = s.ID
	res.Status = protocol.StatusVector(s.Received)
	res.Percent = s.Percent()
	res.Complete = s.Complete()
}

// LocalSink feeds a Receiver service in-process, without a connection.
type LocalSink struct {
	Receiver *Receiver
}

func (l LocalSink) Establish(ctx context.Context, raw []byte, sessionID string) (*protocol.SessionResponse, error) {
	res := &protocol.SessionResponse{}
	if err := l.Receiver.Establish(ctx, &protocol.EstablishRequest{Descriptor: raw, SessionID: sessionID}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (l LocalSink) Receive(ctx context.Context, sessionID string, index uint64, data []byte) (*protocol.SessionResponse, error) {
	res := &protocol.SessionResponse{}
	if err := l.Receiver.Receive(ctx, &protocol.ReceiveRequest{SessionID: sessionID, Index: index, Data: data}, res); err != nil {
		return nil, err
	}
	return res, nil
}
