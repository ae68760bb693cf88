package transfer

import (
	"bundlexfer/datamodel/descriptor"
	"bundlexfer/datamodel/session"
)

// Session is the caller's view of a receiving session, valid for the call that returned it.
// The authoritative state lives in the session index.
type Session struct {
	ID              string
	FileName        string
	DestinationPath string
	TotalSize       uint64
	PieceSize       uint64
	Received        []bool
	State           session.State

	desc          *descriptor.Descriptor
	assembled     bool // destination already matched when the session was established
	justCompleted bool
}

func newSession(r *session.Record) (*Session, error) {
	vec, err := r.ReceivedVector()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:              r.ID,
		FileName:        r.FileName,
		DestinationPath: r.DestinationPath,
		TotalSize:       r.TotalSize,
		PieceSize:       r.PieceSize,
		Received:        vec,
		State:           r.State,
		desc:            r.Descriptor(),
	}, nil
}

// Percent is the share of received pieces, rounded toward zero. Sessions without pieces are at 100.
func (s *Session) Percent() int {
	if len(s.Received) == 0 {
		if s.State >= session.StateComplete {
			return 100
		}
		return 0
	}
	count := 0
	for _, ok := range s.Received {
		if ok {
			count++
		}
	}
	return 100 * count / len(s.Received)
}

func (s *Session) Complete() bool {
	return s.State >= session.StateComplete
}

// JustCompleted reports whether the call that returned s received the last missing piece.
// Exactly one ReceivePiece call per session reports it.
func (s *Session) JustCompleted() bool {
	return s.justCompleted
}

// Missing returns the indexes not received yet, in ascending order.
func (s *Session) Missing() []uint64 {
	var out []uint64
	for i, ok := range s.Received {
		if !ok {
			out = append(out, uint64(i))
		}
	}
	return out
}

// Descriptor returns the session's descriptor without inline data or signature.
func (s *Session) Descriptor() *descriptor.Descriptor {
	return s.desc.WithoutPayload()
}

// Completed describes a finalized artifact handed to whoever catalogs it next.
type Completed struct {
	SessionID  string
	Path       string
	Descriptor *descriptor.Descriptor
}

func (s *Session) Completed() *Completed {
	return &Completed{
		SessionID:  s.ID,
		Path:       s.DestinationPath,
		Descriptor: s.Descriptor(),
	}
}
