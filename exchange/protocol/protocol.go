package protocol

import (
	"bundlexfer/datamodel/descriptor"
	"bundlexfer/datamodel/session"
	"bundlexfer/net/crpc"
	"bundlexfer/sigs"
	"bundlexfer/transfer"
)

// Service method names.
const (
	SenderDescriptor  = "Sender.Descriptor"
	SenderPiece       = "Sender.Piece"
	ReceiverEstablish = "Receiver.Establish"
	ReceiverReceive   = "Receiver.Receive"
	ReceiverStatus    = "Receiver.Status"
)

func init() {
	crpc.RegisterError("sigs.malformed_signature", sigs.ErrMalformedSignature)
	crpc.RegisterError("sigs.unauthorized_signature", sigs.ErrUnauthorizedSignature)
	crpc.RegisterError("transfer.unauthorized_message", transfer.ErrUnauthorizedMessage)
	crpc.RegisterError("transfer.unsigned_descriptor", transfer.ErrUnsignedDescriptor)
	crpc.RegisterError("transfer.unknown_session", transfer.ErrUnknownSession)
	crpc.RegisterError("transfer.invalid_session_id", transfer.ErrInvalidSessionID)
	crpc.RegisterError("transfer.index_out_of_range", transfer.ErrIndexOutOfRange)
	crpc.RegisterError("transfer.incomplete", transfer.ErrIncomplete)
	crpc.RegisterError("transfer.source_changed", transfer.ErrSourceChanged)
	crpc.RegisterError("transfer.digest_mismatch", transfer.ErrDigestMismatch)
	crpc.RegisterError("descriptor.invalid", descriptor.ErrInvalid)
	crpc.RegisterError("session.not_found", session.ErrNotFound)
}

type DescriptorRequest struct {
	Name string `cbor:"1,keyasint,omitempty"` // Artifact file name in the sender's library
}

type DescriptorResponse struct {
	Descriptor []byte `cbor:"1,keyasint,omitempty"` // Encoded descriptor
}

type PieceRequest struct {
	Name  string `cbor:"1,keyasint,omitempty"`
	Index uint64 `cbor:"2,keyasint,omitempty"`
}

type PieceResponse struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

type EstablishRequest struct {
	Descriptor []byte `cbor:"1,keyasint,omitempty"` // Encoded descriptor, signed if the receiver expects it
	SessionID  string `cbor:"2,keyasint,omitempty"` // Resume this session instead of deriving the id
}

type ReceiveRequest struct {
	SessionID string `cbor:"1,keyasint,omitempty"`
	Index     uint64 `cbor:"2,keyasint,omitempty"`
	Data      []byte `cbor:"3,keyasint,omitempty"`
}

type StatusRequest struct {
	SessionID string `cbor:"1,keyasint,omitempty"`
}

// SessionResponse reports a session after Establish, Receive or Status.
type SessionResponse struct {
	SessionID string `cbor:"1,keyasint,omitempty"`
	Status    []int  `cbor:"2,keyasint,omitempty"` // 1 per received piece, 0 otherwise
	Percent   int    `cbor:"3,keyasint,omitempty"`
	Complete  bool   `cbor:"4,keyasint,omitempty"`
	Result    any    `cbor:"5,keyasint,omitempty"` // Completion hook result, once finalized
}

// Missing returns the indexes still to be sent.
func (r *SessionResponse) Missing() []uint64 {
	var out []uint64
	for i, v := range r.Status {
		if v == 0 {
			out = append(out, uint64(i))
		}
	}
	return out
}

func StatusVector(received []bool) []int {
	out := make([]int, len(received))
	for i, ok := range received {
		if ok {
			out[i] = 1
		}
	}
	return out
}
