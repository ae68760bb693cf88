package transfer

import "errors"

var (
	ErrUnauthorizedMessage = errors.New("descriptor signature rejected")
	ErrUnsignedDescriptor  = errors.New("descriptor is not signed")
	ErrUnknownSession      = errors.New("unknown session")
	ErrInvalidSessionID    = errors.New("invalid session id")
	ErrIndexOutOfRange     = errors.New("piece index out of range")
	ErrIncomplete          = errors.New("session is not complete")
	ErrSourceChanged       = errors.New("source no longer matches its descriptor")

	// ErrDigestMismatch rejects a single piece. The session is unchanged and the piece may be sent again.
	ErrDigestMismatch = errors.New("piece digest mismatch")
)
