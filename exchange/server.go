package exchange

import (
	"errors"
	"net"

	"bundlexfer/net/crpc"
)

// NewServer publishes the given services on listener. Either may be nil, but not both.
func NewServer(listener net.Listener, sender *Sender, receiver *Receiver) (*crpc.Server, error) {
	if sender == nil && receiver == nil {
		return nil, errors.New("exchange: no service to serve")
	}

	srv := crpc.NewServer(listener)
	if sender != nil {
		if err := srv.Register(sender); err != nil {
			return nil, err
		}
	}
	if receiver != nil {
		if err := srv.Register(receiver); err != nil {
			return nil, err
		}
	}
	return srv, nil
}
