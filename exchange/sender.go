package exchange

import (
	"context"

	"bundlexfer/exchange/protocol"
	"bundlexfer/transfer"

	log "github.com/sirupsen/logrus"
)

// Sender serves descriptors and pieces from a library.
type Sender struct {
	library *transfer.Library
}

func NewSender(library *transfer.Library) *Sender {
	return &Sender{library: library}
}

// RPC: Sender.Descriptor
func (s *Sender) Descriptor(ctx context.Context, req *protocol.DescriptorRequest, res *protocol.DescriptorResponse) error {
	d, err := s.library.Descriptor(ctx, req.Name)
	if err != nil {
		log.Warnf("Descriptor request for %q failed: %v", req.Name, err)
		return err
	}
	raw, err := d.Marshal()
	if err != nil {
		return err
	}
	res.Descriptor = raw
	return nil
}

// RPC: Sender.Piece
func (s *Sender) Piece(ctx context.Context, req *protocol.PieceRequest, res *protocol.PieceResponse) error {
	data, err := s.library.Piece(ctx, req.Name, req.Index)
	if err != nil {
		log.Warnf("Piece request for %q #%d failed: %v", req.Name, req.Index, err)
		return err
	}
	res.Data = data
	return nil
}
