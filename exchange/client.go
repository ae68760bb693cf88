package exchange

import (
	"context"

	"bundlexfer/exchange/protocol"
	"bundlexfer/net/crpc"
)

// Client talks to the Sender and Receiver services of a remote node.
type Client struct {
	rpc *crpc.Client
}

func Dial(ctx context.Context, address string) (*Client, error) {
	c, err := crpc.Dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewClient(c), nil
}

func NewClient(c *crpc.Client) *Client {
	return &Client{rpc: c}
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) Descriptor(ctx context.Context, name string) ([]byte, error) {
	res := &protocol.DescriptorResponse{}
	if err := c.rpc.Call(ctx, protocol.SenderDescriptor, &protocol.DescriptorRequest{Name: name}, res); err != nil {
		return nil, err
	}
	return res.Descriptor, nil
}

func (c *Client) Piece(ctx context.Context, name string, index uint64) ([]byte, error) {
	res := &protocol.PieceResponse{}
	if err := c.rpc.Call(ctx, protocol.SenderPiece, &protocol.PieceRequest{Name: name, Index: index}, res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *Client) Establish(ctx context.Context, raw []byte, sessionID string) (*protocol.SessionResponse, error) {
	res := &protocol.SessionResponse{}
	req := &protocol.EstablishRequest{Descriptor: raw, SessionID: sessionID}
	if err := c.rpc.Call(ctx, protocol.ReceiverEstablish, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Receive(ctx context.Context, sessionID string, index uint64, data []byte) (*protocol.SessionResponse, error) {
	res := &protocol.SessionResponse{}
	req := &protocol.ReceiveRequest{SessionID: sessionID, Index: index, Data: data}
	if err := c.rpc.Call(ctx, protocol.ReceiverReceive, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (*protocol.SessionResponse, error) {
	res := &protocol.SessionResponse{}
	if err := c.rpc.Call(ctx, protocol.ReceiverStatus, &protocol.StatusRequest{SessionID: sessionID}, res); err != nil {
		return nil, err
	}
	return res, nil
}
