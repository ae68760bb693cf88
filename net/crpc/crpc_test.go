package crpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTooBig = errors.New("too big")

type Args struct {
	A, B int
}

type Reply struct {
	Sum int
}

type Arith struct{}

func (Arith) Add(args *Args, reply *Reply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (Arith) Checked(ctx context.Context, args Args, reply *Reply) error {
	if args.A > 100 {
		return fmt.Errorf("%d: %w", args.A, errTooBig)
	}
	reply.Sum = args.A + args.B
	return nil
}

func (Arith) Slow(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	reply.Sum = args.A
	return nil
}

func (Arith) Fail(args *Args, reply *Reply) error {
	return errors.New("plain failure")
}

func startServer(t *testing.T) *Client {
	t.Helper()
	RegisterError("test.too_big", errTooBig)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(l)
	require.NoError(t, srv.Register(Arith{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	client, err := Dial(context.Background(), "tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
	return client
}

func TestCall(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	var reply Reply
	require.NoError(t, client.Call(ctx, "Arith.Add", &Args{A: 2, B: 3}, &reply))
	require.Equal(t, 5, reply.Sum)

	require.NoError(t, client.Call(ctx, "Arith.Checked", &Args{A: 7, B: 8}, &reply))
	require.Equal(t, 15, reply.Sum)
}

func TestRegisteredErrorsTravel(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	err := client.Call(ctx, "Arith.Checked", &Args{A: 101}, &Reply{})
	require.ErrorIs(t, err, errTooBig)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []string{"test.too_big"}, se.Codes)
	require.Equal(t, "101: too big", se.Message)

	err = client.Call(ctx, "Arith.Fail", &Args{}, &Reply{})
	require.ErrorAs(t, err, &se)
	require.Empty(t, se.Codes)
	require.NotErrorIs(t, err, errTooBig)

	// The connection survives method errors.
	var reply Reply
	require.NoError(t, client.Call(ctx, "Arith.Add", &Args{A: 1, B: 1}, &reply))
	require.Equal(t, 2, reply.Sum)
}

func TestConcurrentCalls(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply Reply
			require.NoError(t, client.Call(ctx, "Arith.Slow", &Args{A: i % 5}, &reply))
			require.Equal(t, i%5, reply.Sum)
		}()
	}
	wg.Wait()
}

func TestUnknownMethodDropsConnection(t *testing.T) {
	client := startServer(t)

	err := client.Call(context.Background(), "Arith.Missing", &Args{}, &Reply{})
	require.ErrorIs(t, err, ErrShutdown)

	err = client.Call(context.Background(), "Arith.Add", &Args{}, &Reply{})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestCallContext(t *testing.T) {
	client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "Arith.Slow", &Args{A: 2000}, &Reply{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterRejectsUnsuitable(t *testing.T) {
	srv := NewServer(nil)
	require.Error(t, srv.Register(struct{}{}))
	require.NoError(t, srv.RegisterName("Calc", Arith{}))
	require.Error(t, srv.RegisterName("Calc", Arith{}))
}
