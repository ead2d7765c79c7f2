package testutil

import (
	"context"

	"github.com/avos-io/streamrecv/types"
)

type TestConn struct {
	ReadChan  chan ReadReturn
	WriteChan chan *types.Rpc
}

type ReadReturn struct {
	Rpc *types.Rpc
	Err error
}

func NewTestConn() *TestConn {
	conn := TestConn{
		ReadChan:  make(chan ReadReturn),
		WriteChan: make(chan *types.Rpc),
	}
	return &conn
}

func (c *TestConn) Read(ctx context.Context) (*types.Rpc, error) {
	select {
	case rr := <-c.ReadChan:
		return rr.Rpc, rr.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TestConn) Write(ctx context.Context, rpc *types.Rpc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.WriteChan <- rpc:
		return nil
	}
}

// Feed delivers rpc to the next Read, giving up when ctx is done.
func (c *TestConn) Feed(ctx context.Context, rpc *types.Rpc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.ReadChan <- ReadReturn{Rpc: rpc}:
		return nil
	}
}

// Fail makes the next Read return err.
func (c *TestConn) Fail(ctx context.Context, err error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.ReadChan <- ReadReturn{Err: err}:
		return nil
	}
}
