package streamrecv

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avos-io/streamrecv/internal"
)

// OnConnect is called by the Demux, on its own goroutine, whenever it sees an
// Rpc from a source it has no connection for.
type OnConnect func(source string, rw RpcReadWriter)

type demuxConn struct {
	r    chan *Rpc
	done chan struct{}
}

// Demux splits a single pair of channels into one RpcReadWriter per source,
// so that each peer's streams are fed to a Reader and Receiver of its own and
// stream ids of different peers never collide.
type Demux struct {
	ctx    context.Context
	cancel context.CancelFunc

	onConnect OnConnect
	r         chan *Rpc
	w         chan *Rpc

	conns struct {
		sync.Mutex
		value map[string]*demuxConn
	}
}

func NewDemux(
	onConnect OnConnect,
	r chan *Rpc,
	w chan *Rpc,
) *Demux {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Demux{
		ctx:       ctx,
		cancel:    cancel,
		onConnect: onConnect,
		r:         r,
		w:         w,
	}
	d.conns.value = make(map[string]*demuxConn)

	return d
}

func (d *Demux) Stop() {
	d.cancel()
}

// Run routes Rpcs until Stop is called or the input channel is closed. Rpcs
// without a source are dropped.
func (d *Demux) Run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case rpc, ok := <-d.r:
			if !ok {
				return
			}
			src := rpc.GetHeader().GetSource()
			if src == "" {
				log.Warn().Uint64("stream", rpc.GetId()).Msg("Demux: Rpc without a source: ignoring")
				continue
			}

			d.conns.Lock()
			conn, ok := d.conns.value[src]
			if !ok {
				conn = d.newConnLocked(src)
			}
			d.conns.Unlock()

			select {
			case conn.r <- rpc:
			case <-conn.done:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// Cancel drops the connection of the given source: its RpcReadWriter fails
// from then on. A later Rpc from the same source opens a new connection.
func (d *Demux) Cancel(source string) {
	d.conns.Lock()
	defer d.conns.Unlock()

	if conn, ok := d.conns.value[source]; ok {
		close(conn.done)
	}

	delete(d.conns.value, source)
}

var errDemuxConnClosed = errors.New("demux connection closed")

func (d *Demux) newConnLocked(source string) *demuxConn {
	c := &demuxConn{
		r:    make(chan *Rpc),
		done: make(chan struct{}),
	}

	closed := func() bool {
		select {
		case <-c.done:
			return true
		case <-d.ctx.Done():
			return true
		default:
			return false
		}
	}

	read := func(ctx context.Context) (*Rpc, error) {
		if closed() {
			return nil, errDemuxConnClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.ctx.Done():
			return nil, errDemuxConnClosed
		case <-c.done:
			return nil, errDemuxConnClosed
		case rpc := <-c.r:
			return rpc, nil
		}
	}

	write := func(ctx context.Context, rpc *Rpc) error {
		if closed() {
			return errDemuxConnClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return errDemuxConnClosed
		case <-c.done:
			return errDemuxConnClosed
		case d.w <- rpc:
			return nil
		}
	}

	d.conns.value[source] = c

	go d.onConnect(source, internal.NewFnReadWriter(read, write))

	return c
}
