package streamrecv

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/avos-io/streamrecv/internal"
)

const resetStreamType = "RST_STREAM"

// ReaderOption is an option used when constructing a NewReader.
type ReaderOption interface {
	apply(*Reader)
}

type readerOptFunc func(*Reader)

func (fn readerOptFunc) apply(rd *Reader) {
	fn(rd)
}

// WithReaderLogger sets the logger of the Reader.
func WithReaderLogger(l zerolog.Logger) ReaderOption {
	return readerOptFunc(func(rd *Reader) {
		rd.log = l
	})
}

// WithReaderClock sets the clock used to timestamp received payloads.
func WithReaderClock(cl clock.Clock) ReaderOption {
	return readerOptFunc(func(rd *Reader) {
		rd.clock = cl
	})
}

// ReaderStatsHandler installs a stats.Handler which is told of every header,
// payload and trailer the Reader receives.
func ReaderStatsHandler(h stats.Handler) ReaderOption {
	return readerOptFunc(func(rd *Reader) {
		rd.statsHandlers = append(rd.statsHandlers, h)
	})
}

// Reader pulls decoded Rpcs off an RpcReadWriter and announces their contents
// to a TransportStreamReceiver.
//
// A stream is opened by the first Rpc carrying a Header and closed by the
// first carrying a Trailer or a Reset. Bodies and Trailers for streams which
// are not open are ignored.
type Reader struct {
	rw   RpcReadWriter
	recv TransportStreamReceiver

	isClient      bool
	log           zerolog.Logger
	clock         clock.Clock
	statsHandlers []stats.Handler

	// stream -> method; only touched from Run.
	open map[StreamIdentifier]string
}

func NewReader(rw RpcReadWriter, recv TransportStreamReceiver, opts ...ReaderOption) *Reader {
	rd := &Reader{
		rw:    rw,
		recv:  recv,
		log:   log.Logger,
		clock: clock.New(),
		open: make(map[StreamIdentifier]string),
	}
	if c, ok := recv.(interface{ IsClient() bool }); ok {
		rd.isClient = c.IsClient()
	}

	for _, opt := range opts {
		opt.apply(rd)
	}

	return rd
}

// Run reads until the RpcReadWriter fails or ctx is done. Every stream still
// open at that point is cancelled with an Unavailable status.
func (rd *Reader) Run(ctx context.Context) error {
	for {
		rpc, err := rd.rw.Read(ctx)
		if err != nil {
			err = errors.Wrap(err, "read error")
			rd.cancelOpenStreams(status.Errorf(codes.Unavailable, "transport: %v", err))
			return err
		}
		if rpc == nil {
			rd.log.Warn().Msg("Reader: received nil Rpc: ignoring")
			continue
		}
		rd.dispatch(ctx, rpc)
	}
}

func (rd *Reader) dispatch(ctx context.Context, rpc *Rpc) {
	id := rpc.Id

	if reset := rpc.GetReset(); reset != nil {
		if reset.Type != resetStreamType {
			rd.log.Warn().Uint64("stream", id).Msgf("Reader: unknown reset type %q: ignoring", reset.Type)
			return
		}
		if _, ok := rd.open[id]; ok {
			delete(rd.open, id)
			rd.recv.CancelStream(id, status.Error(codes.Aborted, "transport: stream reset by peer"))
		}
		return
	}

	if h := rpc.GetHeader(); h != nil {
		if _, ok := rd.open[id]; !ok {
			rd.open[id] = h.Method

			md, err := internal.ToMetadata(h.Headers)
			if err != nil {
				err = status.Errorf(codes.Internal, "transport: malformed header: %v", err)
			} else {
				internal.StatsInHeader(rd.statsHandlers, rd.isClient, h.Method, md, ctx)
			}
			rd.recv.NotifyRecvInitialMetadata(id, md, err)
		}
	}

	if _, ok := rd.open[id]; !ok {
		if rpc.GetBody() != nil || rpc.GetTrailer() != nil {
			rd.log.Warn().Uint64("stream", id).Msg("Reader: Rpc for a stream which is not open: ignoring")
		}
		return
	}

	if body := rpc.GetBody(); body != nil {
		internal.StatsInPayload(rd.statsHandlers, rd.isClient, body.Data, rd.clock.Now(), ctx)
		rd.recv.NotifyRecvMessage(id, body.Data, nil)
	}

	if tr := rpc.GetTrailer(); tr != nil {
		delete(rd.open, id)

		md, err := internal.ToMetadata(tr.Metadata)
		if err != nil {
			err = status.Errorf(codes.Internal, "transport: malformed trailer: %v", err)
		}

		code := 0
		if st := rpc.GetStatus(); st != nil {
			code = int(st.GetCode())
			if msg := st.GetMessage(); msg != "" && md != nil {
				md.Set(grpcMessageKey, msg)
			}
		}

		if err == nil {
			internal.StatsInTrailer(rd.statsHandlers, rd.isClient, md, ctx)
		}
		rd.recv.NotifyRecvTrailingMetadata(id, md, code, err)
	}
}

func (rd *Reader) cancelOpenStreams(err error) {
	for id := range rd.open {
		rd.log.Info().Uint64("stream", id).Err(err).Msg("Reader: cancelling open stream")
		rd.recv.CancelStream(id, err)
	}
	rd.open = make(map[StreamIdentifier]string)
}
