package streamrecv

import (
	"context"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/avos-io/streamrecv/internal/rendezvous"
)

// grpcMessageKey carries the status message of a stream in its trailing
// metadata.
const grpcMessageKey = "grpc-message"

// Call is the consuming side of a single stream: it turns the callback-based
// registrations of a TransportStreamReceiver into blocking receives.
//
// Each Recv* may only be in flight once at a time. If ctx ends while a Recv*
// is waiting, the whole stream is cancelled. A value delivered concurrently
// with the cancellation, whose callback had already been taken but had not
// yet run when CancelStream returned, is lost.
type Call struct {
	id    StreamIdentifier
	recv  TransportStreamReceiver
	codec encoding.Codec
}

func NewCall(recv TransportStreamReceiver, id StreamIdentifier) *Call {
	return &Call{
		id:    id,
		recv:  recv,
		codec: encoding.GetCodec(proto.Name),
	}
}

// ID returns the stream the Call consumes.
func (c *Call) ID() StreamIdentifier {
	return c.id
}

// RecvInitialMetadata waits for the stream's initial metadata.
func (c *Call) RecvInitialMetadata(ctx context.Context) (metadata.MD, error) {
	return await(ctx, c, func(cb rendezvous.Callback[Metadata]) {
		c.recv.RegisterRecvInitialMetadata(c.id, func(md Metadata, err error) {
			cb(md, err)
		})
	})
}

// RecvRaw waits for the next message. It returns io.EOF once the stream has
// ended gracefully.
func (c *Call) RecvRaw(ctx context.Context) ([]byte, error) {
	msg, err := await(ctx, c, func(cb rendezvous.Callback[[]byte]) {
		c.recv.RegisterRecvMessage(c.id, func(msg []byte, err error) {
			cb(msg, err)
		})
	})
	if IsCancelledGracefully(err) {
		return nil, io.EOF
	}
	return msg, err
}

// RecvMsg waits for the next message and unmarshals it into m.
func (c *Call) RecvMsg(ctx context.Context, m any) error {
	data, err := c.RecvRaw(ctx)
	if err != nil {
		return err
	}
	if err := c.codec.Unmarshal(data, m); err != nil {
		return status.Errorf(codes.Internal, "failed to unmarshal message: %v", err)
	}
	return nil
}

// RecvTrailer waits for the stream's trailing metadata. A non-zero status is
// returned as a status error alongside the metadata.
func (c *Call) RecvTrailer(ctx context.Context) (metadata.MD, error) {
	t, err := await(ctx, c, func(cb rendezvous.Callback[trailer]) {
		c.recv.RegisterRecvTrailingMetadata(c.id, func(md Metadata, code int, err error) {
			cb(trailer{md: md, status: code}, err)
		})
	})
	if err != nil {
		return t.md, err
	}
	if t.status != int(codes.OK) {
		var msg string
		if vs := t.md.Get(grpcMessageKey); len(vs) > 0 {
			msg = vs[0]
		}
		return t.md, status.Error(codes.Code(t.status), msg)
	}
	return t.md, nil
}

// Close drops whatever the Receiver still holds for the stream.
func (c *Call) Close() {
	c.recv.Clear(c.id)
}

func await[T any](
	ctx context.Context,
	c *Call,
	register func(rendezvous.Callback[T]),
) (T, error) {
	ch := make(chan rendezvous.Result[T], 1)
	register(func(v T, err error) {
		ch <- rendezvous.Result[T]{Value: v, Err: err}
	})

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		err := status.FromContextError(ctx.Err()).Err()
		c.recv.CancelStream(c.id, err)
		// CancelStream runs the callback synchronously if it was still
		// waiting. A result which beat the cancellation is returned rather
		// than dropped. If the callback was cleared, nothing is ever sent.
		select {
		case r := <-ch:
			if r.Err != err {
				return r.Value, r.Err
			}
		default:
		}
		var zero T
		return zero, err
	}
}
