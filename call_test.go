package streamrecv_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/avos-io/streamrecv"
)

func TestCall(t *testing.T) {
	t.Run("RecvInitialMetadata", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)
		is.Equal(uint64(1), call.ID())

		md := metadata.Pairs("kev", "bernitz")
		rcv.NotifyRecvInitialMetadata(1, md, nil)

		got, err := call.RecvInitialMetadata(context.Background())
		is.NoError(err)
		is.Equal(md, got)
	})

	t.Run("RecvRaw waits for Notify", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		go func() {
			require.Eventually(t, func() bool {
				st, ok := rcv.Snapshot(1)
				return ok && st.WaitingMessage
			}, time.Second, time.Millisecond)
			rcv.NotifyRecvMessage(1, []byte("hello"), nil)
		}()

		got, err := call.RecvRaw(context.Background())
		is.NoError(err)
		is.Equal([]byte("hello"), got)
	})

	t.Run("RecvRaw: EOF after trailer", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		rcv.NotifyRecvMessage(1, []byte("last"), nil)
		rcv.NotifyRecvTrailingMetadata(1, nil, 0, nil)

		got, err := call.RecvRaw(context.Background())
		is.NoError(err)
		is.Equal([]byte("last"), got)

		got, err = call.RecvRaw(context.Background())
		is.Equal(io.EOF, err)
		is.Nil(got)
	})

	t.Run("RecvRaw: transport error", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		rcv.NotifyRecvMessage(1, nil, errTest)

		_, err := call.RecvRaw(context.Background())
		is.Equal(errTest, err)
	})

	t.Run("RecvMsg", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		data, err := proto.Marshal(wrapperspb.String("sam"))
		is.NoError(err)
		rcv.NotifyRecvMessage(1, data, nil)

		var got wrapperspb.StringValue
		is.NoError(call.RecvMsg(context.Background(), &got))
		is.Equal("sam", got.GetValue())
	})

	t.Run("RecvMsg: undecodable", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		rcv.NotifyRecvMessage(1, []byte{0xff, 0xff, 0xff}, nil)

		var got wrapperspb.StringValue
		err := call.RecvMsg(context.Background(), &got)
		is.Equal(codes.Internal, status.Code(err))
	})

	t.Run("RecvMsg: EOF", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		rcv.NotifyRecvTrailingMetadata(1, nil, 0, nil)

		var got wrapperspb.StringValue
		is.Equal(io.EOF, call.RecvMsg(context.Background(), &got))
	})

	t.Run("RecvTrailer: OK", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		md := metadata.Pairs("sam", "jansen")
		rcv.NotifyRecvTrailingMetadata(1, md, 0, nil)

		got, err := call.RecvTrailer(context.Background())
		is.NoError(err)
		is.Equal(md, got)
	})

	t.Run("RecvTrailer: status", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		md := metadata.Pairs("grpc-message", "no such thing")
		rcv.NotifyRecvTrailingMetadata(1, md, int(codes.NotFound), nil)

		got, err := call.RecvTrailer(context.Background())
		is.Equal(md, got)

		s, ok := status.FromError(err)
		is.True(ok)
		is.Equal(codes.NotFound, s.Code())
		is.Equal("no such thing", s.Message())
	})

	t.Run("CancelStream", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		go func() {
			require.Eventually(t, func() bool {
				st, ok := rcv.Snapshot(1)
				return ok && st.WaitingInitialMetadata
			}, time.Second, time.Millisecond)
			rcv.CancelStream(1, errTest)
		}()

		_, err := call.RecvInitialMetadata(context.Background())
		is.Equal(errTest, err)
	})

	t.Run("ctx done", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := call.RecvRaw(ctx)
		is.Equal(codes.Canceled, status.Code(err))
		is.False(streamrecv.IsCancelledGracefully(err))

		// The registration was resolved, so the slot can be used again.
		_, ok := rcv.Snapshot(1)
		is.False(ok)

		rcv.NotifyRecvMessage(1, []byte("a"), nil)
		got, err := call.RecvRaw(context.Background())
		is.NoError(err)
		is.Equal([]byte("a"), got)
	})

	t.Run("ctx deadline", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := call.RecvTrailer(ctx)
		is.Equal(codes.DeadlineExceeded, status.Code(err))
	})

	t.Run("concurrent kinds", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		trailer := make(chan error, 1)
		go func() {
			_, err := call.RecvTrailer(context.Background())
			trailer <- err
		}()

		go func() {
			rcv.NotifyRecvInitialMetadata(1, nil, nil)
			rcv.NotifyRecvMessage(1, []byte("x"), nil)
			rcv.NotifyRecvTrailingMetadata(1, nil, 0, nil)
		}()

		_, err := call.RecvInitialMetadata(context.Background())
		is.NoError(err)
		msg, err := call.RecvRaw(context.Background())
		is.NoError(err)
		is.Equal([]byte("x"), msg)
		_, err = call.RecvRaw(context.Background())
		is.Equal(io.EOF, err)

		select {
		case err := <-trailer:
			is.NoError(err)
		case <-time.After(time.Second):
			t.Fatal("time out")
		}
	})

	t.Run("Close", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		rcv.NotifyRecvMessage(1, []byte("a"), nil)
		rcv.NotifyRecvTrailingMetadata(1, nil, 0, nil)
		is.Equal(1, rcv.Len())

		call.Close()
		is.Zero(rcv.Len())
	})
}

func TestCallCtxDone(t *testing.T) {
	t.Run("returns after Close dropped the waiting callback", func(t *testing.T) {
		is := require.New(t)

		rcv := newReceiver(true)
		call := streamrecv.NewCall(rcv, 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			_, err := call.RecvRaw(ctx)
			done <- err
		}()

		is.Eventually(func() bool {
			st, ok := rcv.Snapshot(1)
			return ok && st.WaitingMessage
		}, time.Second, time.Millisecond)

		call.Close()
		cancel()

		select {
		case err := <-done:
			is.Equal(codes.Canceled, status.Code(err))
		case <-time.After(time.Second):
			t.Fatal("RecvRaw did not return after ctx was cancelled")
		}
		is.Zero(rcv.Len())
	})

	t.Run("keeps a value delivered during cancellation", func(t *testing.T) {
		is := require.New(t)

		rcv := &deliverOnCancel{Receiver: newReceiver(true), msg: []byte("late")}
		call := streamrecv.NewCall(rcv, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got, err := call.RecvRaw(ctx)
		is.NoError(err)
		is.Equal([]byte("late"), got)
	})
}

// deliverOnCancel delivers msg just before cancelling a stream, as a
// transport racing the consumer's cancellation would.
type deliverOnCancel struct {
	*streamrecv.Receiver
	msg []byte
}

func (r *deliverOnCancel) CancelStream(id streamrecv.StreamIdentifier, err error) {
	r.Receiver.NotifyRecvMessage(id, r.msg, nil)
	r.Receiver.CancelStream(id, err)
}
