// Package streamrecv is the rendezvous layer between a transport's wire
// reader and the call objects consuming its streams.
//
// The reader announces, per stream, the arrival of initial metadata, of each
// message and of trailing metadata; the call objects independently register
// interest in those same events. Either side may come first. The Receiver
// delivers every event to its consumer exactly once, in the order the reader
// produced it.
package streamrecv

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/avos-io/streamrecv/types"
)

// StreamIdentifier names a call's stream.
type StreamIdentifier = types.StreamIdentifier

// Metadata is the header or trailer metadata of a stream.
type Metadata = types.Metadata

// Rpc is a single decoded transaction read off the transport.
type Rpc = types.Rpc

// RpcReadWriter is the transport the Reader consumes Rpcs from.
type RpcReadWriter = types.RpcReadWriter

// TransportStreamReceiver is implemented by Receiver.
type TransportStreamReceiver = types.TransportStreamReceiver

// CancelledGracefullyMessage is the message of ErrCancelledGracefully.
const CancelledGracefullyMessage = "transport: cancelled gracefully"

// ErrCancelledGracefully is delivered to a message callback which can never
// be satisfied because the stream's trailing metadata has already arrived.
var ErrCancelledGracefully = status.Error(codes.Canceled, CancelledGracefullyMessage)

// IsCancelledGracefully reports whether err marks the graceful end of a
// stream's messages, as opposed to a transport failure.
func IsCancelledGracefully(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.Canceled && s.Message() == CancelledGracefullyMessage
}
