package types

import (
	"context"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
)

// StreamIdentifier names a call's stream for the lifetime of that call.
type StreamIdentifier = uint64

// Metadata is the header/trailer metadata exchanged on a stream.
type Metadata = metadata.MD

// InitialMetadataCallback receives a stream's initial metadata, or the error
// which prevented it from arriving.
type InitialMetadataCallback func(md Metadata, err error)

// MessageDataCallback receives a single message of a stream.
type MessageDataCallback func(msg []byte, err error)

// TrailingMetadataCallback receives a stream's trailing metadata together
// with the status code reported by the remote end.
type TrailingMetadataCallback func(md Metadata, status int, err error)

// TransportStreamReceiver matches the events decoded off the wire with the
// call objects interested in them.
//
// Every Register* callback is invoked exactly once, either synchronously from
// within Register* (when the event has already arrived) or later, from within
// the matching Notify*, CancelStream or the message-cancelling side effect of
// NotifyRecvTrailingMetadata.
type TransportStreamReceiver interface {
	RegisterRecvInitialMetadata(id StreamIdentifier, cb InitialMetadataCallback)
	RegisterRecvMessage(id StreamIdentifier, cb MessageDataCallback)
	RegisterRecvTrailingMetadata(id StreamIdentifier, cb TrailingMetadataCallback)

	NotifyRecvInitialMetadata(id StreamIdentifier, md Metadata, err error)
	NotifyRecvMessage(id StreamIdentifier, msg []byte, err error)
	NotifyRecvTrailingMetadata(id StreamIdentifier, md Metadata, status int, err error)

	CancelStream(id StreamIdentifier, err error)
	Clear(id StreamIdentifier)
}

// KeyValue is a single metadata entry as carried in an Rpc.
type KeyValue struct {
	Key   string
	Value string
}

// RequestHeader opens a stream and carries its initial metadata.
type RequestHeader struct {
	Method      string
	Headers     []*KeyValue
	Source      string
	Destination string
}

func (h *RequestHeader) GetSource() string {
	if h == nil {
		return ""
	}
	return h.Source
}

// Body carries one message of a stream.
type Body struct {
	Data []byte
}

// Trailer ends a stream.
type Trailer struct {
	Metadata []*KeyValue
}

// Reset aborts a stream.
type Reset struct {
	Type string
}

// Rpc is a single, already decoded, transaction of a stream. Any combination
// of Header, Body and Trailer may be set; they are processed in that order.
type Rpc struct {
	Id      StreamIdentifier
	Header  *RequestHeader
	Status  *spb.Status
	Body    *Body
	Trailer *Trailer
	Reset   *Reset
}

func (r *Rpc) GetId() StreamIdentifier {
	if r == nil {
		return 0
	}
	return r.Id
}

func (r *Rpc) GetHeader() *RequestHeader {
	if r == nil {
		return nil
	}
	return r.Header
}

func (r *Rpc) GetBody() *Body {
	if r == nil {
		return nil
	}
	return r.Body
}

func (r *Rpc) GetTrailer() *Trailer {
	if r == nil {
		return nil
	}
	return r.Trailer
}

func (r *Rpc) GetStatus() *spb.Status {
	if r == nil {
		return nil
	}
	return r.Status
}

func (r *Rpc) GetReset() *Reset {
	if r == nil {
		return nil
	}
	return r.Reset
}

// RpcReadWriter is the transport the Reader consumes decoded Rpcs from.
type RpcReadWriter interface {
	Read(context.Context) (*Rpc, error)
	Write(context.Context, *Rpc) error
}
