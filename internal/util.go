package internal

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"

	"github.com/avos-io/streamrecv/types"
)

// ToMetadata converts header KeyValues to Metadata. Keys are lowered and
// binary (-bin) values are base-64-decoded.
func ToMetadata(kvs []*types.KeyValue) (metadata.MD, error) {
	md := metadata.MD{}
	for _, h := range kvs {
		k := strings.ToLower(h.Key)
		v := h.Value
		if strings.HasSuffix(k, "-bin") {
			vv, err := base64.URLEncoding.DecodeString(v)
			if err != nil {
				return nil, err
			}
			v = string(vv)
		}
		md[k] = append(md[k], v)
	}
	return md, nil
}

// NewFnReadWriter is a convenience wrapper to turn read and write functions
// into an RpcReadWriter.
func NewFnReadWriter(
	r func(context.Context) (*types.Rpc, error),
	w func(context.Context, *types.Rpc) error,
) types.RpcReadWriter {
	return &fnReadWriter{r, w}
}

type fnReadWriter struct {
	r func(context.Context) (*types.Rpc, error)
	w func(context.Context, *types.Rpc) error
}

func (frw *fnReadWriter) Read(ctx context.Context) (*types.Rpc, error) {
	return frw.r(ctx)
}

func (frw *fnReadWriter) Write(ctx context.Context, rpc *types.Rpc) error {
	return frw.w(ctx, rpc)
}

func StatsInHeader(
	statsHandlers []stats.Handler,
	isClient bool,
	method string,
	md metadata.MD,
	ctx context.Context,
) {
	for _, sh := range statsHandlers {
		sh.HandleRPC(ctx, &stats.InHeader{
			Client:     isClient,
			FullMethod: method,
			// The transport is abstracted away, so wire length, compression and
			// peer addresses are left as zero.
			Header: md,
		})
	}
}

func StatsInPayload(
	statsHandlers []stats.Handler,
	isClient bool,
	data []byte,
	recvTime time.Time,
	ctx context.Context,
) {
	for _, sh := range statsHandlers {
		sh.HandleRPC(ctx, &stats.InPayload{
			Client:   isClient,
			Data:     data,
			Length:   len(data),
			RecvTime: recvTime,
		})
	}
}

func StatsInTrailer(
	statsHandlers []stats.Handler,
	isClient bool,
	md metadata.MD,
	ctx context.Context,
) {
	for _, sh := range statsHandlers {
		sh.HandleRPC(ctx, &stats.InTrailer{
			Client:  isClient,
			Trailer: md,
		})
	}
}
