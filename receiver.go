package streamrecv

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avos-io/streamrecv/internal/rendezvous"
	"github.com/avos-io/streamrecv/types"
)

// ReceiverOption is an option used when constructing a NewReceiver.
type ReceiverOption interface {
	apply(*Receiver)
}

type receiverOptFunc func(*Receiver)

func (fn receiverOptFunc) apply(r *Receiver) {
	fn(r)
}

// WithAcceptStream sets the hook a server-side Receiver invokes whenever
// initial metadata arrives, announcing a new inbound call. It is ignored by
// client-side Receivers.
func WithAcceptStream(fn func()) ReceiverOption {
	return receiverOptFunc(func(r *Receiver) {
		r.acceptStream = fn
	})
}

// WithLogger sets the logger of the Receiver.
func WithLogger(l zerolog.Logger) ReceiverOption {
	return receiverOptFunc(func(r *Receiver) {
		r.log = l
	})
}

// WithClock sets the clock used to timestamp stream state.
func WithClock(cl clock.Clock) ReceiverOption {
	return receiverOptFunc(func(r *Receiver) {
		r.clock = cl
	})
}

type trailer struct {
	md     Metadata
	status int
}

type streamState struct {
	initialMetadata  rendezvous.Slot[Metadata]
	message          rendezvous.Slot[[]byte]
	trailingMetadata rendezvous.Slot[trailer]

	// set once trailing metadata has been notified: no message follows it.
	cancelled bool

	created time.Time
}

func (st *streamState) empty() bool {
	return !st.cancelled &&
		st.initialMetadata.Empty() &&
		st.message.Empty() &&
		st.trailingMetadata.Empty()
}

// StreamState is a point-in-time view of the bookkeeping held for a stream.
type StreamState struct {
	Created time.Time

	WaitingInitialMetadata  bool
	WaitingMessage          bool
	WaitingTrailingMetadata bool

	PendingInitialMetadata  int
	PendingMessages         int
	PendingTrailingMetadata int

	// Cancelled is set once trailing metadata has been notified.
	Cancelled bool
}

// Receiver is the TransportStreamReceiver of one transport.
//
// All per-stream state is guarded by a single mutex which is never held while
// a callback runs, so callbacks may call back into the Receiver.
type Receiver struct {
	isClient     bool
	acceptStream func()

	log   zerolog.Logger
	clock clock.Clock

	mu      sync.Mutex // protects streams
	streams map[StreamIdentifier]*streamState
}

var _ types.TransportStreamReceiver = (*Receiver)(nil)

func NewReceiver(isClient bool, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		isClient: isClient,
		log:      log.Logger,
		clock:    clock.New(),
		streams:  make(map[StreamIdentifier]*streamState),
	}

	for _, opt := range opts {
		opt.apply(r)
	}

	return r
}

// IsClient reports whether the Receiver serves the client side of a
// transport.
func (r *Receiver) IsClient() bool {
	return r.isClient
}

func (r *Receiver) RegisterRecvInitialMetadata(id StreamIdentifier, cb types.InitialMetadataCallback) {
	r.trace("RegisterRecvInitialMetadata", id)

	res, ok := register(r, id, "initial metadata", initialMetadataSlot, nil, rendezvous.Callback[Metadata](cb))
	if ok {
		cb(res.Value, res.Err)
	}
}

func (r *Receiver) RegisterRecvMessage(id StreamIdentifier, cb types.MessageDataCallback) {
	r.trace("RegisterRecvMessage", id)

	// Messages queued before the trailing metadata are still delivered: the
	// reader commits transactions in order, so they precede the end of stream.
	res, ok := register(r, id, "message", messageSlot, messagesCancelled, rendezvous.Callback[[]byte](cb))
	if ok {
		cb(res.Value, res.Err)
	}
}

func (r *Receiver) RegisterRecvTrailingMetadata(id StreamIdentifier, cb types.TrailingMetadataCallback) {
	r.trace("RegisterRecvTrailingMetadata", id)

	res, ok := register(r, id, "trailing metadata", trailingMetadataSlot, nil, trailingCallback(cb))
	if ok {
		cb(res.Value.md, res.Value.status, res.Err)
	}
}

func (r *Receiver) NotifyRecvInitialMetadata(id StreamIdentifier, md Metadata, err error) {
	r.trace("NotifyRecvInitialMetadata", id)

	if !r.isClient && r.acceptStream != nil {
		r.acceptStream()
	}

	if cb := notify(r, id, initialMetadataSlot, rendezvous.Result[Metadata]{Value: md, Err: err}); cb != nil {
		cb(md, err)
	}
}

func (r *Receiver) NotifyRecvMessage(id StreamIdentifier, msg []byte, err error) {
	r.trace("NotifyRecvMessage", id)

	if cb := notify(r, id, messageSlot, rendezvous.Result[[]byte]{Value: msg, Err: err}); cb != nil {
		cb(msg, err)
	}
}

// NotifyRecvTrailingMetadata ends the stream: it is only ever notified after
// the stream's last message, so any message callback still waiting will
// never be satisfied and is cancelled.
func (r *Receiver) NotifyRecvTrailingMetadata(id StreamIdentifier, md Metadata, status int, err error) {
	r.trace("NotifyRecvTrailingMetadata", id)

	r.cancelRecvMessageCallbacksDueToTrailingMetadata(id)

	t := trailer{md: md, status: status}
	if cb := notify(r, id, trailingMetadataSlot, rendezvous.Result[trailer]{Value: t, Err: err}); cb != nil {
		cb(t, err)
	}
}

func (r *Receiver) cancelRecvMessageCallbacksDueToTrailingMetadata(id StreamIdentifier) {
	r.mu.Lock()
	st := r.stateLocked(id)
	cb := st.message.TakeWaiter()
	st.cancelled = true
	r.mu.Unlock()

	if cb != nil {
		r.log.Debug().Uint64("stream", id).Msg("Receiver: cancelling message callback on trailing metadata")
		cb(nil, ErrCancelledGracefully)
	}
}

// CancelStream fails every callback currently waiting on the stream with err.
// Values which have already arrived but not yet been consumed are kept.
func (r *Receiver) CancelStream(id StreamIdentifier, err error) {
	r.trace("CancelStream", id)

	var (
		initialMetadataCb  rendezvous.Callback[Metadata]
		messageCb          rendezvous.Callback[[]byte]
		trailingMetadataCb rendezvous.Callback[trailer]
	)

	r.mu.Lock()
	if st, ok := r.streams[id]; ok {
		initialMetadataCb = st.initialMetadata.TakeWaiter()
		messageCb = st.message.TakeWaiter()
		trailingMetadataCb = st.trailingMetadata.TakeWaiter()
		r.releaseLocked(id, st)
	}
	r.mu.Unlock()

	if initialMetadataCb != nil {
		initialMetadataCb(nil, err)
	}
	if messageCb != nil {
		messageCb(nil, err)
	}
	if trailingMetadataCb != nil {
		trailingMetadataCb(trailer{}, err)
	}
}

// Clear drops all state held for the stream. Callbacks still waiting are
// discarded without being invoked.
func (r *Receiver) Clear(id StreamIdentifier) {
	r.trace("Clear", id)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[id]
	if !ok {
		return
	}
	if st.initialMetadata.Waiting() || st.message.Waiting() || st.trailingMetadata.Waiting() {
		r.log.Warn().Uint64("stream", id).Msg("Receiver: clearing stream with callbacks still registered")
	}
	delete(r.streams, id)
}

// Snapshot returns the state currently held for the stream, if any.
func (r *Receiver) Snapshot(id StreamIdentifier) (StreamState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[id]
	if !ok {
		return StreamState{}, false
	}
	return StreamState{
		Created:                 st.created,
		WaitingInitialMetadata:  st.initialMetadata.Waiting(),
		WaitingMessage:          st.message.Waiting(),
		WaitingTrailingMetadata: st.trailingMetadata.Waiting(),
		PendingInitialMetadata:  st.initialMetadata.Pending(),
		PendingMessages:         st.message.Pending(),
		PendingTrailingMetadata: st.trailingMetadata.Pending(),
		Cancelled:               st.cancelled,
	}, true
}

// Len returns the number of streams the Receiver holds state for.
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.streams)
}

func (r *Receiver) trace(op string, id StreamIdentifier) {
	r.log.Debug().Uint64("stream", id).Bool("is_client", r.isClient).Msg(op)
}

func (r *Receiver) stateLocked(id StreamIdentifier) *streamState {
	st, ok := r.streams[id]
	if !ok {
		st = &streamState{created: r.clock.Now()}
		r.streams[id] = st
	}
	return st
}

func (r *Receiver) releaseLocked(id StreamIdentifier, st *streamState) {
	if st.empty() {
		delete(r.streams, id)
	}
}

func initialMetadataSlot(st *streamState) *rendezvous.Slot[Metadata] {
	return &st.initialMetadata
}

func messageSlot(st *streamState) *rendezvous.Slot[[]byte] {
	return &st.message
}

func trailingMetadataSlot(st *streamState) *rendezvous.Slot[trailer] {
	return &st.trailingMetadata
}

func messagesCancelled(st *streamState) error {
	if st.cancelled {
		return ErrCancelledGracefully
	}
	return nil
}

func trailingCallback(cb types.TrailingMetadataCallback) rendezvous.Callback[trailer] {
	return func(t trailer, err error) {
		cb(t.md, t.status, err)
	}
}

// register pops the oldest pending result of the chosen slot, or stores cb as
// its waiter. A non-nil error from terminal (checked only when nothing is
// pending) is returned as the result instead of storing cb. The returned bool
// reports whether the caller must invoke cb with the result.
func register[T any](
	r *Receiver,
	id StreamIdentifier,
	kind string,
	slotOf func(*streamState) *rendezvous.Slot[T],
	terminal func(*streamState) error,
	cb rendezvous.Callback[T],
) (rendezvous.Result[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(id)
	slot := slotOf(st)

	if slot.Waiting() {
		msg := fmt.Sprintf("Receiver: %s callback already registered for stream %d", kind, id)
		r.log.Error().Uint64("stream", id).Msg(msg)
		panic(msg)
	}

	if res, ok := slot.Pop(); ok {
		r.releaseLocked(id, st)
		return res, true
	}

	if terminal != nil {
		if err := terminal(st); err != nil {
			return rendezvous.Result[T]{Err: err}, true
		}
	}

	slot.Wait(cb)
	return rendezvous.Result[T]{}, false
}

// notify hands res to the chosen slot's waiter, returning it for the caller to
// invoke, or queues res and returns nil.
func notify[T any](
	r *Receiver,
	id StreamIdentifier,
	slotOf func(*streamState) *rendezvous.Slot[T],
	res rendezvous.Result[T],
) rendezvous.Callback[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(id)
	cb := slotOf(st).Offer(res)
	r.releaseLocked(id, st)
	return cb
}
