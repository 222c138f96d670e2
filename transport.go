package threadx

import (
	"context"
	"sync"
)

// Envelope is the wire shape posted over a Transport. Field names
// intentionally do not mirror the control-message field names
// threadXMessageType/__asyncMsgId (those are JSON-ish tags on the
// payload, see router.go's wireMessage), keeping the transport itself
// payload-agnostic: it moves Go values, not bytes.
type Envelope struct {
	Payload any
}

// Transport is the external "bidirectional message channel"
// primitive spec.md §1 places out of scope: post(message,
// transferables) + a message event. The core only ever calls Post
// and ranges over Messages(); it never assumes anything about what
// carries the bytes.
type Transport interface {
	Post(ctx context.Context, env Envelope) error
	Messages() <-chan Envelope
	Close() error
}

// channelTransport is an in-process Transport backed by a buffered Go
// channel, the direct analogue of one end of a MessageChannel /
// MessagePort pair. It is the default Transport used by tests.
type channelTransport struct {
	out chan<- Envelope
	in  chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannelTransportPair returns two Transports, each end's Post
// delivering to the other end's Messages channel — an in-process
// stand-in for two workers' message ports.
func NewChannelTransportPair(bufSize int) (a, b Transport) {
	ab := make(chan Envelope, bufSize)
	ba := make(chan Envelope, bufSize)

	ta := &channelTransport{out: ab, in: ba, closed: make(chan struct{})}
	tb := &channelTransport{out: ba, in: ab, closed: make(chan struct{})}
	return ta, tb
}

func (t *channelTransport) Post(ctx context.Context, env Envelope) error {
	select {
	case t.out <- env:
		return nil
	case <-t.closed:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *channelTransport) Messages() <-chan Envelope {
	return t.in
}

func (t *channelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
