package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
	"github.com/nyxlabs/nyxmq/internal/transport"
)

// Dispatcher is everything a Handler needs from its owning broker, kept
// deliberately small so this package never imports broker or router.
type Dispatcher interface {
	// Authorize runs the topic-check plugin vote for action on topic.
	Authorize(ctx context.Context, clientID, topic string, action plugin.Action) bool
	// Publish routes pub, arriving from the client owning from, to every
	// matching subscriber and updates the retained store.
	Publish(from *session.Session, pub *protocol.PublishPacket)
	// Subscribe installs filter for s and returns the granted QoS plus any
	// retained messages that must be replayed immediately.
	Subscribe(s *session.Session, sub protocol.Subscription) (granted protocol.QoS, retained []*protocol.PublishPacket)
	Unsubscribe(s *session.Session, filter string)
	// Terminate is called exactly once when the handler's run loop exits.
	// abnormal distinguishes a clean DISCONNECT from a drop/keepalive
	// timeout/protocol error, which must trigger will dispatch.
	Terminate(h *Handler, s *session.Session, abnormal bool)
}

// Config carries the per-connection limits the broker resolves from
// configuration before constructing a Handler.
type Config struct {
	OutboundQueueDepth int
	KeepAlive          time.Duration // negotiated from the CONNECT packet
}

// Handler owns one connected peer: a reader goroutine, a
// writer goroutine draining a bounded outbound channel, and the keepalive
// monitor. It implements session.Handler so a *session.Session can hold it
// as its live attachment point.
type Handler struct {
	clientID  string
	stream    transport.Stream
	reader    *FrameReader
	sess      *session.Session
	dispatch  Dispatcher
	outbound  chan protocol.Packet
	keepAlive time.Duration

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string

	lastActivity atomic64
}

// atomic64 is a tiny mutex-guarded monotonic timestamp; avoids pulling in
// sync/atomic for a single field read/written from two goroutines.
type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) set(t time.Time) { a.mu.Lock(); a.t = t; a.mu.Unlock() }
func (a *atomic64) get() time.Time  { a.mu.Lock(); defer a.mu.Unlock(); return a.t }

// New constructs a Handler for an already-CONNACKed connection. reader must
// be the same FrameReader the broker used to read the CONNECT packet, so
// any bytes already buffered past it are not lost.
func New(clientID string, stream transport.Stream, reader *FrameReader, sess *session.Session, dispatch Dispatcher, cfg Config) *Handler {
	depth := cfg.OutboundQueueDepth
	if depth <= 0 {
		depth = 64
	}
	h := &Handler{
		clientID:  clientID,
		stream:    stream,
		sess:      sess,
		dispatch:  dispatch,
		outbound:  make(chan protocol.Packet, depth),
		keepAlive: cfg.KeepAlive,
		closed:    make(chan struct{}),
	}
	h.reader = reader
	h.lastActivity.set(time.Now())
	reader.SetOnRead(func(int) { h.lastActivity.set(time.Now()) })
	return h
}

// Enqueue implements session.Handler: it places p on the bounded outbound
// channel, non-blocking. When the channel is full it returns false and p
// is not queued.
func (h *Handler) Enqueue(p protocol.Packet) bool {
	select {
	case h.outbound <- p:
		return true
	default:
		return false
	}
}

// enqueueBlocking places p on the outbound channel, waiting for room if it
// is full. This is the backpressure path for QoS>0 deliveries and protocol
// acknowledgements, which must never be dropped; it gives up only when the
// connection closes.
func (h *Handler) enqueueBlocking(p protocol.Packet) bool {
	select {
	case h.outbound <- p:
		return true
	case <-h.closed:
		return false
	}
}

// Close implements session.Handler: it tears down the connection exactly
// once, recording reason for diagnostics.
func (h *Handler) Close(reason string) {
	h.closeOnce.Do(func() {
		h.closeReason = reason
		close(h.closed)
		h.stream.Close()
	})
}

// Run drives the steady-state reader and writer loops until the connection
// ends, then notifies the dispatcher exactly once. It blocks until both
// loops have exited.
func (h *Handler) Run() {
	var wg sync.WaitGroup
	wg.Add(2)

	abnormal := make(chan bool, 1)

	go func() {
		defer wg.Done()
		abnormal <- h.readLoop()
	}()
	go func() {
		defer wg.Done()
		h.writeLoop()
	}()

	if h.keepAlive > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.keepAliveLoop()
		}()
	}

	wasAbnormal := <-abnormal
	h.Close(fmt.Sprintf("run loop exited, abnormal=%v", wasAbnormal))
	wg.Wait()

	h.dispatch.Terminate(h, h.sess, wasAbnormal)
}

// readLoop decodes inbound packets and dispatches them to the QoS state
// machines until the stream errors or a DISCONNECT arrives. It returns
// true when termination was abnormal (should trigger will dispatch).
func (h *Handler) readLoop() bool {
	for {
		select {
		case <-h.closed:
			return true
		default:
		}

		pkt, err := h.reader.ReadPacket()
		if err != nil {
			return true
		}
		h.lastActivity.set(time.Now())

		if _, ok := pkt.(*protocol.DisconnectPacket); ok {
			return false
		}
		if !h.handleInbound(pkt) {
			return true
		}
	}
}

// writeLoop drains the outbound channel and writes each packet to the
// stream until the connection closes.
func (h *Handler) writeLoop() {
	for {
		select {
		case <-h.closed:
			return
		case pkt := <-h.outbound:
			buf, err := protocol.Encode(pkt)
			if err != nil {
				continue // a packet we can't encode is a bug, not a connection error
			}
			if _, err := h.stream.Write(buf); err != nil {
				h.Close("write error")
				return
			}
		}
	}
}

// keepAliveLoop closes the connection if no inbound byte has arrived
// within 1.5x the negotiated keepalive interval.
func (h *Handler) keepAliveLoop() {
	limit := time.Duration(float64(h.keepAlive) * 1.5)
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			if time.Since(h.lastActivity.get()) > limit {
				h.Close("keepalive timeout")
				return
			}
		}
	}
}
