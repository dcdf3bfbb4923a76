package handler

import (
	"context"

	"github.com/nyxlabs/nyxmq/internal/metrics"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
)

// handleInbound dispatches one decoded packet to the appropriate QoS state
// transition or control-packet handler. It returns false if the connection
// must be closed (protocol violation).
func (h *Handler) handleInbound(pkt protocol.Packet) bool {
	switch p := pkt.(type) {
	case *protocol.PublishPacket:
		return h.handleInboundPublish(p)
	case *protocol.PubackPacket:
		h.sess.TransitionOutbound(p.PacketID, session.StateAcknowledged)
		return true
	case *protocol.PubrecPacket:
		h.handlePubrec(p)
		return true
	case *protocol.PubrelPacket:
		h.handlePubrel(p)
		return true
	case *protocol.PubcompPacket:
		h.sess.TransitionOutbound(p.PacketID, session.StateCompleted)
		return true
	case *protocol.SubscribePacket:
		h.handleSubscribe(p)
		return true
	case *protocol.UnsubscribePacket:
		h.handleUnsubscribe(p)
		return true
	case *protocol.PingreqPacket:
		h.Enqueue(&protocol.PingrespPacket{})
		return true
	default:
		return false
	}
}

// handleInboundPublish implements the inbound QoS0/1/2 receive flow.
// QoS2 duplicate PUBLISHes (packet id already recorded)
// are re-acknowledged without being routed a second time.
func (h *Handler) handleInboundPublish(p *protocol.PublishPacket) bool {
	ctx := context.Background()
	if !h.dispatch.Authorize(ctx, h.clientID, p.Topic, plugin.ActionPublish) {
		return true // silently drop, connection stays open
	}

	switch p.QoS {
	case protocol.QoS0:
		h.dispatch.Publish(h.sess, p)
		return true
	case protocol.QoS1:
		h.dispatch.Publish(h.sess, p)
		h.enqueueBlocking(&protocol.PubackPacket{PacketID: p.PacketID})
		return true
	case protocol.QoS2:
		if h.sess.InboundState(p.PacketID) == nil {
			h.sess.RecordInbound(p.PacketID, p)
			h.dispatch.Publish(h.sess, p)
		}
		h.enqueueBlocking(&protocol.PubrecPacket{PacketID: p.PacketID})
		return true
	default:
		return false
	}
}

// handlePubrec advances an outbound QoS2 delivery from Published to
// Received and emits the PUBREL.
func (h *Handler) handlePubrec(p *protocol.PubrecPacket) {
	h.sess.TransitionOutbound(p.PacketID, session.StateReceived)
	h.enqueueBlocking(&protocol.PubrelPacket{PacketID: p.PacketID})
}

// handlePubrel advances an inbound QoS2 delivery from Received to
// Completed and emits the PUBCOMP, forgetting the packet id.
func (h *Handler) handlePubrel(p *protocol.PubrelPacket) {
	h.sess.TransitionInbound(p.PacketID, session.StateCompleted)
	h.enqueueBlocking(&protocol.PubcompPacket{PacketID: p.PacketID})
}

func (h *Handler) handleSubscribe(p *protocol.SubscribePacket) {
	codes := make([]byte, len(p.Subscriptions))
	var toReplay []*protocol.PublishPacket
	for i, sub := range p.Subscriptions {
		if !h.dispatch.Authorize(context.Background(), h.clientID, sub.Filter, plugin.ActionSubscribe) {
			codes[i] = protocol.SubackFailure
			continue
		}
		granted, retained := h.dispatch.Subscribe(h.sess, sub)
		codes[i] = byte(granted)
		toReplay = append(toReplay, retained...)
	}
	h.enqueueBlocking(&protocol.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})
	for _, pub := range toReplay {
		h.DeliverPublish(pub)
	}
}

func (h *Handler) handleUnsubscribe(p *protocol.UnsubscribePacket) {
	for _, filter := range p.Filters {
		h.dispatch.Unsubscribe(h.sess, filter)
	}
	h.enqueueBlocking(&protocol.UnsubackPacket{PacketID: p.PacketID})
}

// DeliverPublish sends pub to this connection's client as a brand-new
// outbound delivery, allocating a packet id and recording inflight state
// for QoS 1/2. Call this from the router's fan-out.
func (h *Handler) DeliverPublish(pub *protocol.PublishPacket) {
	if pub.QoS == protocol.QoS0 {
		if !h.Enqueue(pub) {
			metrics.QueueOverflows.WithLabelValues("0").Inc()
		}
		return
	}

	pid := h.sess.AllocatePacketID(session.Outbound)
	if pid == 0 {
		// Packet-id space exhausted: queue instead of delivering now so
		// nothing is silently lost.
		h.sess.Enqueue(pub)
		return
	}
	out := *pub
	out.PacketID = pid
	out.Dup = false
	h.sess.RecordOutbound(pid, &out, session.StatePublished)
	// Blocking send: QoS>0 is never dropped for queue overflow, the
	// delivering goroutine waits for the writer to make room instead. If
	// the connection dies first, the inflight record replays on reconnect.
	h.enqueueBlocking(&out)
}

// ReplayAndFlush is invoked by the broker right after attaching this
// Handler to a pre-existing session: it
// first replays unacknowledged outbound state in order (PUBRELs, then
// dup=1 PUBLISHes), then promotes any messages queued while disconnected
// into fresh outbound deliveries.
func (h *Handler) ReplayAndFlush() {
	pubrels, publishes := h.sess.ReplayOutbound()
	for _, in := range pubrels {
		h.enqueueBlocking(&protocol.PubrelPacket{PacketID: in.PacketID})
	}
	for _, in := range publishes {
		dup := *in.Message
		dup.Dup = true
		dup.PacketID = in.PacketID
		h.enqueueBlocking(&dup)
	}
	for _, pub := range h.sess.DrainQueued() {
		h.DeliverPublish(pub)
	}
}
