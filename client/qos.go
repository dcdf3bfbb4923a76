package client

import (
	"fmt"
	"time"

	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
)

// Publish sends payload to topic at the given QoS. For QoS 0 it returns as
// soon as the packet is queued for write; for QoS 1/2 it blocks only long
// enough to allocate a packet id and record inflight state, not for the
// broker's acknowledgement. The client exposes no notification of that
// acknowledgement.
func (c *Client) Publish(topic string, payload []byte, qos protocol.QoS, retain bool) error {
	pub := &protocol.PublishPacket{Topic: topic, Payload: payload, QoS: qos, Retain: retain}
	if qos == protocol.QoS0 {
		c.enqueue(pub)
		return nil
	}

	pid := c.sess.AllocatePacketID(session.Outbound)
	if pid == 0 {
		return fmt.Errorf("client: packet id space exhausted")
	}
	pub.PacketID = pid
	c.sess.RecordOutbound(pid, pub, session.StatePublished)
	if !c.Connected() {
		c.sess.Enqueue(pub) // queued for replay once reconnected
		return nil
	}
	c.enqueue(pub)
	return nil
}

// Subscribe sends a SUBSCRIBE for a single filter and blocks until the
// matching SUBACK arrives or timeout elapses, returning the granted QoS.
func (c *Client) Subscribe(filter string, qos protocol.QoS, timeout time.Duration) (protocol.QoS, error) {
	pid := c.sess.AllocatePacketID(session.Outbound)
	ch := make(chan *protocol.SubackPacket, 1)
	c.pendingMu.Lock()
	c.pendingSub[pid] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingSub, pid)
		c.pendingMu.Unlock()
	}()

	c.enqueue(&protocol.SubscribePacket{
		PacketID:      pid,
		Subscriptions: []protocol.Subscription{{Filter: filter, QoS: qos}},
	})

	select {
	case ack := <-ch:
		if len(ack.ReturnCodes) == 0 {
			return 0, fmt.Errorf("client: empty SUBACK")
		}
		code := ack.ReturnCodes[0]
		if code == protocol.SubackFailure {
			return 0, fmt.Errorf("client: subscription to %q refused", filter)
		}
		granted := protocol.QoS(code)
		c.sess.SetSubscription(session.Subscription{Filter: filter, MaxQoS: granted})
		return granted, nil
	case <-time.After(timeout):
		return 0, fmt.Errorf("client: SUBACK timeout for %q", filter)
	}
}

// Unsubscribe sends an UNSUBSCRIBE and blocks until the matching UNSUBACK
// arrives or timeout elapses.
func (c *Client) Unsubscribe(filter string, timeout time.Duration) error {
	pid := c.sess.AllocatePacketID(session.Outbound)
	ch := make(chan *protocol.UnsubackPacket, 1)
	c.pendingMu.Lock()
	c.pendingUnsub[pid] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingUnsub, pid)
		c.pendingMu.Unlock()
	}()

	c.enqueue(&protocol.UnsubscribePacket{PacketID: pid, Filters: []string{filter}})
	c.sess.RemoveSubscription(filter)

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("client: UNSUBACK timeout for %q", filter)
	}
}

// handleInbound dispatches one packet arriving from the broker to the
// inbound QoS state machine or to a pending SUBSCRIBE/UNSUBSCRIBE waiter.
func (c *Client) handleInbound(pkt protocol.Packet) {
	switch p := pkt.(type) {
	case *protocol.PublishPacket:
		c.handleInboundPublish(p)
	case *protocol.PubackPacket:
		c.sess.TransitionOutbound(p.PacketID, session.StateAcknowledged)
	case *protocol.PubrecPacket:
		c.sess.TransitionOutbound(p.PacketID, session.StateReceived)
		c.enqueue(&protocol.PubrelPacket{PacketID: p.PacketID})
	case *protocol.PubrelPacket:
		c.sess.TransitionInbound(p.PacketID, session.StateCompleted)
		c.enqueue(&protocol.PubcompPacket{PacketID: p.PacketID})
	case *protocol.PubcompPacket:
		c.sess.TransitionOutbound(p.PacketID, session.StateCompleted)
	case *protocol.SubackPacket:
		c.pendingMu.Lock()
		ch := c.pendingSub[p.PacketID]
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- p
		}
	case *protocol.UnsubackPacket:
		c.pendingMu.Lock()
		ch := c.pendingUnsub[p.PacketID]
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- p
		}
	case *protocol.PingrespPacket:
		// nothing to do; keepalive is reset on any inbound read.
	}
}

// handleInboundPublish implements the subscriber-side QoS1/2 receive flow,
// handing a QoS2 payload to Messages() at most once even under duplicate
// redelivery (deliver drops it if the channel is full).
func (c *Client) handleInboundPublish(p *protocol.PublishPacket) {
	switch p.QoS {
	case protocol.QoS0:
		c.deliver(p)
	case protocol.QoS1:
		c.deliver(p)
		c.enqueue(&protocol.PubackPacket{PacketID: p.PacketID})
	case protocol.QoS2:
		if c.sess.InboundState(p.PacketID) == nil {
			c.sess.RecordInbound(p.PacketID, p)
			c.deliver(p)
		}
		c.enqueue(&protocol.PubrecPacket{PacketID: p.PacketID})
	}
}

func (c *Client) deliver(p *protocol.PublishPacket) {
	msg := &Message{Topic: p.Topic, Payload: p.Payload, QoS: p.QoS, Retain: p.Retain}
	select {
	case c.messages <- msg:
	default:
		// Messages channel full: drop rather than block the reader loop,
		// whatever the message's QoS.
	}
}
