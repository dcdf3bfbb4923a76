package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nyxlabs/nyxmq/internal/handler"
	"github.com/nyxlabs/nyxmq/internal/metrics"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
	"github.com/nyxlabs/nyxmq/internal/transport"
)

// serveConn drives one accepted stream's CONNECT exchange to completion,
// then builds and runs a handler.Handler for the connection's
// steady-state lifetime. It never returns until the connection ends.
func (b *Broker) serveConn(stream transport.Stream) {
	connID := uuid.New().String()
	reader := handler.NewFrameReader(stream, nil)

	pkt, err := reader.ReadPacket()
	if err != nil {
		// An unsupported protocol name/level still gets its CONNACK
		// before the close; anything else is dropped silently.
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Kind == protocol.ErrUnsupportedVersion {
			b.send(stream, &protocol.ConnackPacket{ReturnCode: protocol.ConnackUnacceptableProtocolVersion})
		}
		stream.Close()
		return
	}
	connect, ok := pkt.(*protocol.ConnectPacket)
	if !ok {
		stream.Close()
		return
	}

	if connect.ClientID == "" && !connect.CleanSession {
		// A zero-length client id is only allowed with clean=1.
		b.send(stream, &protocol.ConnackPacket{ReturnCode: protocol.ConnackIdentifierRejected})
		stream.Close()
		return
	}
	clientID := connect.ClientID
	if clientID == "" {
		clientID = "anon-" + connID
	}

	if !b.bus.Authenticate(context.Background(), clientID, connect.Username, connect.Password) {
		b.send(stream, &protocol.ConnackPacket{ReturnCode: protocol.ConnackNotAuthorized})
		stream.Close()
		return
	}

	result := b.sessions.GetOrCreate(clientID, connect.CleanSession)
	if result.Destroyed != nil {
		b.router.RemoveSession(clientID)
	}
	if result.PreviousHandler != nil {
		result.PreviousHandler.Close("session taken over")
	}

	if connect.WillFlag {
		result.Session.Will = &session.Will{
			Topic:   connect.WillTopic,
			Payload: connect.WillMessage,
			QoS:     connect.WillQoS,
			Retain:  connect.WillRetain,
		}
	}
	result.Session.KeepAlive = connect.KeepAlive

	cfg := handler.Config{
		OutboundQueueDepth: b.cfg.Limits.OutboundQueueDepth,
		KeepAlive:          time.Duration(connect.KeepAlive) * time.Second,
	}
	h := handler.New(clientID, stream, reader, result.Session, b, cfg)
	result.Session.Attach(h)

	b.mu.Lock()
	b.handlers[clientID] = h
	b.mu.Unlock()

	b.send(stream, &protocol.ConnackPacket{SessionPresent: result.SessionPresent, ReturnCode: protocol.ConnackAccepted})
	b.bus.Fire(plugin.EventClientConnected, plugin.Payload{ClientID: clientID, ConnID: connID})
	metrics.ClientsConnected.Inc()

	if result.SessionPresent {
		h.ReplayAndFlush()
	}

	h.Run()

	metrics.ClientsConnected.Dec()
	b.mu.Lock()
	if b.handlers[clientID] == h {
		delete(b.handlers, clientID)
	}
	b.mu.Unlock()
}

func (b *Broker) send(stream transport.Stream, pkt protocol.Packet) {
	buf, err := protocol.Encode(pkt)
	if err != nil {
		log.Printf("broker: encode %T: %v", pkt, err)
		return
	}
	if _, err := stream.Write(buf); err != nil {
		log.Printf("broker: write %T: %v", pkt, err)
	}
}
