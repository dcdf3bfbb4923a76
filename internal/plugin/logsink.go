package plugin

import (
	"context"
	"log"
)

// LogSink is an EventSink that writes every event through the standard
// logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, event Event, payload Payload) {
	switch event {
	case EventClientConnected:
		log.Printf("[event] %s client=%s conn=%s", event, payload.ClientID, payload.ConnID)
	case EventClientDisconnected:
		log.Printf("[event] %s client=%s reason=%s", event, payload.ClientID, payload.Reason)
	case EventMessageReceived, EventMessageSent:
		log.Printf("[event] %s client=%s topic=%s qos=%d", event, payload.ClientID, payload.Topic, payload.QoS)
	default:
		log.Printf("[event] %s", event)
	}
}
