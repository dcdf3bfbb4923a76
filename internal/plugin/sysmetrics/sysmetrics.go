// Package sysmetrics publishes the broker's own health counters to
// $SYS/broker/... topics on a fixed interval,
// implemented as an ordinary plugin.EventSink that starts its ticker on the
// broker's post-start lifecycle event and stops it on pre-shutdown.
package sysmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nyxlabs/nyxmq/internal/plugin"
)

// Publisher is the narrow surface sysmetrics needs from the broker: inject
// a retained message as if it were published by the broker itself.
type Publisher interface {
	PublishSystem(topic string, payload []byte, retain bool)
}

// Counters supplies the live values sysmetrics samples on each tick.
type Counters struct {
	ConnectedClients func() int
	Sessions         func() int
	RetainedMessages func() int
}

// Sink is an EventSink that runs a $SYS publisher goroutine for the
// lifetime of the broker.
type Sink struct {
	interval  time.Duration
	publisher Publisher
	counters  Counters

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Sink that samples counters every interval and publishes
// through publisher. It does nothing until the broker fires
// EventBrokerPostStart.
func New(interval time.Duration, publisher Publisher, counters Counters) *Sink {
	return &Sink{interval: interval, publisher: publisher, counters: counters}
}

func (s *Sink) Notify(_ context.Context, event plugin.Event, _ plugin.Payload) {
	switch event {
	case plugin.EventBrokerPostStart:
		s.start()
	case plugin.EventBrokerPreShutdown:
		s.stop()
	}
}

func (s *Sink) start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return // already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(ctx)
}

func (s *Sink) stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishOnce()
		}
	}
}

func (s *Sink) publishOnce() {
	if f := s.counters.ConnectedClients; f != nil {
		s.publisher.PublishSystem("$SYS/broker/clients/connected", []byte(fmt.Sprintf("%d", f())), true)
	}
	if f := s.counters.Sessions; f != nil {
		s.publisher.PublishSystem("$SYS/broker/sessions/count", []byte(fmt.Sprintf("%d", f())), true)
	}
	if f := s.counters.RetainedMessages; f != nil {
		s.publisher.PublishSystem("$SYS/broker/messages/retained/count", []byte(fmt.Sprintf("%d", f())), true)
	}
	s.publisher.PublishSystem("$SYS/broker/uptime", []byte(time.Now().UTC().Format(time.RFC3339)), true)
}
