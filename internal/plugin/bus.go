// Package plugin implements the broker's event/filter bus:
// fire-and-forget events for observers (logging, $SYS metrics) and
// concurrent filter votes for authentication and topic access. Plugins
// are concrete values registered at startup; there is no name-based
// runtime discovery.
package plugin

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event names fire-and-forget signals.
type Event string

const (
	EventClientConnected    Event = "client_connected"
	EventClientDisconnected Event = "client_disconnected"
	EventMessageReceived    Event = "message_received"
	EventMessageSent        Event = "message_sent"
	EventBrokerPreStart     Event = "broker_pre_start"
	EventBrokerPostStart    Event = "broker_post_start"
	EventBrokerPreShutdown  Event = "broker_pre_shutdown"
	EventBrokerPostShutdown Event = "broker_post_shutdown"
)

// Payload carries whatever context an event needs; fields are looked up by
// the sink, unused ones left zero.
type Payload struct {
	ClientID string
	// ConnID identifies one physical connection; a reconnect or takeover
	// under the same client id gets a new one. Only client_connected
	// events carry it.
	ConnID string
	Topic  string
	QoS    byte
	Reason string
}

// EventSink observes fired events. Implementations must not block
// indefinitely — Notify is called concurrently with every other sink and
// the bus does not wait for slow sinks beyond the pre/post lifecycle pairs.
type EventSink interface {
	Notify(ctx context.Context, event Event, payload Payload)
}

// Action is the kind of topic operation a Filter is asked to vote on.
type Action int

const (
	ActionPublish Action = iota
	ActionSubscribe
	ActionReceive
)

// Filter casts a vote on an authentication or topic-access decision. The
// bus ANDs every registered filter's vote.
type Filter interface {
	Authenticate(ctx context.Context, clientID, username string, password []byte) bool
	TopicFilter(ctx context.Context, clientID, topic string, action Action) bool
}

// Bus is the broker's single owning event/filter dispatcher.
type Bus struct {
	sinks          []EventSink
	authFilters    []Filter
	topicFilters   []Filter
	filterTimeout  time.Duration
	authConfigured bool
	topicCheckOn   bool
	onTimeout      func()
}

// Config controls the bus's default-vote policy.
type Config struct {
	FilterTimeout      time.Duration
	AuthPluginsPresent bool
	TopicCheckEnabled  bool
	OnFilterTimeout    func()
}

// NewBus constructs a bus with the given sinks and filters already
// registered.
func NewBus(cfg Config, sinks []EventSink, authFilters, topicFilters []Filter) *Bus {
	timeout := cfg.FilterTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	onTimeout := cfg.OnFilterTimeout
	if onTimeout == nil {
		onTimeout = func() {}
	}
	return &Bus{
		sinks:          sinks,
		authFilters:    authFilters,
		topicFilters:   topicFilters,
		filterTimeout:  timeout,
		authConfigured: cfg.AuthPluginsPresent,
		topicCheckOn:   cfg.TopicCheckEnabled,
		onTimeout:      onTimeout,
	}
}

// Fire dispatches event to every sink concurrently and does not wait for
// completion, except for the broker_pre_start/post_start/pre_shutdown/
// post_shutdown lifecycle pairs, which callers should await explicitly via
// FireAndWait.
func (b *Bus) Fire(event Event, payload Payload) {
	for _, s := range b.sinks {
		go s.Notify(context.Background(), event, payload)
	}
}

// FireAndWait dispatches event to every sink and blocks until all have
// returned. Use it for the broker lifecycle events, which must complete
// before startup proceeds or shutdown finishes.
func (b *Bus) FireAndWait(ctx context.Context, event Event, payload Payload) {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range b.sinks {
		s := s
		g.Go(func() error {
			s.Notify(gctx, event, payload)
			return nil
		})
	}
	_ = g.Wait()
}

// Authenticate runs every registered auth filter concurrently and ANDs
// their votes. A filter that does not return within the configured timeout
// counts as a deny. With no auth filters
// registered, the result is deny if any auth plugin was configured
// (exhausted by timeout or all denying) — see Config.AuthPluginsPresent —
// otherwise allow (anonymous).
func (b *Bus) Authenticate(ctx context.Context, clientID, username string, password []byte) bool {
	if len(b.authFilters) == 0 {
		return !b.authConfigured
	}
	return b.voteAll(ctx, len(b.authFilters), func(i int, fctx context.Context) bool {
		return b.authFilters[i].Authenticate(fctx, clientID, username, password)
	})
}

// TopicFilter runs every registered topic-check filter concurrently and
// ANDs their votes, deferring to allow when topic-check is disabled.
func (b *Bus) TopicFilter(ctx context.Context, clientID, topic string, action Action) bool {
	if !b.topicCheckOn {
		return true
	}
	if len(b.topicFilters) == 0 {
		return true
	}
	return b.voteAll(ctx, len(b.topicFilters), func(i int, fctx context.Context) bool {
		return b.topicFilters[i].TopicFilter(fctx, clientID, topic, action)
	})
}

// voteAll runs n votes concurrently, each under its own timeout, and
// returns the logical AND of all of them.
func (b *Bus) voteAll(ctx context.Context, n int, vote func(i int, fctx context.Context) bool) bool {
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, b.filterTimeout)
			defer cancel()
			done := make(chan bool, 1)
			go func() { done <- vote(i, fctx) }()
			select {
			case ok := <-done:
				results[i] = ok
			case <-fctx.Done():
				b.onTimeout()
				results[i] = false
			}
		}()
	}
	wg.Wait()
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}
