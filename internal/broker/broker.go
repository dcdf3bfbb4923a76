// Package broker is the orchestrator: it owns every
// listener, the session store, the router, and the plugin bus, and drives
// each accepted connection's CONNECT handshake to completion before
// handing it off to a handler.Handler for steady-state operation.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nyxlabs/nyxmq/internal/config"
	"github.com/nyxlabs/nyxmq/internal/handler"
	"github.com/nyxlabs/nyxmq/internal/metrics"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/router"
	"github.com/nyxlabs/nyxmq/internal/session"
	"github.com/nyxlabs/nyxmq/internal/store"
	"github.com/nyxlabs/nyxmq/internal/transport"
)

// streamListener is the minimal surface broker needs from either a
// net.Listener (TCP) or a transport.WSListener, so both can be supervised
// uniformly by the accept-loop errgroup.
type streamListener interface {
	Accept() (transport.Stream, error)
	Close() error
}

type tcpListenerAdapter struct{ net.Listener }

func (a tcpListenerAdapter) Accept() (transport.Stream, error) {
	conn, err := a.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return transport.NewConnStream(conn), nil
}

// Broker is the broker's single owning orchestrator.
type Broker struct {
	cfg      *config.Config
	sessions *session.Store
	router   *router.Router
	bus      *plugin.Bus
	backend  store.Backend // nil unless a persistence collaborator is attached

	mu        sync.Mutex
	listeners map[string]streamListener
	handlers  map[string]*handler.Handler // clientID -> live handler

	shutdown chan struct{}
}

// New constructs a Broker from cfg and a pre-built plugin bus. Sinks that
// need a reference to this Broker (e.g. the $SYS metrics publisher) are
// registered on the bus beforehand and reach the Broker through a handle
// the caller fills in after New returns, as cmd/nyxmqd's brokerHandle does.
func New(cfg *config.Config, bus *plugin.Bus) *Broker {
	// Zero means unset for MaxQoS (config.setDefaults maps it to 2); a
	// Config built in code rather than loaded from YAML gets the same
	// treatment.
	if cfg.QoS.MaxQoS == 0 {
		cfg.QoS.MaxQoS = 2
	}
	return &Broker{
		cfg:       cfg,
		sessions:  session.NewStore(cfg.Limits.OutboundQueueDepth),
		router:    router.New(),
		bus:       bus,
		listeners: make(map[string]streamListener),
		handlers:  make(map[string]*handler.Handler),
		shutdown:  make(chan struct{}),
	}
}

// AttachBackend plugs in a persistence collaborator. Must be called before
// Run; the broker restores retained messages and persistent sessions from
// it on startup, writes retained-message changes through as they happen,
// and saves persistent sessions when they detach and at shutdown.
func (b *Broker) AttachBackend(be store.Backend) {
	b.backend = be
}

// Run binds every configured listener and accepts connections until ctx is
// canceled, then performs a graceful shutdown.
func (b *Broker) Run(ctx context.Context) error {
	b.bus.FireAndWait(ctx, plugin.EventBrokerPreStart, plugin.Payload{})
	b.restoreFromBackend()

	g, gctx := errgroup.WithContext(ctx)
	for name, lc := range b.cfg.Listeners {
		name, lc := name, lc
		ln, err := b.bind(name, lc)
		if err != nil {
			return fmt.Errorf("broker: bind listener %q: %w", name, err)
		}
		b.mu.Lock()
		b.listeners[name] = ln
		b.mu.Unlock()

		g.Go(func() error {
			return b.acceptLoop(gctx, name, lc, ln)
		})
	}

	b.bus.FireAndWait(ctx, plugin.EventBrokerPostStart, plugin.Payload{})

	<-gctx.Done()
	b.shutdownGracefully()
	_ = g.Wait()
	return nil
}

func (b *Broker) bind(name string, lc config.ListenerConfig) (streamListener, error) {
	var tlsCfg *tls.Config
	if lc.TLS.Enabled {
		cfg, err := (transport.TLSConfig{CertFile: lc.TLS.CertFile, KeyFile: lc.TLS.KeyFile, CAFile: lc.TLS.CAFile}).Build()
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}

	switch lc.Kind {
	case "ws":
		return transport.NewWSListener(lc.Bind, lc.Path, tlsCfg)
	default:
		if tlsCfg != nil {
			ln, err := tls.Listen("tcp", lc.Bind, tlsCfg)
			if err != nil {
				return nil, err
			}
			return tcpListenerAdapter{ln}, nil
		}
		ln, err := net.Listen("tcp", lc.Bind)
		if err != nil {
			return nil, err
		}
		return tcpListenerAdapter{ln}, nil
	}
}

func (b *Broker) acceptLoop(ctx context.Context, name string, lc config.ListenerConfig, ln streamListener) error {
	var sem *semaphore.Weighted
	if lc.MaxConnections > 0 {
		sem = semaphore.NewWeighted(int64(lc.MaxConnections))
	}
	for {
		stream, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("broker: listener %q accept error: %v", name, err)
				return err
			}
		}
		if sem != nil && !sem.TryAcquire(1) {
			// Listener at its connection cap: refuse before any MQTT
			// exchange.
			stream.Close()
			continue
		}
		metrics.ConnectionsTotal.Inc()
		metrics.ListenerConnections.WithLabelValues(name).Inc()
		go func() {
			defer func() {
				metrics.ListenerConnections.WithLabelValues(name).Dec()
				if sem != nil {
					sem.Release(1)
				}
			}()
			b.serveConn(stream)
		}()
	}
}

// shutdownGracefully broadcasts EventBrokerPreShutdown, closes every
// listener, gives connected handlers TimeoutDisconnectDelay to drain, then
// force-closes whatever remains.
func (b *Broker) shutdownGracefully() {
	b.bus.FireAndWait(context.Background(), plugin.EventBrokerPreShutdown, plugin.Payload{})
	close(b.shutdown)

	b.mu.Lock()
	for _, ln := range b.listeners {
		ln.Close()
	}
	b.mu.Unlock()

	time.Sleep(b.cfg.TimeoutDisconnectDelay)

	b.mu.Lock()
	for _, h := range b.handlers {
		h.Close("broker shutdown")
	}
	b.mu.Unlock()

	b.snapshotSessions()

	b.bus.FireAndWait(context.Background(), plugin.EventBrokerPostShutdown, plugin.Payload{})
}

// restoreFromBackend reloads retained messages and persistent sessions
// saved by a previous broker run.
func (b *Broker) restoreFromBackend() {
	if b.backend == nil {
		return
	}

	retained, err := b.backend.LoadRetained()
	if err != nil {
		log.Printf("broker: restore retained messages: %v", err)
	}
	for _, m := range retained {
		b.router.HandleRetain(&protocol.PublishPacket{
			Topic: m.Topic, Payload: m.Payload, QoS: protocol.QoS(m.QoS), Retain: true,
		})
	}

	snaps, err := b.backend.LoadSessions()
	if err != nil {
		log.Printf("broker: restore sessions: %v", err)
	}
	for _, snap := range snaps {
		res := b.sessions.GetOrCreate(snap.ClientID, false)
		for _, sub := range snap.Subscriptions {
			granted := b.router.Subscribe(snap.ClientID, sub.Filter, protocol.QoS(sub.QoS), protocol.QoS(b.cfg.QoS.MaxQoS))
			res.Session.SetSubscription(session.Subscription{Filter: sub.Filter, MaxQoS: granted})
		}
		for _, m := range snap.Queued {
			res.Session.Enqueue(&protocol.PublishPacket{Topic: m.Topic, Payload: m.Payload, QoS: protocol.QoS(m.QoS)})
		}
	}
	if len(retained) > 0 || len(snaps) > 0 {
		log.Printf("broker: restored %d retained message(s), %d session(s)", len(retained), len(snaps))
	}
}

// snapshotSessions writes every surviving persistent session to the
// backend during shutdown, capturing messages queued since the last
// detach.
func (b *Broker) snapshotSessions() {
	if b.backend == nil {
		return
	}
	b.sessions.Iter(func(s *session.Session) {
		if s.Clean {
			return
		}
		b.persistSession(s)
	})
}

// RetainedCount exposes the router's retained-message count for $SYS
// metrics publishing.
func (b *Broker) RetainedCount() int { return b.router.RetainedCount() }

// SessionCount exposes the session store's size for $SYS metrics.
func (b *Broker) SessionCount() int { return b.sessions.Count() }

// ConnectedCount reports the number of currently connected clients.
func (b *Broker) ConnectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
