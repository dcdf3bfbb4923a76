// Command nyxmqd is the broker's entry point: load configuration, wire the
// plugin bus and $SYS metrics publisher, and run listeners until an
// interrupt signal triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyxlabs/nyxmq/internal/broker"
	"github.com/nyxlabs/nyxmq/internal/config"
	"github.com/nyxlabs/nyxmq/internal/metrics"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/plugin/sysmetrics"
	"github.com/nyxlabs/nyxmq/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	log.Println("Starting nyxmq...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded from %s", *configPath)
	log.Printf("Storage backend: %s", cfg.Storage.Backend)
	log.Printf("Max QoS level: %d", cfg.QoS.MaxQoS)

	authFilters, topicFilters := buildFilters(cfg)

	// sysmetrics needs a handle to the not-yet-constructed Broker to
	// publish through, and the Broker needs the bus (which carries
	// sysmetrics as a sink) at construction time. brokerHandle breaks the
	// cycle: it forwards once the Broker exists, just before Run is
	// called.
	handle := &brokerHandle{}
	sink := sysmetrics.New(cfg.SysInterval, handle, sysmetrics.Counters{
		ConnectedClients: func() int { return handle.b.ConnectedCount() },
		Sessions:         func() int { return handle.b.SessionCount() },
		RetainedMessages: func() int { return handle.b.RetainedCount() },
	})

	bus := plugin.NewBus(plugin.Config{
		FilterTimeout:      cfg.Limits.FilterTimeout,
		AuthPluginsPresent: len(cfg.Auth.Plugins) > 0 && !cfg.Auth.AllowAnonymous,
		TopicCheckEnabled:  cfg.TopicCheck.Enabled,
		OnFilterTimeout:    metrics.FilterTimeouts.Inc,
	}, []plugin.EventSink{plugin.LogSink{}, sink}, authFilters, topicFilters)

	b := broker.New(cfg, bus)
	handle.b = b

	if cfg.Storage.Backend == "bbolt" {
		backend, err := store.NewBboltBackend(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open storage backend: %v", err)
		}
		defer backend.Close()
		b.AttachBackend(backend)
		log.Printf("Session persistence enabled at %s", cfg.Storage.Path)
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Metrics server starting on %s%s", addr, cfg.Metrics.Path)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil {
			log.Printf("broker stopped: %v", err)
		}
	}()

	log.Println("nyxmq started")
	for name, lc := range cfg.Listeners {
		log.Printf("  -> listener %q (%s) on %s", name, lc.Kind, lc.Bind)
	}
	if cfg.Metrics.Enabled {
		log.Printf("  -> metrics at http://localhost:%d%s", cfg.Metrics.Port, cfg.Metrics.Path)
	}
	log.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()
	<-done
	log.Println("Stopped")
}

// brokerHandle forwards $SYS publishes to a *broker.Broker that does not
// exist yet at the time sysmetrics.New is called.
type brokerHandle struct {
	b *broker.Broker
}

func (h *brokerHandle) PublishSystem(topic string, payload []byte, retain bool) {
	if h.b != nil {
		h.b.PublishSystem(topic, payload, retain)
	}
}

// buildFilters resolves the configured plugin names to concrete
// plugin.Filter implementations. The built-in "allow-all" and "static"
// (auth.users credentials) filters are shipped with this core; an unknown
// plugin name is a fatal configuration error.
func buildFilters(cfg *config.Config) (auth, topic []plugin.Filter) {
	for _, name := range cfg.Auth.Plugins {
		switch name {
		case "allow-all":
			auth = append(auth, plugin.AllowAllFilter{})
		case "static":
			auth = append(auth, plugin.StaticCredentialFilter{Credentials: cfg.Auth.Users})
		default:
			log.Fatalf("unknown auth plugin %q", name)
		}
	}
	if cfg.Auth.AllowAnonymous && len(auth) == 0 {
		auth = append(auth, plugin.AllowAllFilter{})
	}
	for _, name := range cfg.TopicCheck.Plugins {
		switch name {
		case "allow-all":
			topic = append(topic, plugin.AllowAllFilter{})
		default:
			log.Fatalf("unknown topic-check plugin %q", name)
		}
	}
	return auth, topic
}
