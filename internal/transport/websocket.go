package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is the single WebSocket subprotocol the broker negotiates;
// a connection whose client does not offer it is closed right after the
// upgrade.
const wsSubprotocol = "mqtt"

// wsStream adapts a *websocket.Conn to Stream, presenting MQTT's
// continuous byte stream over WebSocket's message framing: a packet may be
// split across several WS frames, and several packets may share one frame.
// Read transparently pulls the next WS message once the current one is
// exhausted; outbound, one Write call is framed as one WS binary message.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
	once   sync.Once
	closed error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			s.reader = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.once.Do(func() { s.closed = s.conn.Close() })
	return s.closed
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// WSListener serves MQTT-over-WebSocket on an http.Server and hands each
// successfully upgraded connection to Accept as a Stream.
type WSListener struct {
	httpServer *http.Server
	netLn      net.Listener
	upgrader   websocket.Upgrader
	connCh     chan Stream
	done       chan struct{}
	closeOnce  sync.Once
}

// NewWSListener binds addr and begins serving WebSocket upgrades on path,
// which defaults to "/mqtt" when empty. If tlsCfg is non-nil the listener
// speaks WSS.
func NewWSListener(addr, path string, tlsCfg *tls.Config) (*WSListener, error) {
	if path == "" {
		path = "/mqtt"
	}
	var ln net.Listener
	var err error
	if tlsCfg != nil {
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	wl := &WSListener{
		netLn:  ln,
		connCh: make(chan Stream),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{wsSubprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, wl.handleUpgrade)
	wl.httpServer = &http.Server{Handler: mux}

	go wl.httpServer.Serve(ln)
	return wl, nil
}

func (wl *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if conn.Subprotocol() != wsSubprotocol {
		conn.Close()
		return
	}
	select {
	case wl.connCh <- newWSStream(conn):
	case <-wl.done:
		conn.Close()
	}
}

// Accept blocks until the next upgraded connection arrives or the listener
// is closed.
func (wl *WSListener) Accept() (Stream, error) {
	select {
	case s := <-wl.connCh:
		return s, nil
	case <-wl.done:
		return nil, net.ErrClosed
	}
}

func (wl *WSListener) Close() error {
	var err error
	wl.closeOnce.Do(func() {
		close(wl.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = wl.httpServer.Shutdown(ctx)
	})
	return err
}

func (wl *WSListener) Addr() net.Addr { return wl.netLn.Addr() }
