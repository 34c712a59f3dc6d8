// Package transport implements the gateway's WebSocket server contract:
// for each new node connection, decode a stream of frames,
// write frames back, and notify the orchestrator on close.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetgate/gateway/internal/protocol"
)

const (
	// writeWait bounds how long a single frame write may take before the
	// connection is considered stalled and closed.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a transport-level websocket
	// pong before considering the read side dead. Only that pong extends
	// the read deadline; application frames, heartbeat.pong included, do not.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound frame. Generous relative to
	// a push-only notification's few hundred bytes, since nodes send real
	// payloads.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of a connection's outbound buffer.
	// Once it is full, Send drops each new frame instead of blocking: the
	// gateway favors availability for other nodes over guaranteed delivery
	// to one slow one.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one upgraded node connection. Send is the only safe way to write
// to it — gorilla/websocket connections are not safe for concurrent
// writes, so all writes happen on the single writePump goroutine.
type Conn struct {
	RemoteAddr string

	ws     *websocket.Conn
	send   chan protocol.Frame
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Send enqueues f for delivery. Non-blocking: if the outbound buffer is
// full the frame is dropped and logged rather than blocking the caller —
// a single slow node must never stall the orchestrator's dispatch path.
func (c *Conn) Send(f protocol.Frame) {
	select {
	case c.send <- f:
	default:
		c.logger.Warn("dropping outbound frame, send buffer full",
			zap.String("kind", string(f.Kind)), zap.String("remote_addr", c.RemoteAddr))
	}
}

// Close closes the underlying connection. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Handler receives connection lifecycle and frame events. All three
// methods are called from the connection's own readPump goroutine except
// OnFrame/OnClose timing around concurrent sends — callers must not
// assume exclusivity across connections, only within one.
type Handler struct {
	OnConnect func(c *Conn)
	OnFrame   func(c *Conn, f protocol.Frame)
	OnClose   func(c *Conn)
}

// Server upgrades HTTP requests to WebSocket node connections.
type Server struct {
	handler Handler
	logger  *zap.Logger
}

// NewServer creates a Server. handler's callbacks are invoked for every
// connection this server upgrades.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	return &Server{handler: handler, logger: logger.Named("transport")}
}

// Upgrade upgrades r to a WebSocket connection and runs it to completion.
// Blocks until the connection closes — callers invoke it from its own
// goroutine per request (e.g. directly inside an http.HandlerFunc, since
// the HTTP server already serves each request on its own goroutine).
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Conn{
		RemoteAddr: r.RemoteAddr,
		ws:         ws,
		send:       make(chan protocol.Frame, sendBufferSize),
		logger:     s.logger,
		closed:     make(chan struct{}),
	}

	if s.handler.OnConnect != nil {
		s.handler.OnConnect(c)
	}

	go c.writePump()
	c.readPump(s.handler.OnFrame)

	if s.handler.OnClose != nil {
		s.handler.OnClose(c)
	}
	return nil
}

func (c *Conn) readPump(onFrame func(*Conn, protocol.Frame)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.String("remote_addr", c.RemoteAddr), zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			// Malformed frame: drop it, keep the connection.
			c.logger.Warn("dropping malformed frame", zap.String("remote_addr", c.RemoteAddr), zap.Error(err))
			continue
		}
		if onFrame != nil {
			onFrame(c, frame)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			buf, err := protocol.Encode(frame)
			if err != nil {
				c.logger.Error("failed to encode outbound frame", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping error", zap.Error(err))
				return
			}

		case <-c.closed:
			return
		}
	}
}
