package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait bounds how long the connection tolerates silence before the transport itself gives up. It is kept
	// generous relative to the Hub's 30s heartbeat tick, since liveness is actually enforced by that tick checking
	// Client.alive, not by this read deadline; the deadline is a backstop against a peer that stops responding to
	// the TCP connection entirely.
	pongWait = 90 * time.Second
)

// Client represents a single WebSocket connection. Each client runs two goroutines, readPump and writePump, and
// exposes no protocol behavior of its own — frame routing and every domain operation live in Hub.dispatch. Client
// only owns the transport: reading, writing, backpressure, and the liveness flag the Hub's heartbeat ticker reads.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID uuid.UUID
	send      chan []byte
	ping      chan struct{}
	log       zerolog.Logger

	// done is closed to signal that the client is shutting down. The send channel is never closed directly;
	// writePump and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that
	// would otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// alive is the liveness flag the Hub's heartbeat ticker reads and clears every tick. A WebSocket pong or an
	// application-level heartbeat frame sets it back to true.
	alive atomic.Bool

	// Session state, protected by mu. Set once by Hub.handleAuth and read by dispatch on every later frame. A
	// session authenticates as a User, not a single character account — userID is the owner whose characters this
	// connection is allowed to bring online, search for, or act as.
	mu            sync.RWMutex
	userID        uuid.UUID
	authenticated bool
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	sessionID := uuid.New()
	c := &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		ping:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       logger.With().Stringer("session_id", sessionID).Logger(),
	}
	c.alive.Store(true)
	return c
}

// closeSend signals the client's write loop to stop. It is safe to call from multiple goroutines; only the first
// call has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SessionID returns the connection's session identifier, generated once at connect time and never reused.
func (c *Client) SessionID() uuid.UUID {
	return c.sessionID
}

// Authenticated reports whether the connection has completed Hub.handleAuth.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// UserID returns the bound user and whether the connection is authenticated.
func (c *Client) UserID() (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.authenticated
}

// setAuthenticated binds userID to the connection. A session may later bring several of that user's characters
// online; the binding itself only ever names the user.
func (c *Client) setAuthenticated(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
}

// clearAuthenticated unbinds the connection from its user, as a logout frame does. The connection stays open and
// may authenticate again.
func (c *Client) clearAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = uuid.UUID{}
	c.authenticated = false
}

// triggerPing asks writePump to send a WebSocket ping control frame. It never blocks: if a ping is already
// pending the call is dropped, since a second ping before the first lands adds nothing.
func (c *Client) triggerPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// readPump reads messages from the WebSocket connection and hands each decoded frame to the Hub's dispatcher. It
// runs in its own goroutine, processes frames one at a time (so a session's frame order is preserved), and is
// responsible for unregistering the client when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	identifyTimer := time.AfterFunc(c.hub.cfg.IdentifyTimeout, func() {
		if !c.Authenticated() {
			c.log.Debug().Msg("client did not authenticate before the deadline")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		frame, err := wire.Decode(message)
		if err != nil {
			c.closeWithCode(CloseDecodeError, "invalid frame envelope")
			return
		}
		c.hub.dispatch(c, frame)
	}
}

// writePump writes messages from the send channel, and ping control frames from the ping channel, to the
// WebSocket connection. It runs in its own goroutine and exits when done is closed. Any messages remaining in the
// send buffer are drained before returning, so a client still receives everything queued before disconnect.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-c.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("websocket ping write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue sends a message to the client's write channel. If the client has already been shut down the message is
// silently dropped. If the channel is full, the message is dropped and the connection is closed to prevent
// backpressure from stalling the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying
// connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
