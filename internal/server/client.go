package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-eventpresence/internal/liveness"
	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
	cleanupTimeout = 5 * time.Second
)

type Client struct {
	id         string
	conn       *websocket.Conn
	registry   *Registry
	dispatcher *Dispatcher
	session    *liveness.Session
	log        zerolog.Logger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(id string, conn *websocket.Conn, ps *PresenceServer, session *liveness.Session) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		registry:   ps.registry,
		dispatcher: ps.dispatcher,
		session:    session,
		log:        ps.log.With().Str(logging.FieldConnectionId, id).Logger(),
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read runs until the connection fails, then disconnects the session.
func (c *Client) Read(ctx context.Context) {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("parse message")
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.Timestamp = Now()

		c.handle(ctx, &msg)
	}
}

func (c *Client) handle(ctx context.Context, msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		err := c.session.Join(ctx, liveness.Identity{
			EventId: msg.Join.EventId,
			UserId:  msg.Join.UserId,
			Role:    msg.Join.Role,
		})
		if err != nil && !errors.Is(err, liveness.ErrInvalidIdentity) {
			c.log.Warn().Err(err).Msg("join")
		}
	case msg.Heartbeat != nil:
		c.session.Heartbeat(ctx)
	case msg.Leave != nil:
		c.session.Leave(ctx)
	case msg.RequestCount != nil:
		if !liveness.ValidId(msg.RequestCount.EventId) {
			c.log.Debug().Str(logging.FieldEventId, msg.RequestCount.EventId).Msg("count request dropped")
			return
		}
		c.dispatcher.SendCount(ctx, c, msg.Id, msg.RequestCount.EventId)
	case msg.Observe != nil:
		ids := c.registry.Observe(c.id, validIds(msg.Observe.EventIds)...)
		for _, ev := range ids {
			c.dispatcher.SendCount(ctx, c, msg.Id, ev)
		}
	case msg.Unobserve != nil:
		c.registry.Unobserve(c.id, msg.Unobserve.EventIds...)
	case msg.Ping != nil:
		c.queueMessage(PongMsg(msg.Id))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func validIds(ids []string) []string {
	if len(ids) > maxObserved {
		ids = ids[:maxObserved]
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if liveness.ValidId(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("send buffer full, dropping message")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("ws write")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup runs with its own deadline since the request context is usually
// gone by the time the socket fails.
func (c *Client) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	c.session.Disconnect(ctx)
	c.registry.Unregister(c.id)
	c.stopClient()
}
