package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtsync"
)

// client is one WebSocket connection bound to a site.
type client struct {
	site   common.SessionID
	conn   *websocket.Conn
	room   *room
	logger *zap.Logger
	opts   Options

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(r *room, site common.SessionID, conn *websocket.Conn, opts Options) *client {
	return &client{
		site:   site,
		conn:   conn,
		room:   r,
		logger: r.logger.With(zap.Stringer("site", site)),
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues a frame. A client that cannot keep up is dropped.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("client too slow, disconnecting")
		go c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// serve runs the write loop in the background and the read loop until
// the connection ends.
func (c *client) serve() {
	c.room.add(c)
	defer func() {
		c.room.remove(c)
		c.close()
	}()

	go c.writeLoop()
	c.readLoop()
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	deadline := 2 * c.opts.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		msg, err := crdtsync.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("failed to decode client message", zap.Error(err))
			continue
		}
		if msg.Sender != c.site {
			c.logger.Warn("client message with foreign sender dropped", zap.Stringer("sender", msg.Sender))
			continue
		}

		ctx, cancel := context.WithTimeout(c.room.ctx, c.opts.WriteTimeout)
		err = c.room.publish(ctx, msg)
		cancel()
		if err != nil {
			c.logger.Warn("failed to publish client message",
				zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
