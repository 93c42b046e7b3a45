package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendTimeout    = 5 * time.Second
	maxMessageSize = 1 << 20
)

var (
	ErrClosed = errors.New("ws: connection closed")
	// ErrSlowClient means the send queue stayed full for sendTimeout; the
	// connection is closed when it is returned.
	ErrSlowClient = errors.New("ws: client not reading")
)

// Client is one accepted websocket connection. Outbound messages go through
// a bounded queue drained by writePump; Send blocks while the queue is full
// and gives up on the client after sendTimeout.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *log.Logger
}

func newClient(conn *websocket.Conn, buffer int, logger *log.Logger) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues v as a JSON text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	case <-timer.C:
		c.logger.Warn("send queue full, dropping client", "queued", len(c.send))
		c.Close()
		return ErrSlowClient
	}
}

// Close stops both pumps. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readPump delivers inbound text frames to handle, one at a time, until the
// peer goes away or the client is closed.
func (c *Client) readPump(handle func([]byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "err", err)
			}
			return
		}
		handle(message)
	}
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", "err", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
