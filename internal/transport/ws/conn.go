package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = int64(64 << 10)
	sendBuffer   = 64
)

// connection wraps one websocket with a single writer goroutine. All
// outbound traffic (events and acks) funnels through the send channel;
// nothing writes to the socket from anywhere else.
type connection struct {
	id     domain.ConnectionID
	userID domain.UserID
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func newConnection(id domain.ConnectionID, userID domain.UserID, ws *websocket.Conn) *connection {
	return &connection{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *connection) ID() domain.ConnectionID { return c.id }
func (c *connection) UserID() domain.UserID   { return c.userID }

// Send queues an outbound event. A full buffer or closed connection means
// this socket is not keeping up; the event is dropped for this connection
// only and the caller's fan-out moves on.
func (c *connection) Send(evt events.Outbound) error {
	data, err := events.EncodeOutbound(evt)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *connection) SendAck(ack events.Ack) error {
	data, err := events.EncodeAck(ack)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return domain.ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.Join(domain.ErrNotConnected, errors.New("send buffer full"))
	}
}

// writePump is the only goroutine allowed to write to the socket. It also
// owns the keepalive pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
