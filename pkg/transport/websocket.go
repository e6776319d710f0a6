// Package transport adapts a websocket connection to the registry's
// connection handle.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/protocol"
)

var (
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when the peer does not drain its frames
	// fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	defaultBufSize = 64
)

// Conn is one accepted websocket. Frames queued by Send are written in order
// by a single writer goroutine.
type Conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *logrus.Entry
}

func NewConn(ws *websocket.Conn, identity string, bufferSize int, logger *logrus.Logger) *Conn {
	if bufferSize <= 0 {
		bufferSize = defaultBufSize
	}
	id := uuid.NewString()
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, bufferSize),
		done:     make(chan struct{}),
		logger: logger.WithFields(logrus.Fields{
			"identity":      identity,
			"connection_id": id,
		}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Identity() string {
	return c.identity
}

// Send queues env for delivery without blocking.
func (c *Conn) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Serve pumps frames in both directions until the peer goes away, ctx is
// cancelled or Close is called. Every text frame read is handed to onFrame
// on the calling goroutine.
func (c *Conn) Serve(ctx context.Context, onFrame func(ctx context.Context, frame []byte)) {
	defer c.Close()

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("Websocket closed unexpectedly")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.WithField("message_type", msgType).Debug("Ignoring non-text frame")
			continue
		}
		onFrame(ctx, frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.WithError(err).Debug("Write failed, closing connection")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
