package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"support-relay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// WebsocketDialer connects to a relay's /ws endpoint as ClientID.
type WebsocketDialer struct {
	BaseURL  string
	ClientID string
	Dialer   *websocket.Dialer
}

// URL returns the websocket URL the dialer connects to.
func (d WebsocketDialer) URL() (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := u.Query()
	q.Set("clientId", d.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	target, err := d.URL()
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Write(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Read() (protocol.Envelope, error) {
	for {
		msgType, frame, err := t.ws.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return protocol.Decode(frame)
	}
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
