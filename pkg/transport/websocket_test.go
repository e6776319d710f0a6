package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-relay/pkg/protocol"
)

// serve starts a websocket endpoint that hands each accepted Conn to the
// returned channel and forwards inbound frames to frames.
func serve(t *testing.T, bufferSize int) (string, <-chan *Conn, <-chan []byte) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	conns := make(chan *Conn, 1)
	frames := make(chan []byte, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, "cust-1", bufferSize, logger)
		conns <- conn
		conn.Serve(context.Background(), func(_ context.Context, frame []byte) {
			frames <- frame
		})
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns, frames
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestConn_SendWritesFramesInOrder(t *testing.T) {
	url, conns, _ := serve(t, 8)
	peer := dial(t, url)
	conn := <-conns

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, conn.Send(protocol.NewRead(i)))
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := int64(1); i <= 3; i++ {
		_, frame, err := peer.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.ReadPayload{MessageID: i}, env.Payload())
	}
}

func TestConn_ServeDeliversInboundFrames(t *testing.T) {
	url, _, frames := serve(t, 8)
	peer := dial(t, url)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"kind":"read","payload":{"messageId":4}}`)))

	select {
	case frame := <-frames:
		assert.JSONEq(t, `{"kind":"read","payload":{"messageId":4}}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not delivered")
	}
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	url, conns, _ := serve(t, 8)
	peer := dial(t, url)
	conn := <-conns

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(protocol.NewRead(1)), ErrConnClosed)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConn_SendReportsFullBuffer(t *testing.T) {
	conn := &Conn{
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}

	require.NoError(t, conn.Send(protocol.NewRead(1)))
	assert.ErrorIs(t, conn.Send(protocol.NewRead(2)), ErrSendBufferFull)
}
