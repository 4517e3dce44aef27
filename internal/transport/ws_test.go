package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer 回显收到的每条消息
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSConnEcho(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	dialer := NewWSDialer(nil)
	conn, err := dialer.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendText([]byte(`{"type":"hello"}`)))
	in, err := conn.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindText, in.Kind)
	assert.Equal(t, `{"type":"hello"}`, string(in.Data))

	frame := make([]byte, 1920)
	require.NoError(t, conn.SendBinary(frame))
	in, err = conn.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindBinary, in.Kind)
	assert.Len(t, in.Data, 1920)
}

func TestWSConnReceiveTimeout(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	dialer := NewWSDialer(nil)
	conn, err := dialer.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.Receive(100 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWSConnCloseIdempotent(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	dialer := NewWSDialer(nil)
	conn, err := dialer.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)

	first := conn.Close()
	second := conn.Close()
	assert.Equal(t, first, second)
}

func TestDialFailure(t *testing.T) {
	dialer := NewWSDialer(&WSDialerConfig{HandshakeTimeout: 500 * time.Millisecond})
	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/ws")
	require.Error(t, err)

	var connErr *ConnectError
	assert.True(t, errors.As(err, &connErr))
}
