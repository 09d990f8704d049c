package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
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
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndEcho(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := transport.Dial(ctx, transport.DialConfig{URL: wsURL(srv), VerifyTLS: true})
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Send(transport.FrameBinary, []byte{0, 0, 0, 1, 'h', 'i'}))
	kind, data, err := session.Recv()
	require.NoError(t, err)
	assert.Equal(t, transport.FrameBinary, kind)
	assert.Equal(t, []byte{0, 0, 0, 1, 'h', 'i'}, data)

	require.NoError(t, session.Send(transport.FrameText, []byte(`{"msg_type":"response"}`)))
	kind, data, err = session.Recv()
	require.NoError(t, err)
	assert.Equal(t, transport.FrameText, kind)
	assert.Equal(t, `{"msg_type":"response"}`, string(data))
}

func TestDialGivesUpWithClearError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Nothing listens on this port, so every attempt is refused at once and
	// Dial gives up after MaxDialAttempts; ctx bounds the test should an
	// attempt hang instead of being refused.
	_, err := transport.Dial(ctx, transport.DialConfig{URL: "ws://127.0.0.1:1/ws"})
	assert.Error(t, err)
}

func TestSendIsNoopAfterClose(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := transport.Dial(ctx, transport.DialConfig{URL: wsURL(srv)})
	require.NoError(t, err)

	session.Close()
	assert.NoError(t, session.Send(transport.FrameBinary, []byte("anything")))
}

func TestSupervisorReconnectsAfterSessionEnds(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	sup := transport.NewSupervisor(transport.DialConfig{URL: wsURL(srv)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var sessionCount int
	var disconnectCount int

	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx, func(sessCtx context.Context, s *transport.Session) {
			sessionCount++
			if sessionCount < 2 {
				s.Close() // force an immediate reconnect
				return
			}
			<-sessCtx.Done()
		}, func() {
			disconnectCount++
		})
		close(done)
	}()

	<-done
	assert.GreaterOrEqual(t, sessionCount, 2)
	assert.GreaterOrEqual(t, disconnectCount, 1)
}
