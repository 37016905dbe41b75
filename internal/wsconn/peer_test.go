package wsconn_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
	"github.com/aelexs/captionsync/internal/wsconn"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pair connects a server-side peer running onServer to a client-side peer.
// The client peer is returned running; both are torn down on cleanup.
func pair(t *testing.T, onServer func(p *wsconn.Peer) wsconn.MessageFunc) *wsconn.Peer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := wsconn.New(conn, testLogger())
		go func() {
			defer close(serverDone)
			_ = p.Run(context.Background(), onServer(p))
		}()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client := wsconn.New(conn, testLogger())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		_ = client.Run(context.Background(), nil)
	}()

	t.Cleanup(func() {
		client.Close(errmap.ToWebSocketClose(nil))
		<-clientDone
		<-serverDone
		srv.Close()
	})
	return client
}

func echoServer(p *wsconn.Peer) wsconn.MessageFunc {
	return func(ctx context.Context, msg *protocol.Message) {
		_ = p.Reply(ctx, msg.ID, protocol.ReadyCheckResponse{Ready: true, Component: "background"})
	}
}

func TestPeer_RequestReply(t *testing.T) {
	client := pair(t, echoServer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := client.Request(ctx, &protocol.Message{Type: protocol.TypeReadyCheck})
	require.NoError(t, err)

	var got protocol.ReadyCheckResponse
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, protocol.ReadyCheckResponse{Ready: true, Component: "background"}, got)
}

func TestPeer_ConcurrentRequests(t *testing.T) {
	client := pair(t, func(p *wsconn.Peer) wsconn.MessageFunc {
		return func(ctx context.Context, msg *protocol.Message) {
			_ = p.Reply(ctx, msg.ID, map[string]string{"id": msg.ID})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 20)
	for range 20 {
		go func() {
			m := &protocol.Message{Type: protocol.TypeGetWords, ID: domain.NewMessageID()}
			raw, err := client.Request(ctx, m)
			if err == nil {
				var got map[string]string
				if err = json.Unmarshal(raw, &got); err == nil && got["id"] != m.ID {
					err = assert.AnError
				}
			}
			errs <- err
		}()
	}
	for range 20 {
		assert.NoError(t, <-errs)
	}
}

func TestPeer_RequestTimeout(t *testing.T) {
	client := pair(t, func(*wsconn.Peer) wsconn.MessageFunc {
		return func(context.Context, *protocol.Message) {}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, &protocol.Message{Type: protocol.TypeGetWords})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestPeer_SendAfterClose(t *testing.T) {
	client := pair(t, echoServer)
	client.Close(errmap.ToWebSocketClose(nil))
	<-client.Done()

	err := client.Send(context.Background(), &protocol.Message{Type: protocol.TypeReadyCheck})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)

	_, err = client.Request(context.Background(), &protocol.Message{Type: protocol.TypeReadyCheck})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestPeer_PendingFailsWhenRemoteCloses(t *testing.T) {
	client := pair(t, func(p *wsconn.Peer) wsconn.MessageFunc {
		return func(context.Context, *protocol.Message) {
			p.Close(errmap.CloseServerShutdown)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Request(ctx, &protocol.Message{Type: protocol.TypeGetWords})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}
