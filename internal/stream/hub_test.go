package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/model"
)

func TestHub_BroadcastsTaggedEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan Message, 16)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) == nil {
				received <- msg
			}
		}
	}()

	// Registration is asynchronous; publish until the client is in the set.
	var got Message
	require.Eventually(t, func() bool {
		hub.OnTrade(fanout.ETH, model.Trade{ID: "t1", Status: model.StatusFilled})
		select {
		case got = <-received:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "trade", got.Type)
	assert.Equal(t, fanout.ETH, got.Asset)
	require.NotNil(t, got.Trade)
	assert.Equal(t, "t1", got.Trade.ID)
	assert.Nil(t, got.Status)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr, "server closes the connection")
}
