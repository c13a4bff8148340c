package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brensch/snekweb/game"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zerolog.New(zerolog.NewTestWriter(t)))
	go h.Run(ctx)
	ts := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHub_LateJoinerGetsLastFrame(t *testing.T) {
	h, url := startHub(t)

	h.Draw(game.Frame{GameID: "a", Size: 5, Turn: 1})
	h.Draw(game.Frame{GameID: "a", Size: 5, Turn: 2})

	// Broadcasts are asynchronous; wait until the hub has processed them.
	require.Eventually(t, func() bool { return len(h.broadcast) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, EventFrame, msg.Event)
	var f game.Frame
	require.NoError(t, json.Unmarshal(msg.Data, &f))
	assert.Equal(t, 2, f.Turn)
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	h, url := startHub(t)

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return h.Clients() == 3 }, time.Second, time.Millisecond)

	h.GameOver(game.Frame{GameID: "b", Cause: game.CauseSelf})
	for _, conn := range conns {
		msg := readMessage(t, conn)
		assert.Equal(t, EventGameOver, msg.Event)
		var f game.Frame
		require.NoError(t, json.Unmarshal(msg.Data, &f))
		assert.Equal(t, game.CauseSelf, f.Cause)
	}
}

func TestHub_BroadcastAfterStopDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zerolog.Nop())
	go h.Run(ctx)
	cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*sendBuffer; i++ {
			h.Draw(game.Frame{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a stopped hub")
	}
}
