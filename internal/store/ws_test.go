package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGateway runs a stub store gateway and returns its ws:// URL. handle is
// called for every request frame; it may answer on the same connection.
func newGateway(t *testing.T, handle func(conn *websocket.Conn, frame wsFrame)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			handle(conn, frame)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestWS(t *testing.T, url string) *WS {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := DialWS(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWSWriteRoundTrip(t *testing.T) {
	url := newGateway(t, func(conn *websocket.Conn, frame wsFrame) {
		assert.Equal(t, "write", frame.Op)
		conn.WriteJSON(wsFrame{ID: frame.ID, OK: true})
	})
	w := dialTestWS(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.WriteAt(ctx, "messages/m1", map[string]any{"text": "hi"}))
}

func TestWSSubscribeRoutesChildEvents(t *testing.T) {
	url := newGateway(t, func(conn *websocket.Conn, frame wsFrame) {
		if frame.Op == "subscribe" {
			conn.WriteJSON(wsFrame{ID: frame.ID, OK: true, Sub: 7})
			conn.WriteJSON(wsFrame{Event: "child", Sub: 7, Key: "m1", Child: json.RawMessage(`{"text":"hi"}`)})
			return
		}
		conn.WriteJSON(wsFrame{ID: frame.ID, OK: true})
	})
	w := dialTestWS(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Record, 1)
	sub, err := w.Subscribe(ctx, "messages", func(r Record) { got <- r })
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case r := <-got:
		assert.Equal(t, "m1", r.Key)
		assert.JSONEq(t, `{"text":"hi"}`, string(r.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("child event not delivered")
	}
}

func TestWSCloseWithCallInFlight(t *testing.T) {
	url := newGateway(t, func(conn *websocket.Conn, frame wsFrame) {
		// Never answer: the call stays pending until the client closes.
	})
	w := dialTestWS(t, url)

	errs := make(chan error, 1)
	go func() {
		errs <- w.WriteAt(context.Background(), "messages/m1", map[string]any{"text": "hi"})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case err := <-errs:
		assert.Error(t, err, "pending call fails instead of hanging")
	case <-time.After(2 * time.Second):
		t.Fatal("call still pending after Close")
	}
}
