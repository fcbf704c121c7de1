package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the gateway
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the gateway
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the gateway
	maxFrameSize = 64 * 1024
)

// WS implements Realtime against a hosted realtime-store gateway speaking
// JSON frames over a single websocket connection. Requests carry a
// correlation id; the gateway answers with a matching response frame and
// pushes child events for active subscriptions.
type WS struct {
	conn *websocket.Conn
	log  zerolog.Logger

	send chan []byte

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan wsFrame
	subs    map[int64]func(Record)
	// early holds child events that raced ahead of their subscription's
	// callback registration; Subscribe drains them on attach.
	early  map[int64][]Record
	closed bool

	quit chan struct{}
	done chan struct{}
}

// wsFrame is both the request and response/event frame of the gateway
// protocol; unused fields are omitted on the wire.
type wsFrame struct {
	ID     int64           `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"` // read | write | subscribe | unsubscribe
	Path   string          `json:"path,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`

	OK      bool     `json:"ok,omitempty"`
	Error   string   `json:"error,omitempty"`
	Records []Record `json:"records,omitempty"`

	Event string          `json:"event,omitempty"` // "child"
	Sub   int64           `json:"sub,omitempty"`
	Key   string          `json:"key,omitempty"`
	Child json.RawMessage `json:"child,omitempty"`
}

// MarshalJSON / UnmarshalJSON for Record keep the wire form compact.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}{r.Key, r.Value})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Key, r.Value = w.Key, w.Value
	return nil
}

// DialWS connects to the gateway at url (ws:// or wss://) and starts the
// read and write pumps.
func DialWS(ctx context.Context, url string, log zerolog.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial store gateway %s: %w", url, err)
	}

	w := &WS{
		conn:    conn,
		log:     log,
		send:    make(chan []byte, 256),
		pending: make(map[int64]chan wsFrame),
		subs:    make(map[int64]func(Record)),
		early:   make(map[int64][]Record),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go w.readPump()
	go w.writePump()
	return w, nil
}

// readPump dispatches gateway frames to waiting calls and subscriptions.
// It runs until the connection drops; a dropped connection fails all
// pending calls and silences subscriptions, matching the hosted store's
// behavior of going quiet rather than erroring live feeds.
func (w *WS) readPump() {
	defer func() {
		w.conn.Close()
		w.failPending(fmt.Errorf("store gateway connection closed"))
		close(w.done)
	}()

	w.conn.SetReadLimit(maxFrameSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.log.Warn().Err(err).Msg("store gateway read error")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.log.Warn().Err(err).Msg("store gateway: dropping malformed frame")
			continue
		}

		if frame.Event == "child" {
			w.mu.Lock()
			fn := w.subs[frame.Sub]
			if fn == nil && !w.closed {
				// The gateway can push the first event before Subscribe
				// has registered the callback.
				w.early[frame.Sub] = append(w.early[frame.Sub], Record{Key: frame.Key, Value: frame.Child})
			}
			w.mu.Unlock()
			if fn != nil {
				fn(Record{Key: frame.Key, Value: frame.Child})
			}
			continue
		}

		w.mu.Lock()
		ch := w.pending[frame.ID]
		delete(w.pending, frame.ID)
		w.mu.Unlock()
		if ch != nil {
			ch <- frame
		}
	}
}

// writePump serializes all frame writes and keeps the connection alive with
// pings, in the same shape as a per-client websocket write loop.
func (w *WS) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case data := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.quit:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-w.done:
			return
		}
	}
}

// call sends a request frame and waits for its correlated response.
func (w *WS) call(ctx context.Context, frame wsFrame) (wsFrame, error) {
	ch := make(chan wsFrame, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return wsFrame{}, fmt.Errorf("store gateway connection closed")
	}
	w.nextID++
	frame.ID = w.nextID
	w.pending[frame.ID] = ch
	w.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return wsFrame{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	select {
	case w.send <- data:
	case <-ctx.Done():
		w.dropPending(frame.ID)
		return wsFrame{}, ctx.Err()
	case <-w.quit:
		w.dropPending(frame.ID)
		return wsFrame{}, fmt.Errorf("store gateway connection closed")
	case <-w.done:
		return wsFrame{}, fmt.Errorf("store gateway connection closed")
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return wsFrame{}, fmt.Errorf("store gateway error: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.dropPending(frame.ID)
		return wsFrame{}, ctx.Err()
	case <-w.quit:
		w.dropPending(frame.ID)
		return wsFrame{}, fmt.Errorf("store gateway connection closed")
	case <-w.done:
		return wsFrame{}, fmt.Errorf("store gateway connection closed")
	}
}

func (w *WS) dropPending(id int64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *WS) failPending(err error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[int64]chan wsFrame)
	w.mu.Unlock()
	for _, ch := range pending {
		ch <- wsFrame{OK: false, Error: err.Error()}
	}
}

// ReadOnce asks the gateway for the most recent limit children under path.
func (w *WS) ReadOnce(ctx context.Context, path string, limit int) ([]Record, error) {
	resp, err := w.call(ctx, wsFrame{Op: "read", Path: path, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// WriteAt replaces the value at path; nil deletes.
func (w *WS) WriteAt(ctx context.Context, path string, value any) error {
	raw, err := marshal(value)
	if err != nil {
		return err
	}
	_, err = w.call(ctx, wsFrame{Op: "write", Path: path, Value: raw, Delete: raw == nil})
	return err
}

// Subscribe opens a gateway-side subscription and routes its child events
// to fn until cancelled.
func (w *WS) Subscribe(ctx context.Context, path string, fn func(Record)) (Subscription, error) {
	resp, err := w.call(ctx, wsFrame{Op: "subscribe", Path: path})
	if err != nil {
		return nil, err
	}
	subID := resp.Sub

	w.mu.Lock()
	w.subs[subID] = fn
	early := w.early[subID]
	delete(w.early, subID)
	w.mu.Unlock()

	for _, rec := range early {
		fn(rec)
	}
	return &wsSub{ws: w, id: subID}, nil
}

// Close shuts the connection down and silences all subscriptions. The send
// channel is never closed — a call already committed to sending would panic
// the process — the pumps exit through the quit channel instead.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.subs = make(map[int64]func(Record))
	w.early = make(map[int64][]Record)
	w.mu.Unlock()

	close(w.quit)
	return nil
}

type wsSub struct {
	ws   *WS
	id   int64
	once sync.Once
}

func (s *wsSub) Cancel() {
	s.once.Do(func() {
		s.ws.mu.Lock()
		delete(s.ws.subs, s.id)
		delete(s.ws.early, s.id)
		closed := s.ws.closed
		s.ws.mu.Unlock()
		if !closed {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			_, _ = s.ws.call(ctx, wsFrame{Op: "unsubscribe", Sub: s.id})
		}
	})
}
