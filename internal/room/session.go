// Package room implements the Upper Room session: one user's membership in
// the shared chat room, built on the realtime keyed store and the identity
// provider. A Session owns the full lifecycle — history bootstrap, live
// message feed, presence, typing indicators, and reactions — and surfaces
// everything to its consumer as a stream of events.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elohims-media/upperroom/internal/auth"
	"github.com/elohims-media/upperroom/internal/models"
	"github.com/elohims-media/upperroom/internal/store"
)

// Config tunes a session. Zero values take the defaults below; the windows
// are configurable so tests can shrink them.
type Config struct {
	// Root is the store path prefix for this room's collections
	Root string

	// HistoryLimit bounds the bootstrap read (default 100)
	HistoryLimit int

	// TypingDebounce is how long after the last keystroke the local
	// typing record is withdrawn (default 2s)
	TypingDebounce time.Duration

	// TypingExpiry is the reader-side window after which a peer's typing
	// record stops being shown (default 3s). Deliberately longer than the
	// debounce: the record's timestamp is only refreshed on the first
	// keystroke of a burst.
	TypingExpiry time.Duration

	// SweepInterval is the cadence of the stale-entry eviction pass
	// (default 1s)
	SweepInterval time.Duration

	// PresenceHeartbeat is how often the session refreshes its own
	// presence record (default 30s)
	PresenceHeartbeat time.Duration

	// PresenceExpiry is the reader-side window after which a peer whose
	// heartbeats stopped is evicted from the online view (default 90s)
	PresenceExpiry time.Duration

	// EventBuffer sizes the event channel (default 64). A consumer that
	// falls further behind loses events rather than blocking the session.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = 2 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.PresenceHeartbeat <= 0 {
		c.PresenceHeartbeat = 30 * time.Second
	}
	if c.PresenceExpiry <= 0 {
		c.PresenceExpiry = 90 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// Session is the room client. Construct with NewSession, start with Open,
// release with Close. The session does not own the store or the auth
// service; the caller closes those after the session.
type Session struct {
	cfg   Config
	store store.Realtime
	auth  auth.Service
	log   zerolog.Logger

	// now is the session clock; tests substitute it
	now func() time.Time

	events chan Event

	ctx        context.Context
	cancelCtx  context.CancelFunc
	cancelAuth func()

	mu       sync.Mutex
	state    State
	identity *auth.Identity
	opened   bool
	closed   bool

	// message view
	messages []models.Message
	seen     map[models.DedupKey]struct{}
	byKey    map[string]int

	// peer views, evicted by the sweep pass
	presence map[string]models.PresenceRecord
	typing   map[string]models.TypingRecord

	// reaction tuples that arrived before their message, re-folded when
	// the message lands
	parked map[string][]parkedReaction

	// local typing indicator state machine
	typingActive bool
	typingTimer  *time.Timer

	// per-sign-in resources, torn down on every transition
	subs     []store.Subscription
	loopStop chan struct{}
	loopWG   sync.WaitGroup
}

// NewSession creates a session over the given store and identity service.
func NewSession(cfg Config, rt store.Realtime, authSvc auth.Service, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		store:    rt,
		auth:     authSvc,
		log:      log,
		now:      time.Now,
		events:   make(chan Event, cfg.EventBuffer),
		seen:     make(map[models.DedupKey]struct{}),
		byKey:    make(map[string]int),
		presence: make(map[string]models.PresenceRecord),
		typing:   make(map[string]models.TypingRecord),
		parked:   make(map[string][]parkedReaction),
	}
}

// Events is the session's notification stream. Events are dropped, not
// queued unboundedly, when the consumer lags.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Open registers the identity listener, which immediately fires with the
// current identity and drives all further wiring. Open may be called once.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("session already open")
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.opened = true
	s.mu.Unlock()

	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	s.cancelAuth = s.auth.OnChange(s.onIdentity)
	return nil
}

// Close detaches the identity listener, tears down all subscriptions, joins
// the maintenance loop, and withdraws the presence and typing records.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	id := s.identity
	subs, timer, stop := s.detachLocked()
	s.mu.Unlock()

	if s.cancelAuth != nil {
		s.cancelAuth()
	}
	s.teardown(subs, timer, stop)
	// The heartbeat must be stopped before the offline write, or a late
	// tick could mark the user online again.
	s.loopWG.Wait()

	if id != nil {
		// Explicit went-offline write so peers do not keep showing a
		// departed user as online until their expiry window passes.
		s.writePresence(id, false)
		s.clearTypingRecord(id)
	}

	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	return nil
}

// SignUp creates an account with the display name bound to it. The provider's
// error text is returned verbatim on failure.
func (s *Session) SignUp(ctx context.Context, email, password, displayName string) error {
	s.setState(StateAuthenticating)
	if _, err := s.auth.SignUp(ctx, email, password, displayName); err != nil {
		s.setState(StateSignedOut)
		return err
	}
	return nil
}

// SignIn resolves an existing account. The provider's error text is returned
// verbatim on failure.
func (s *Session) SignIn(ctx context.Context, email, password string) error {
	s.setState(StateAuthenticating)
	if _, err := s.auth.SignIn(ctx, email, password); err != nil {
		s.setState(StateSignedOut)
		return err
	}
	return nil
}

// SignOut withdraws presence and typing records, drops the identity, and
// clears the local message history so the next sign-in starts clean.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	if id != nil {
		s.writePresence(id, false)
		s.clearTypingRecord(id)
	}
	return s.auth.SignOut(ctx)
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the signed-in identity, or nil.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Messages returns a snapshot of the message view in arrival order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = copyMessage(&s.messages[i])
	}
	return out
}

// onIdentity is the single entry point of the lifecycle state machine. Every
// transition first tears down the previous identity's subscriptions, timers
// and loops, then wires up the new state.
func (s *Session) onIdentity(id *auth.Identity) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	subs, timer, stop := s.detachLocked()
	s.mu.Unlock()

	// Cancel with s.mu released: a backend's Cancel blocks until in-flight
	// deliveries return, and a delivery may be waiting on s.mu right now.
	s.teardown(subs, timer, stop)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if id == nil {
		s.identity = nil
		s.state = StateSignedOut
		s.messages = nil
		s.seen = make(map[models.DedupKey]struct{})
		s.byKey = make(map[string]int)
		s.presence = make(map[string]models.PresenceRecord)
		s.typing = make(map[string]models.TypingRecord)
		s.parked = make(map[string][]parkedReaction)
		s.mu.Unlock()
		s.emit(Event{Type: EventStateChanged, State: StateSignedOut})
		return
	}

	s.identity = id
	s.state = StateSignedIn
	s.loopStop = make(chan struct{})
	s.mu.Unlock()

	s.emit(Event{Type: EventStateChanged, State: StateSignedIn})
	s.wireUp(id)
}

// wireUp establishes the signed-in state: presence write, bounded history
// read, then the live subscriptions and the maintenance loop. The bootstrap
// read completes before the message subscription attaches; deliveries seen
// through both are collapsed by the de-duplication key.
func (s *Session) wireUp(id *auth.Identity) {
	ctx := s.ctx

	s.writePresence(id, true)

	history, err := s.store.ReadOnce(ctx, s.path("messages"), s.cfg.HistoryLimit)
	if err != nil {
		// Start with an empty view; the live feed still attaches.
		s.log.Error().Err(err).Msg("failed to load message history")
		history = nil
	}
	for _, rec := range history {
		s.ingestMessage(rec)
	}

	subs := make([]store.Subscription, 0, 4)
	for _, w := range []struct {
		path string
		fn   func(store.Record)
	}{
		{s.path("messages"), s.ingestMessage},
		{s.path("presence"), s.ingestPresence},
		{s.path("typing"), s.ingestTyping},
		{s.path("reactions"), s.ingestReaction},
	} {
		sub, err := s.store.Subscribe(ctx, w.path, w.fn)
		if err != nil {
			s.log.Error().Err(err).Str("path", w.path).Msg("failed to subscribe")
			continue
		}
		subs = append(subs, sub)
	}

	// Records written before this session joined are not replayed by the
	// subscriptions, so fold the existing presence, typing, and reaction
	// children in once. Each fold is idempotent, which also absorbs any
	// overlap with live deliveries.
	for _, b := range []struct {
		path string
		fn   func(store.Record)
	}{
		{s.path("presence"), s.ingestPresence},
		{s.path("typing"), s.ingestTyping},
		{s.path("reactions"), s.ingestReaction},
	} {
		recs, err := s.store.ReadOnce(ctx, b.path, 0)
		if err != nil {
			s.log.Warn().Err(err).Str("path", b.path).Msg("failed to bootstrap collection")
			continue
		}
		for _, rec := range recs {
			b.fn(rec)
		}
	}

	s.mu.Lock()
	if s.closed || s.identity != id {
		// Torn down while wiring; undo the subscriptions.
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
		return
	}
	s.subs = subs
	stop := s.loopStop
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.maintain(id, stop)
}

// maintain runs the sweep and heartbeat tickers for one signed-in period.
func (s *Session) maintain(id *auth.Identity, stop chan struct{}) {
	defer s.loopWG.Done()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	heartbeat := time.NewTicker(s.cfg.PresenceHeartbeat)
	defer sweep.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sweep.C:
			s.sweep()
		case <-heartbeat.C:
			s.writePresence(id, true)
		}
	}
}

// detachLocked strips the per-sign-in resources off the session so they can
// be released without holding s.mu. Caller holds s.mu.
func (s *Session) detachLocked() (subs []store.Subscription, timer *time.Timer, stop chan struct{}) {
	subs = s.subs
	s.subs = nil
	timer = s.typingTimer
	s.typingTimer = nil
	s.typingActive = false
	stop = s.loopStop
	s.loopStop = nil
	return subs, timer, stop
}

// teardown releases detached resources. Must run without s.mu held: a
// subscription's Cancel may wait for an in-flight delivery, and that delivery
// may itself be waiting to lock the session.
func (s *Session) teardown(subs []store.Subscription, timer *time.Timer, stop chan struct{}) {
	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		close(stop)
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}

// SendMessage appends a message to the room. Blank text and signed-out
// sends are silent no-ops. A failed write surfaces as an alert event and is
// not retried.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()
	if id == nil {
		return nil
	}

	uid := id.UID
	msg := models.Message{
		AuthorID:   &uid,
		AuthorName: displayName(id),
		Text:       text,
		CreatedAt:  s.now().UnixMilli(),
	}

	key := store.PushKey()
	if err := s.store.WriteAt(ctx, s.path("messages", key), msg); err != nil {
		s.log.Error().Err(err).Msg("failed to send message")
		s.emit(Event{Type: EventAlert, Alert: "Failed to send message: " + err.Error()})
		return err
	}

	s.stopTypingOnSend(id)
	return nil
}

// ingestMessage folds one message record into the view, discarding
// duplicates by (author, createdAt).
func (s *Session) ingestMessage(rec store.Record) {
	if rec.Value == nil {
		// Messages are never deleted by this subsystem.
		return
	}

	var msg models.Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		s.log.Warn().Err(err).Str("key", rec.Key).Msg("dropping malformed message record")
		return
	}
	msg.Key = rec.Key

	s.mu.Lock()
	if _, dup := s.seen[msg.Dedup()]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.Dedup()] = struct{}{}
	idx := len(s.messages)
	s.byKey[msg.Key] = idx
	s.messages = append(s.messages, msg)
	for _, pr := range s.parked[msg.Key] {
		if pr.remove {
			removeReaction(&s.messages[idx], pr.emoji, pr.uid)
		} else {
			addReaction(&s.messages[idx], pr.emoji, pr.uid)
		}
	}
	delete(s.parked, msg.Key)
	out := copyMessage(&s.messages[idx])
	s.mu.Unlock()

	s.emit(Event{Type: EventMessageAdded, Message: &out})
}

// setState records a lifecycle state without touching subscriptions; the
// heavier transitions run through onIdentity.
func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, State: state})
}

func (s *Session) path(parts ...string) string {
	return store.Join(append([]string{s.cfg.Root}, parts...)...)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug().Str("type", string(ev.Type)).Msg("consumer behind, dropping event")
	}
}

// sweep is the periodic eviction pass over the peer views: stale typing
// records and silent presences are removed instead of merely being filtered
// at render time.
func (s *Session) sweep() {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	typingChanged := false
	for uid, rec := range s.typing {
		if nowMs-rec.Timestamp >= s.cfg.TypingExpiry.Milliseconds() {
			delete(s.typing, uid)
			typingChanged = true
		}
	}
	presenceChanged := false
	for uid, rec := range s.presence {
		if nowMs-rec.LastSeen >= s.cfg.PresenceExpiry.Milliseconds() {
			delete(s.presence, uid)
			presenceChanged = true
		}
	}
	s.mu.Unlock()

	if typingChanged {
		s.emit(Event{Type: EventTypingChanged, Typing: s.TypingUsers()})
	}
	if presenceChanged {
		s.emit(Event{Type: EventPresenceChanged, Online: s.OnlineUsers()})
	}
}

// armDebounce schedules the typing-idle transition. Caller holds s.mu.
func (s *Session) armDebounce(id *auth.Identity) *time.Timer {
	return time.AfterFunc(s.cfg.TypingDebounce, func() {
		s.typingExpired(id)
	})
}

// writeCtx is the context for writes triggered by timers and teardown, which
// have no caller context of their own.
func (s *Session) writeCtx() context.Context {
	if s.ctx != nil && s.ctx.Err() == nil {
		return s.ctx
	}
	return context.Background()
}

func displayName(id *auth.Identity) string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return "Anonymous"
}

func copyMessage(m *models.Message) models.Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, uids := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), uids...)
		}
	}
	return out
}
