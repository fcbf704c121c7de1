package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elohims-media/upperroom/internal/auth"
	"github.com/elohims-media/upperroom/internal/models"
	"github.com/elohims-media/upperroom/internal/store"
)

// testConfig shrinks every window so the suite runs in milliseconds.
func testConfig() Config {
	return Config{
		Root:              "room",
		HistoryLimit:      100,
		TypingDebounce:    50 * time.Millisecond,
		TypingExpiry:      120 * time.Millisecond,
		SweepInterval:     20 * time.Millisecond,
		PresenceHeartbeat: time.Hour,
		PresenceExpiry:    time.Hour,
	}
}

// countingStore wraps a Realtime and counts non-nil and nil writes per path
// prefix, so tests can assert on debounce behavior.
type countingStore struct {
	store.Realtime
	mu      sync.Mutex
	sets    map[string]int
	deletes map[string]int
}

func newCountingStore(inner store.Realtime) *countingStore {
	return &countingStore{
		Realtime: inner,
		sets:     make(map[string]int),
		deletes:  make(map[string]int),
	}
}

func (c *countingStore) WriteAt(ctx context.Context, path string, value any) error {
	c.mu.Lock()
	if value == nil {
		c.deletes[path]++
	} else {
		c.sets[path]++
	}
	c.mu.Unlock()
	return c.Realtime.WriteAt(ctx, path, value)
}

func (c *countingStore) setsUnder(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for path, count := range c.sets {
		if strings.HasPrefix(path, prefix) {
			n += count
		}
	}
	return n
}

// join opens a session over rt with its own mock identity service and signs
// the given user in.
func join(t *testing.T, rt store.Realtime, cfg Config, email, name string) *Session {
	t.Helper()
	mock := auth.NewMock()
	sess := NewSession(cfg, rt, mock, zerolog.Nop())
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.SignUp(context.Background(), email, "secret123", name))
	return sess
}

func TestSendMessageNoOps(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	// Unauthenticated sends are silent no-ops.
	signedOut := NewSession(testConfig(), mem, auth.NewMock(), zerolog.Nop())
	require.NoError(t, signedOut.Open(ctx))
	defer signedOut.Close()
	require.NoError(t, signedOut.SendMessage(ctx, "hello"))

	// Blank sends are silent no-ops even when signed in.
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	require.NoError(t, sess.SendMessage(ctx, ""))
	require.NoError(t, sess.SendMessage(ctx, "   "))

	recs, err := mem.ReadOnce(ctx, "room/messages", 0)
	require.NoError(t, err)
	assert.Empty(t, recs, "no record may be written")
}

func TestSendMessageAppendsWithEmptyReactions(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")

	require.NoError(t, sess.SendMessage(context.Background(), "Grace and peace"))

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Grace and peace", msgs[0].Text)
	assert.Equal(t, "A", msgs[0].AuthorName)
	require.NotNil(t, msgs[0].AuthorID)
	assert.Empty(t, msgs[0].Reactions)
}

func TestDuplicateDeliveryCollapsedByDedupKey(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	ctx := context.Background()

	require.NoError(t, sess.SendMessage(ctx, "once"))
	msgs := sess.Messages()
	require.Len(t, msgs, 1)

	// Redeliver the same logical message under a different child key, as a
	// bootstrap/subscription overlap would.
	dup := msgs[0]
	require.NoError(t, mem.WriteAt(ctx, "room/messages/"+store.PushKey(), dup))

	assert.Len(t, sess.Messages(), 1, "rendered list holds exactly one copy")
}

func TestBootstrapLoadsRecentHistoryInOrder(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	uid := "earlier"
	for i, text := range []string{"first", "second", "third"} {
		msg := models.Message{AuthorID: &uid, AuthorName: "E", Text: text, CreatedAt: int64(1000 + i)}
		require.NoError(t, mem.WriteAt(ctx, "room/messages/"+store.PushKey(), msg))
		time.Sleep(2 * time.Millisecond) // distinct push-key timestamps
	}

	sess := join(t, mem, testConfig(), "a@example.com", "A")

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "third", msgs[2].Text)
}

func TestBootstrapBoundedByHistoryLimit(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	uid := "earlier"
	for i := 0; i < 5; i++ {
		msg := models.Message{AuthorID: &uid, AuthorName: "E", Text: strings.Repeat("x", i+1), CreatedAt: int64(i)}
		require.NoError(t, mem.WriteAt(ctx, "room/messages/"+store.PushKey(), msg))
		time.Sleep(2 * time.Millisecond)
	}

	cfg := testConfig()
	cfg.HistoryLimit = 3
	sess := join(t, mem, cfg, "a@example.com", "A")

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "xxx", msgs[0].Text, "the most recent three survive")
}

func TestSignOutClearsLocalHistoryAndReloads(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	ctx := context.Background()

	require.NoError(t, sess.SendMessage(ctx, "kept remotely"))
	require.NoError(t, sess.SignOut(ctx))

	assert.Equal(t, StateSignedOut, sess.State())
	assert.Empty(t, sess.Messages(), "local view starts clean after sign-out")

	require.NoError(t, sess.SignIn(ctx, "a@example.com", "secret123"))
	msgs := sess.Messages()
	require.Len(t, msgs, 1, "history reloads from the store")
	assert.Equal(t, "kept remotely", msgs[0].Text)
}

func TestReactionToggleParity(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	ctx := context.Background()

	require.NoError(t, sess.SendMessage(ctx, "amen"))
	key := sess.Messages()[0].Key
	uid := sess.Identity().UID

	for i := 1; i <= 4; i++ {
		require.NoError(t, sess.ToggleReaction(ctx, key, "🙏"))
		msg := sess.Messages()[0]
		if i%2 == 1 {
			assert.True(t, msg.HasReaction("🙏", uid), "odd toggle count means present")
		} else {
			_, exists := msg.Reactions["🙏"]
			assert.False(t, exists, "even toggle count removes the emoji key entirely")
		}
	}
}

func TestReactionOnUnknownMessageIsNoOp(t *testing.T) {
	mem := store.NewMemory()
	counting := newCountingStore(mem)
	sess := join(t, counting, testConfig(), "a@example.com", "A")

	require.NoError(t, sess.ToggleReaction(context.Background(), "no-such-key", "🔥"))
	assert.Zero(t, counting.setsUnder("room/reactions/"))
}

func TestTwoClientsEndToEnd(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	sessA := join(t, mem, testConfig(), "a@example.com", "A")
	sessB := join(t, mem, testConfig(), "b@example.com", "B")

	require.NoError(t, sessA.SendMessage(ctx, "Grace and peace"))

	// B's subscription delivers the message exactly once.
	msgsB := sessB.Messages()
	require.Len(t, msgsB, 1)
	assert.Equal(t, "Grace and peace", msgsB[0].Text)
	assert.Equal(t, "A", msgsB[0].AuthorName)
	assert.Positive(t, msgsB[0].CreatedAt)

	// B reacts; both clients converge on {B}.
	require.NoError(t, sessB.ToggleReaction(ctx, msgsB[0].Key, "🙏"))
	uidB := sessB.Identity().UID
	assert.Equal(t, []string{uidB}, sessA.Messages()[0].Reactions["🙏"])
	assert.Equal(t, []string{uidB}, sessB.Messages()[0].Reactions["🙏"])

	// B un-reacts; the key disappears entirely on both sides.
	require.NoError(t, sessB.ToggleReaction(ctx, msgsB[0].Key, "🙏"))
	_, exists := sessA.Messages()[0].Reactions["🙏"]
	assert.False(t, exists)
	_, exists = sessB.Messages()[0].Reactions["🙏"]
	assert.False(t, exists)
}

func TestLateJoinerSeesEarlierReactions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	sessA := join(t, mem, testConfig(), "a@example.com", "A")
	require.NoError(t, sessA.SendMessage(ctx, "hallelujah"))
	require.NoError(t, sessA.ToggleReaction(ctx, sessA.Messages()[0].Key, "🔥"))

	sessB := join(t, mem, testConfig(), "b@example.com", "B")
	msgs := sessB.Messages()
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Reactions["🔥"], 1, "reaction tuples fold in at bootstrap")
}

func TestPresenceVisibleToPeersAndWithdrawnOnClose(t *testing.T) {
	mem := store.NewMemory()

	sessA := join(t, mem, testConfig(), "a@example.com", "A")
	sessB := join(t, mem, testConfig(), "b@example.com", "B")

	assert.Len(t, sessB.OnlineUsers(), 2)
	assert.Len(t, sessA.OnlineUsers(), 2)

	require.NoError(t, sessA.Close())
	assert.Len(t, sessB.OnlineUsers(), 1, "explicit offline write removes the departed peer")
}

func TestAbandonedPeerStillOnlineWithinExpiryWindow(t *testing.T) {
	mem := store.NewMemory()

	// A joins and vanishes without closing: no offline write happens.
	_ = join(t, mem, testConfig(), "a@example.com", "A")

	sessB := join(t, mem, testConfig(), "b@example.com", "B")
	assert.Len(t, sessB.OnlineUsers(), 2, "a crashed peer stays online until the expiry window passes")
}

// waitingCancelStore mimics the hosted backends, whose subscription Cancel
// blocks until any in-flight delivery callback has returned.
type waitingCancelStore struct {
	store.Realtime
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func newWaitingCancelStore(inner store.Realtime) *waitingCancelStore {
	return &waitingCancelStore{
		Realtime: inner,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (w *waitingCancelStore) Subscribe(ctx context.Context, path string, fn func(store.Record)) (store.Subscription, error) {
	wg := new(sync.WaitGroup)
	inner, err := w.Realtime.Subscribe(ctx, path, func(r store.Record) {
		wg.Add(1)
		defer wg.Done()
		w.enterOnce.Do(func() { close(w.entered) })
		<-w.release
		fn(r)
	})
	if err != nil {
		return nil, err
	}
	return &waitingCancelSub{inner: inner, wg: wg}, nil
}

type waitingCancelSub struct {
	inner store.Subscription
	wg    *sync.WaitGroup
}

func (s *waitingCancelSub) Cancel() {
	s.inner.Cancel()
	s.wg.Wait()
}

func TestCloseDoesNotBlockOnInFlightDelivery(t *testing.T) {
	mem := store.NewMemory()
	waiting := newWaitingCancelStore(mem)
	sess := join(t, waiting, testConfig(), "a@example.com", "A")

	// Stall a delivery inside its callback.
	uid := "peer"
	go func() {
		msg := models.Message{AuthorID: &uid, AuthorName: "P", Text: "mid-flight", CreatedAt: time.Now().UnixMilli()}
		_ = mem.WriteAt(context.Background(), "room/messages/"+store.PushKey(), msg)
	}()
	<-waiting.entered

	// Release the stalled delivery shortly after Close starts waiting on it.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(waiting.release)
	}()

	closed := make(chan struct{})
	go func() {
		sess.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a subscription cancel waiting for an in-flight delivery")
	}
}

func TestCloseStopsMaintenanceWrites(t *testing.T) {
	mem := store.NewMemory()
	counting := newCountingStore(mem)
	cfg := testConfig()
	cfg.PresenceHeartbeat = 20 * time.Millisecond
	sess := join(t, counting, cfg, "a@example.com", "A")

	require.NoError(t, sess.Close())

	// Close joins the maintenance loop, so no heartbeat lands after it
	// returns — the offline record stays the last presence write.
	before := counting.setsUnder("room/presence/")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, counting.setsUnder("room/presence/"))
}

func TestReactionArrivingBeforeMessageIsFolded(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	ctx := context.Background()

	// The per-collection feeds give no cross-collection ordering: the
	// reaction tuple can land before its message.
	key := store.PushKey()
	mark := models.ReactionMark{Name: "P", ReactedAt: time.Now().UnixMilli()}
	require.NoError(t, mem.WriteAt(ctx, "room/reactions/"+key+"/🔥/peer-uid", mark))

	uid := "peer-uid"
	msg := models.Message{AuthorID: &uid, AuthorName: "P", Text: "out of order", CreatedAt: time.Now().UnixMilli()}
	require.NoError(t, mem.WriteAt(ctx, "room/messages/"+key, msg))

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"peer-uid"}, msgs[0].Reactions["🔥"])
}

func TestParkedReactionToggleOffFoldsToNothing(t *testing.T) {
	mem := store.NewMemory()
	sess := join(t, mem, testConfig(), "a@example.com", "A")
	ctx := context.Background()

	key := store.PushKey()
	mark := models.ReactionMark{Name: "P", ReactedAt: time.Now().UnixMilli()}
	require.NoError(t, mem.WriteAt(ctx, "room/reactions/"+key+"/🙏/peer-uid", mark))
	require.NoError(t, mem.WriteAt(ctx, "room/reactions/"+key+"/🙏/peer-uid", nil))

	uid := "peer-uid"
	msg := models.Message{AuthorID: &uid, AuthorName: "P", Text: "changed my mind", CreatedAt: time.Now().UnixMilli()}
	require.NoError(t, mem.WriteAt(ctx, "room/messages/"+key, msg))

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Reactions, "an on-then-off pair folds to nothing")
}

func TestStalePresenceEvictedBySweep(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig()
	cfg.PresenceExpiry = 60 * time.Millisecond

	_ = join(t, mem, cfg, "a@example.com", "A")
	sessB := join(t, mem, cfg, "b@example.com", "B")

	require.Eventually(t, func() bool {
		users := sessB.OnlineUsers()
		for _, u := range users {
			if u.Name == "A" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "silent peer evicted after the expiry window")
}
