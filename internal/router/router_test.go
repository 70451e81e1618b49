package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink/internal/wire"
)

type fakeRepo struct {
	mu       sync.Mutex
	inserted []*wire.Message
	touched  []string
}

func (f *fakeRepo) InsertMessage(ctx context.Context, msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeRepo) TouchSession(ctx context.Context, sessionID, peerID, peerName string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, sessionID)
	return nil
}

func (f *fakeRepo) UpdateSessionConnection(ctx context.Context, sessionID, linkType string, at time.Time) error {
	return nil
}

func (f *fakeRepo) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeNotifier struct {
	mu        sync.Mutex
	emergency []string
	regular   []string
}

func (f *fakeNotifier) ShowEmergencyNotification(title, body, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency = append(f.emergency, body)
}

func (f *fakeNotifier) ShowMessageNotification(title, body, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regular = append(f.regular, body)
}

type staticResolver map[string]string

func (r staticResolver) Resolve(id string) (string, bool) {
	v, ok := r[id]
	return v, ok
}

func msg(id, sender, target string) *wire.Message {
	return &wire.Message{
		ID:            id,
		SenderID:      sender,
		SenderName:    sender,
		TargetID:      target,
		Body:          "body-" + id,
		Type:          wire.MessageTypeText,
		Timestamp:     wire.NowMillis(),
		ChatSessionID: SessionForPeer(sender),
		Status:        wire.StatusDelivered,
	}
}

func TestRouteDeliversToTargetListener(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	var got []*wire.Message
	r.RegisterDeviceListener("dev-b", func(m *wire.Message) { got = append(got, m) })

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}

func TestRouteDedup(t *testing.T) {
	repo := &fakeRepo{}
	r := New(Config{LocalID: "me", Repo: repo})
	defer r.Close()

	var delivered int
	r.SetGlobalListener(func(*wire.Message) { delivered++ })

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Route(context.Background(), msg("dup", "dev-a", "dev-b")))
	}

	assert.Equal(t, 1, delivered, "duplicates absorbed")
	assert.Equal(t, 1, repo.insertedCount(), "persisted once")
	assert.True(t, r.Seen("dup"))
	assert.False(t, r.Seen("other"))
}

func TestRouteDedupWindowExpires(t *testing.T) {
	r := New(Config{LocalID: "me", DedupWindow: 30 * time.Millisecond})
	defer r.Close()

	var delivered int
	r.SetGlobalListener(func(*wire.Message) { delivered++ })

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))

	assert.Equal(t, 2, delivered, "expired entry no longer shadows")
}

func TestQueueAndFlushInOrder(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, r.Route(context.Background(), msg(id, "dev-a", "dev-b")))
	}
	assert.Equal(t, 3, r.QueuedFor("dev-b"))

	var got []string
	r.RegisterDeviceListener("dev-b", func(m *wire.Message) { got = append(got, m.ID) })

	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	assert.Equal(t, 0, r.QueuedFor("dev-b"))
}

func TestQueueDropsOldestPastCap(t *testing.T) {
	r := New(Config{LocalID: "me", QueueCap: 2})
	defer r.Close()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, r.Route(context.Background(), msg(id, "dev-a", "dev-b")))
	}
	assert.Equal(t, 2, r.QueuedFor("dev-b"))

	var got []string
	r.RegisterDeviceListener("dev-b", func(m *wire.Message) { got = append(got, m.ID) })
	assert.Equal(t, []string{"m2", "m3"}, got)
}

func TestBroadcastReachesAllListeners(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	var mu sync.Mutex
	hits := map[string]int{}
	for _, dev := range []string{"dev-a", "dev-b", "dev-c"} {
		dev := dev
		r.RegisterDeviceListener(dev, func(*wire.Message) {
			mu.Lock()
			hits[dev]++
			mu.Unlock()
		})
	}

	require.NoError(t, r.Route(context.Background(), msg("b1", "dev-a", wire.BroadcastTarget)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"dev-a": 1, "dev-b": 1, "dev-c": 1}, hits)
}

func TestBroadcastWithNoListenersStillPersists(t *testing.T) {
	repo := &fakeRepo{}
	r := New(Config{LocalID: "me", Repo: repo})
	defer r.Close()

	require.NoError(t, r.Route(context.Background(), msg("b1", "dev-a", wire.BroadcastTarget)))

	assert.Equal(t, 1, repo.insertedCount())
	assert.True(t, r.Seen("b1"))
	// Only the sender's copy queues; there is no listener registry to fan to.
	assert.Equal(t, 1, r.QueuedFor("dev-a"))
}

func TestUnknownTargetBroadcasts(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	var hits int
	r.RegisterDeviceListener("dev-x", func(*wire.Message) { hits++ })

	require.NoError(t, r.Route(context.Background(), msg("u1", "dev-a", UnknownTarget)))
	assert.Equal(t, 1, hits)
}

func TestUnregisterQueuesAgain(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	r.RegisterDeviceListener("dev-b", func(*wire.Message) {})
	r.UnregisterDeviceListener("dev-b")

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	assert.Equal(t, 1, r.QueuedFor("dev-b"))
}

func TestRouteRawControlDiscarded(t *testing.T) {
	repo := &fakeRepo{}
	r := New(Config{LocalID: "me", Repo: repo})
	defer r.Close()

	require.NoError(t, r.RouteRaw(context.Background(), wire.GeneratePing("dev-a", 1), "dev-a"))
	assert.Equal(t, 0, repo.insertedCount())
}

func TestRouteRawRequiresSender(t *testing.T) {
	r := New(Config{LocalID: "me"})
	defer r.Close()

	err := r.RouteRaw(context.Background(), []byte(`{"message":"hi"}`), "peer-x")
	assert.ErrorIs(t, err, wire.ErrNoSender)

	err = r.RouteRaw(context.Background(), []byte(`garbage`), "peer-x")
	assert.Error(t, err)
}

func TestRouteRawBuildsMessage(t *testing.T) {
	repo := &fakeRepo{}
	var got *wire.Message
	r := New(Config{
		LocalID:  "me",
		Repo:     repo,
		Resolver: staticResolver{"Alice's phone": "dev-alice"},
	})
	defer r.Close()
	r.SetGlobalListener(func(m *wire.Message) { got = m })

	raw := []byte(`{
		"deviceId": "dev-a",
		"senderName": "Ann",
		"targetDeviceId": "Alice's phone",
		"message": "help",
		"isEmergency": true
	}`)
	require.NoError(t, r.RouteRaw(context.Background(), raw, "dev-a"))

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID, "missing id generated")
	assert.Equal(t, "dev-alice", got.TargetID, "target resolved")
	assert.Equal(t, wire.MessageTypeEmergency, got.Type)
	assert.Equal(t, SessionForPeer("dev-a"), got.ChatSessionID)
	assert.NotZero(t, got.Timestamp)
}

func TestNotifications(t *testing.T) {
	n := &fakeNotifier{}
	r := New(Config{LocalID: "me", Notifier: n})
	defer r.Close()

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	assert.Equal(t, []string{"body-m1"}, n.regular)

	// Local messages do not notify.
	require.NoError(t, r.Route(context.Background(), msg("m2", "me", "dev-b")))
	assert.Len(t, n.regular, 1)

	em := msg("m3", "dev-a", "dev-b")
	em.Type = wire.MessageTypeSOS
	require.NoError(t, r.Route(context.Background(), em))
	assert.Equal(t, []string{"body-m3"}, n.emergency)
}

type panicNotifier struct{}

func (panicNotifier) ShowEmergencyNotification(title, body, sender string) { panic("boom") }
func (panicNotifier) ShowMessageNotification(title, body, sender string)  { panic("boom") }

func TestNotifierPanicContained(t *testing.T) {
	r := New(Config{LocalID: "me", Notifier: panicNotifier{}})
	defer r.Close()

	var delivered int
	r.SetGlobalListener(func(*wire.Message) { delivered++ })

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	assert.Equal(t, 1, delivered, "delivery survives a panicking notifier")
}

func TestSessionForPeer(t *testing.T) {
	assert.Equal(t, "chat_dev-a", SessionForPeer("dev-a"))
	assert.Equal(t, "chat_12D3_Koo_W", SessionForPeer("12D3:Koo W"))
	assert.Equal(t, "chat_a_b_c", SessionForPeer(`a/b\c`))
}

func TestCloseMakesRouteNoOp(t *testing.T) {
	repo := &fakeRepo{}
	r := New(Config{LocalID: "me", Repo: repo})
	r.Close()

	require.NoError(t, r.Route(context.Background(), msg("m1", "dev-a", "dev-b")))
	assert.Equal(t, 0, repo.insertedCount())
	assert.False(t, r.Seen("m1"))
}
