package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink/internal/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMessageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	msg := &wire.Message{
		ID:            "m1",
		SenderID:      "dev-a",
		SenderName:    "Ann",
		TargetID:      "dev-b",
		Body:          "hello",
		Type:          wire.MessageTypeEmergency,
		Timestamp:     wire.NowMillis(),
		ChatSessionID: "chat_dev-a",
		Status:        wire.StatusDelivered,
		Latitude:      52.37,
		Longitude:     4.89,
	}
	require.NoError(t, db.InsertMessage(ctx, msg))

	got, err := db.SessionMessages(ctx, "chat_dev-a", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg, got[0])
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	msg := &wire.Message{ID: "m1", SenderID: "dev-a", ChatSessionID: "s1",
		Type: wire.MessageTypeText, Status: wire.StatusDelivered, Timestamp: 1}
	require.NoError(t, db.InsertMessage(ctx, msg))
	require.NoError(t, db.InsertMessage(ctx, msg))

	n, err := db.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionMessagesOrderAndLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"m3", "m1", "m2"} {
		ts := map[string]int64{"m1": 1, "m2": 2, "m3": 3}[id]
		require.NoError(t, db.InsertMessage(ctx, &wire.Message{
			ID: id, SenderID: "dev-a", ChatSessionID: "s1",
			Type: wire.MessageTypeText, Status: wire.StatusDelivered, Timestamp: ts,
		}), i)
	}

	got, err := db.SessionMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m3", got[2].ID)

	got, err = db.SessionMessages(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestTouchSessionUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t0 := time.UnixMilli(1000)
	require.NoError(t, db.TouchSession(ctx, "s1", "dev-a", "Ann", t0))

	s, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "dev-a", s.PeerID)
	assert.Equal(t, "Ann", s.PeerName)
	assert.Equal(t, int64(1000), s.CreatedAt)

	t1 := time.UnixMilli(2000)
	require.NoError(t, db.TouchSession(ctx, "s1", "dev-a", "Anna", t1))

	s, err = db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", s.PeerName)
	assert.Equal(t, int64(2000), s.LastActive)
	assert.Equal(t, int64(1000), s.CreatedAt, "created_at untouched on update")
}

func TestUpdateSessionConnection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.TouchSession(ctx, "s1", "dev-a", "Ann", time.UnixMilli(1000)))
	require.NoError(t, db.UpdateSessionConnection(ctx, "s1", "quic", time.UnixMilli(3000)))

	s, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "quic", s.LinkType)
	assert.Equal(t, int64(3000), s.LastActive)
}

func TestGetSessionMissing(t *testing.T) {
	db := openTestDB(t)
	s, err := db.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, s)
}
