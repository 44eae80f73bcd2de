package chat

import (
	"context"
	"testing"
	"time"

	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/remote/memchannel"
)

func newTestFeed(t *testing.T, ch *memchannel.Channel, userID string) *ActivityFeed {
	t.Helper()
	f := NewActivityFeed(ch, userID, testConfig())
	t.Cleanup(f.Close)
	return f
}

func seedMarker(t *testing.T, ch *memchannel.Channel, roomID, userID string, at time.Time) {
	t.Helper()
	rec, err := remote.EncodeRecord(model.ReadMarker{RoomID: roomID, UserID: userID, LastReadAt: at})
	if err != nil {
		t.Fatalf("encode marker: %v", err)
	}
	if err := ch.Upsert(context.Background(), remote.TableReadStatus, rec, []string{"room_id", "user_id"}); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
}

func seedMembership(t *testing.T, ch *memchannel.Channel, roomID, userID string) {
	t.Helper()
	rec, err := remote.EncodeRecord(model.Membership{RoomID: roomID, UserID: userID, Role: "member"})
	if err != nil {
		t.Fatalf("encode membership: %v", err)
	}
	if err := ch.Upsert(context.Background(), remote.TableMembership, rec, []string{"room_id", "user_id"}); err != nil {
		t.Fatalf("seed membership: %v", err)
	}
}

func roomSummary(t *testing.T, f *ActivityFeed, roomID string) model.RoomActivity {
	t.Helper()
	for _, a := range f.Snapshot() {
		if a.RoomID == roomID {
			return a
		}
	}
	t.Fatalf("room %s missing from snapshot %+v", roomID, f.Snapshot())
	return model.RoomActivity{}
}

func TestActivityBootstrapCountsUnread(t *testing.T) {
	ch := memchannel.New()
	seedMarker(t, ch, "r1", "alice", time.Now().Add(-time.Hour))
	seedMessage(t, ch, "r1", "bob", "one")
	seedMessage(t, ch, "r1", "bob", "two")
	seedMessage(t, ch, "r1", "alice", "my own")

	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Own messages never count as unread.
	if got := roomSummary(t, f, "r1").UnreadCount; got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
}

func TestActivityLiveInsertsIncrementUnread(t *testing.T) {
	ch := memchannel.New()
	seedMarker(t, ch, "r1", "alice", time.Now().Add(-time.Hour))
	seedMembership(t, ch, "r2", "alice")

	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	seedMessage(t, ch, "r1", "bob", "ping")
	seedMessage(t, ch, "r2", "bob", "other room")
	seedMessage(t, ch, "r1", "alice", "my reply")

	if got := roomSummary(t, f, "r1").UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread in r1, got %d", got)
	}
	// Member rooms count even before the first read marker exists.
	if got := roomSummary(t, f, "r2").UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread in r2, got %d", got)
	}
}

func TestActivityIgnoresRoomsOutsideMembership(t *testing.T) {
	ch := memchannel.New()
	seedMembership(t, ch, "r1", "alice")

	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The feed is unfiltered, so rows from foreign rooms do arrive; they
	// must not surface in the summary.
	seedMessage(t, ch, "r1", "bob", "mine")
	seedMessage(t, ch, "private", "bob", "not my room")

	if got := roomSummary(t, f, "r1").UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread in r1, got %d", got)
	}
	for _, a := range f.Snapshot() {
		if a.RoomID == "private" {
			t.Fatalf("foreign room leaked into the summary: %+v", a)
		}
	}

	// Joining later (via MarkRead) starts counting from there on.
	f.MarkRead(context.Background(), "private")
	seedMessage(t, ch, "private", "bob", "now visible")
	if got := roomSummary(t, f, "private").UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread in joined room, got %d", got)
	}
}

func TestMarkReadResetsAndPersists(t *testing.T) {
	ch := memchannel.New()
	seedMarker(t, ch, "r1", "alice", time.Now().Add(-time.Hour))
	seedMessage(t, ch, "r1", "bob", "one")

	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := roomSummary(t, f, "r1").UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread before mark, got %d", got)
	}

	f.MarkRead(context.Background(), "r1")
	if got := roomSummary(t, f, "r1").UnreadCount; got != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", got)
	}
	if rows := ch.Rows(remote.TableReadStatus); len(rows) != 1 {
		t.Fatalf("expected the marker row to be upserted in place, got %d rows", len(rows))
	}
}

func TestActivitySnapshotOrdersByRecency(t *testing.T) {
	ch := memchannel.New()
	seedMembership(t, ch, "r1", "alice")
	seedMembership(t, ch, "r2", "alice")
	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	seedMessage(t, ch, "r1", "bob", "older")
	time.Sleep(2 * time.Millisecond)
	seedMessage(t, ch, "r2", "bob", "newer")

	snap := f.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(snap))
	}
	if snap[0].RoomID != "r2" || snap[1].RoomID != "r1" {
		t.Fatalf("snapshot not sorted by recency: %+v", snap)
	}
}

func TestActivityCloseStopsCounting(t *testing.T) {
	ch := memchannel.New()
	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Close()
	f.Close()
	if ch.ActiveSubscriptions() != 0 {
		t.Fatalf("subscription leaked after close")
	}

	seedMessage(t, ch, "r1", "bob", "late")
	if len(f.Snapshot()) != 0 {
		t.Fatalf("closed feed still counting")
	}
}

func TestActivityVisibilityPolicy(t *testing.T) {
	ch := memchannel.New()
	f := newTestFeed(t, ch, "alice")
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.SetVisible(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.ActiveSubscriptions() != 0 {
		time.Sleep(time.Millisecond)
	}
	if ch.ActiveSubscriptions() != 0 {
		t.Fatalf("hidden feed kept its subscription")
	}

	f.SetVisible(true)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.ActiveSubscriptions() != 1 {
		time.Sleep(time.Millisecond)
	}
	if ch.ActiveSubscriptions() != 1 {
		t.Fatalf("visible feed did not reopen")
	}
}
