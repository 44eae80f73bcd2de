package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/remote/memchannel"
)

func testConfig() SessionConfig {
	return SessionConfig{
		HistoryLimit:         50,
		SubscribeRetries:     2,
		SubscribeBackoff:     time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		HiddenDebounce:       20 * time.Millisecond,
		ResubscribeJitterMax: 10 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, ch *memchannel.Channel, roomID, userID string) *Session {
	t.Helper()
	s, err := NewSession(ch, NewStore(), roomID, userID, testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedMessage(t *testing.T, ch *memchannel.Channel, roomID, senderID, body string) {
	t.Helper()
	rec, err := remote.EncodeRecord(model.Message{
		RoomID: roomID, SenderID: senderID, Body: body, Kind: model.KindUser,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	delete(rec, "id")
	delete(rec, "created_at")
	if _, err := ch.Insert(context.Background(), remote.TableMessages, rec); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, s.State())
}

func TestOpenLoadsHistoryAndGoesLive(t *testing.T) {
	ch := memchannel.New()
	seedMessage(t, ch, "r1", "bob", "first")
	seedMessage(t, ch, "r1", "bob", "second")
	seedMessage(t, ch, "r2", "bob", "other room")

	s := newTestSession(t, ch, "r1", "alice")
	msgs, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("history out of order: %q, %q", msgs[0].Body, msgs[1].Body)
	}
	if s.State() != StateLive {
		t.Fatalf("expected live, got %s", s.State())
	}
	// Opening records membership and a read marker.
	if len(ch.Rows(remote.TableMembership)) != 1 {
		t.Fatalf("membership row missing")
	}
	if len(ch.Rows(remote.TableReadStatus)) != 1 {
		t.Fatalf("read marker missing")
	}
}

func TestOpenIsIdempotentWhileLive(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if ch.ActiveSubscriptions() != 1 {
		t.Fatalf("expected 1 subscription, got %d", ch.ActiveSubscriptions())
	}
}

func TestFeedInsertReachesStore(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	seedMessage(t, ch, "r1", "bob", "hello")
	seedMessage(t, ch, "r2", "bob", "elsewhere")

	msgs := s.Store().Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(msgs))
	}
	if msgs[0].Body != "hello" {
		t.Fatalf("unexpected body %q", msgs[0].Body)
	}
}

func TestHistoryFailureLeavesSessionRetryable(t *testing.T) {
	ch := memchannel.New()
	ch.QueryErr = errors.New("backend down")

	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err == nil {
		t.Fatalf("expected history error")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after history failure, got %s", s.State())
	}
	if ch.ActiveSubscriptions() != 0 {
		t.Fatalf("no subscription may be opened after a failed history fetch")
	}

	ch.QueryErr = nil
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("retry Open: %v", err)
	}
	waitForState(t, s, StateLive)
}

func TestSubscribeExhaustionFailsSession(t *testing.T) {
	ch := memchannel.New()
	ch.SubscribeErr = errors.New("no feed")

	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}

	// Failed is terminal: reopening demands a fresh session.
	if _, err := s.Open(context.Background()); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("expected ErrSessionFailed, got %v", err)
	}
}

func TestCloseIsIdempotentAndReleasesSubscription(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")

	// Close before open never panics.
	s.Close()

	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	s.Close()
	if ch.ActiveSubscriptions() != 0 {
		t.Fatalf("subscription leaked after close")
	}

	// Inserts after close never reach the store.
	seedMessage(t, ch, "r1", "bob", "late")
	if s.Store().Len() != 0 {
		t.Fatalf("closed session still feeding its store")
	}
}

func TestReopenAfterClose(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	waitForState(t, s, StateLive)
	seedMessage(t, ch, "r1", "bob", "after reopen")
	if s.Store().Len() != 1 {
		t.Fatalf("reopened session not receiving feed")
	}
}

func TestVisibilityDebounceClosesAndReopens(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A quick hide/show flicker inside the debounce window keeps the
	// subscription alive.
	s.SetVisible(false)
	s.SetVisible(true)
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateLive {
		t.Fatalf("flicker must not close the session, got %s", s.State())
	}

	// Staying hidden past the debounce releases the subscription.
	s.SetVisible(false)
	waitForState(t, s, StateClosed)
	if ch.ActiveSubscriptions() != 0 {
		t.Fatalf("hidden session kept its subscription")
	}

	// Becoming visible again reopens after a short jittered delay.
	s.SetVisible(true)
	waitForState(t, s, StateLive)
	if ch.ActiveSubscriptions() != 1 {
		t.Fatalf("expected 1 subscription after reopen, got %d", ch.ActiveSubscriptions())
	}
}

func TestTransportLossTriggersResubscribe(t *testing.T) {
	ch := memchannel.New()
	s := newTestSession(t, ch, "r1", "alice")
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch.DropSubscriptions(remote.TableMessages)

	// Wait for the watcher to establish a replacement subscription.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.ActiveSubscriptions() == 0 {
		time.Sleep(time.Millisecond)
	}
	if ch.ActiveSubscriptions() != 1 {
		t.Fatalf("no replacement subscription after transport loss")
	}
	waitForState(t, s, StateLive)

	seedMessage(t, ch, "r1", "bob", "after reconnect")
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Store().Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if s.Store().Len() != 1 {
		t.Fatalf("feed not restored after transport loss")
	}
}

func TestNewSessionRequiresIdentifiers(t *testing.T) {
	ch := memchannel.New()
	if _, err := NewSession(ch, NewStore(), "", "alice", SessionConfig{}); err == nil {
		t.Fatalf("expected error for missing room id")
	}
	if _, err := NewSession(ch, NewStore(), "r1", "", SessionConfig{}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}
