package chat

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
)

// ActivityFeed tracks per-room unread counts across all of a user's rooms.
// It holds its own subscription, deliberately separate from any room
// session's feed: the two have independent lifecycles, and both are subject
// to the same visibility-driven teardown so the number of concurrent live
// subscriptions stays bounded per visible view.
type ActivityFeed struct {
	ch     remote.Channel
	userID string
	cfg    SessionConfig

	mu        sync.Mutex
	open      bool
	sub       remote.Subscription
	epoch     int
	rooms     map[string]bool      // rooms the user belongs to
	markers   map[string]time.Time // room id -> last read
	unread    map[string]int
	lastMsg   map[string]time.Time
	seen      map[string]bool // message ids counted, absorbs redelivery
	seenOrder []string        // insertion order, for pruning
	onChange  func([]model.RoomActivity)
	hideTimer *time.Timer
	showTimer *time.Timer
}

// seenLimit bounds the redelivery-dedupe set for long-lived feeds. Feed
// redeliveries arrive close to the original, so a window this wide is safe.
const seenLimit = 4096

func NewActivityFeed(ch remote.Channel, userID string, cfg SessionConfig) *ActivityFeed {
	cfg.applyDefaults()
	return &ActivityFeed{
		ch:      ch,
		userID:  userID,
		cfg:     cfg,
		rooms:   make(map[string]bool),
		markers: make(map[string]time.Time),
		unread:  make(map[string]int),
		lastMsg: make(map[string]time.Time),
		seen:    make(map[string]bool),
	}
}

// SetOnChange registers a callback invoked with a fresh summary snapshot
// after every change.
func (f *ActivityFeed) SetOnChange(fn func([]model.RoomActivity)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Open loads the user's membership set and read markers, derives initial
// unread counts, and subscribes to new messages. The subscription itself is
// unfiltered (one feed for all rooms); rows from rooms the user does not
// belong to are dropped on arrival.
func (f *ActivityFeed) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.open {
		f.mu.Unlock()
		return nil
	}
	f.epoch++
	epoch := f.epoch
	f.mu.Unlock()

	rooms, err := f.fetchRooms(ctx)
	if err != nil {
		return err
	}
	markers, err := f.fetchMarkers(ctx)
	if err != nil {
		return err
	}
	// A read marker implies the user has been in the room even when the
	// membership row is missing (older backends).
	for roomID := range markers {
		rooms[roomID] = true
	}
	unread, lastMsg := f.bootstrapCounts(ctx, rooms, markers)

	sub, err := f.ch.Subscribe(ctx, remote.TableMessages, remote.Filter{},
		func(rec remote.Record) { f.handleInsert(epoch, rec) })
	if err != nil {
		return fmt.Errorf("chat: subscribe activity user=%s: %w", f.userID, err)
	}

	f.mu.Lock()
	if f.epoch != epoch {
		f.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	f.rooms = rooms
	f.markers = markers
	f.unread = unread
	f.lastMsg = lastMsg
	f.sub = sub
	f.open = true
	f.notifyLocked()
	return nil
}

// Close releases the subscription. Idempotent, never panics.
func (f *ActivityFeed) Close() {
	f.mu.Lock()
	f.epoch++
	if f.hideTimer != nil {
		f.hideTimer.Stop()
		f.hideTimer = nil
	}
	if f.showTimer != nil {
		f.showTimer.Stop()
		f.showTimer = nil
	}
	sub := f.sub
	f.sub = nil
	f.open = false
	f.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// SetVisible applies the same visibility policy as room sessions.
func (f *ActivityFeed) SetVisible(visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if visible {
		if f.hideTimer != nil {
			f.hideTimer.Stop()
			f.hideTimer = nil
		}
		if f.open || f.showTimer != nil {
			return
		}
		delay := time.Duration(rand.Int63n(int64(f.cfg.ResubscribeJitterMax)))
		f.showTimer = time.AfterFunc(delay, func() {
			f.mu.Lock()
			f.showTimer = nil
			f.mu.Unlock()
			if err := f.Open(context.Background()); err != nil {
				logger.Errorf("activity: reopen user=%s: %v", f.userID, err)
			}
		})
		return
	}
	if f.showTimer != nil {
		f.showTimer.Stop()
		f.showTimer = nil
	}
	if f.open && f.hideTimer == nil {
		f.hideTimer = time.AfterFunc(f.cfg.HiddenDebounce, f.Close)
	}
}

// MarkRead resets a room's unread count and persists the read marker.
func (f *ActivityFeed) MarkRead(ctx context.Context, roomID string) {
	now := time.Now().UTC()
	rec, err := remote.EncodeRecord(model.ReadMarker{
		RoomID:     roomID,
		UserID:     f.userID,
		LastReadAt: now,
	})
	if err == nil {
		err = f.ch.Upsert(ctx, remote.TableReadStatus, rec, []string{"room_id", "user_id"})
	}
	if err != nil {
		logger.Errorf("activity: mark read room=%s user=%s: %v", roomID, f.userID, err)
	}

	f.mu.Lock()
	f.rooms[roomID] = true
	f.markers[roomID] = now
	f.unread[roomID] = 0
	f.notifyLocked()
}

// Snapshot returns per-room summaries sorted by most recent activity.
func (f *ActivityFeed) Snapshot() []model.RoomActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// fetchRooms loads the user's membership set; only these rooms are counted.
func (f *ActivityFeed) fetchRooms(ctx context.Context) (map[string]bool, error) {
	rows, err := f.ch.Query(ctx, remote.TableMembership,
		[]remote.Filter{{Column: "user_id", Value: f.userID}}, remote.Order{}, 0)
	if err != nil {
		return nil, fmt.Errorf("chat: load memberships user=%s: %w", f.userID, err)
	}
	rooms := make(map[string]bool, len(rows))
	for _, rec := range rows {
		var m model.Membership
		if err := remote.DecodeRecord(rec, &m); err != nil {
			logger.Errorf("activity: skip undecodable membership: %v", err)
			continue
		}
		rooms[m.RoomID] = true
	}
	return rooms, nil
}

func (f *ActivityFeed) fetchMarkers(ctx context.Context) (map[string]time.Time, error) {
	rows, err := f.ch.Query(ctx, remote.TableReadStatus,
		[]remote.Filter{{Column: "user_id", Value: f.userID}}, remote.Order{}, 0)
	if err != nil {
		return nil, fmt.Errorf("chat: load read markers user=%s: %w", f.userID, err)
	}
	markers := make(map[string]time.Time, len(rows))
	for _, rec := range rows {
		var rm model.ReadMarker
		if err := remote.DecodeRecord(rec, &rm); err != nil {
			logger.Errorf("activity: skip undecodable marker: %v", err)
			continue
		}
		markers[rm.RoomID] = rm.LastReadAt
	}
	return markers, nil
}

// bootstrapCounts derives initial unread counts per member room. Failures
// here degrade to zero counts that the live feed corrects over time. A room
// without a marker counts every message from others.
func (f *ActivityFeed) bootstrapCounts(ctx context.Context, rooms map[string]bool, markers map[string]time.Time) (map[string]int, map[string]time.Time) {
	unread := make(map[string]int, len(rooms))
	lastMsg := make(map[string]time.Time, len(rooms))
	for roomID := range rooms {
		marker := markers[roomID]
		rows, err := f.ch.Query(ctx, remote.TableMessages,
			[]remote.Filter{{Column: "room_id", Value: roomID}},
			remote.Order{Column: "created_at"}, f.cfg.HistoryLimit)
		if err != nil {
			logger.Errorf("activity: bootstrap room=%s: %v", roomID, err)
			continue
		}
		for _, rec := range rows {
			var m model.Message
			if err := remote.DecodeRecord(rec, &m); err != nil {
				continue
			}
			if m.CreatedAt.After(lastMsg[roomID]) {
				lastMsg[roomID] = m.CreatedAt
			}
			if m.SenderID != f.userID && m.CreatedAt.After(marker) {
				unread[roomID]++
			}
		}
	}
	return unread, lastMsg
}

func (f *ActivityFeed) handleInsert(epoch int, rec remote.Record) {
	var m model.Message
	if err := remote.DecodeRecord(rec, &m); err != nil {
		logger.Errorf("activity: skip undecodable feed row: %v", err)
		return
	}

	f.mu.Lock()
	if f.epoch != epoch || !f.open || !f.rooms[m.RoomID] || f.seen[m.ID] {
		f.mu.Unlock()
		return
	}
	f.seen[m.ID] = true
	f.seenOrder = append(f.seenOrder, m.ID)
	if len(f.seenOrder) > seenLimit {
		delete(f.seen, f.seenOrder[0])
		f.seenOrder = f.seenOrder[1:]
	}
	if m.CreatedAt.After(f.lastMsg[m.RoomID]) {
		f.lastMsg[m.RoomID] = m.CreatedAt
	}
	if m.SenderID != f.userID && m.CreatedAt.After(f.markers[m.RoomID]) {
		f.unread[m.RoomID]++
	}
	f.notifyLocked()
}

func (f *ActivityFeed) snapshotLocked() []model.RoomActivity {
	out := make([]model.RoomActivity, 0, len(f.lastMsg))
	for roomID, last := range f.lastMsg {
		out = append(out, model.RoomActivity{
			RoomID:        roomID,
			UnreadCount:   f.unread[roomID],
			LastMessageAt: last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// notifyLocked snapshots under the lock, releases it, then invokes the
// listener.
func (f *ActivityFeed) notifyLocked() {
	fn := f.onChange
	var snapshot []model.RoomActivity
	if fn != nil {
		snapshot = f.snapshotLocked()
	}
	f.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
