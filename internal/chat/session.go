package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
)

// State is the lifecycle phase of a Session.
type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

var (
	// ErrSessionFailed is returned once a session has exhausted its
	// reconnect budget; the caller must create a new session.
	ErrSessionFailed = errors.New("chat: session failed")
)

// SessionConfig tunes lifecycle timing. Zero values pick defaults.
type SessionConfig struct {
	// HistoryLimit caps the initial history fetch.
	HistoryLimit int
	// SubscribeRetries bounds the reconnect attempts before the session
	// transitions to failed.
	SubscribeRetries int
	// SubscribeBackoff is the initial retry delay, doubled per attempt up
	// to MaxBackoff.
	SubscribeBackoff time.Duration
	MaxBackoff       time.Duration
	// HiddenDebounce is how long the view may stay hidden before the
	// subscription is released.
	HiddenDebounce time.Duration
	// ResubscribeJitterMax bounds the randomized delay before reopening
	// when the view becomes visible again, to avoid a thundering herd of
	// simultaneous reconnects.
	ResubscribeJitterMax time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.SubscribeRetries <= 0 {
		c.SubscribeRetries = 4
	}
	if c.SubscribeBackoff <= 0 {
		c.SubscribeBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.HiddenDebounce <= 0 {
		c.HiddenDebounce = 3 * time.Second
	}
	if c.ResubscribeJitterMax <= 0 {
		c.ResubscribeJitterMax = 600 * time.Millisecond
	}
}

// Session is the live binding between one user and one room: it loads
// history into the store, keeps the store fed from the change feed, and
// tears everything down cleanly. Exactly one Session owns a Store at a time.
type Session struct {
	ch     remote.Channel
	store  *Store
	roomID string
	userID string
	cfg    SessionConfig

	mu        sync.Mutex
	state     State
	sub       remote.Subscription
	epoch     int
	hideTimer *time.Timer
	showTimer *time.Timer
}

// NewSession binds a channel and a store to a (room, user) pair. Both ids
// are required.
func NewSession(ch remote.Channel, store *Store, roomID, userID string, cfg SessionConfig) (*Session, error) {
	if roomID == "" || userID == "" {
		return nil, errors.New("chat: room and user are required")
	}
	cfg.applyDefaults()
	return &Session{
		ch:     ch,
		store:  store,
		roomID: roomID,
		userID: userID,
		cfg:    cfg,
		state:  StateIdle,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Store() *Store { return s.store }

// Open makes the message list for the room live: history fetch, membership
// bootstrap, read-marker refresh, then subscribe. Calling Open while the
// session is already opening or live is an idempotent no-op. A session
// closed by the visibility policy may be reopened; a failed one may not.
func (s *Session) Open(ctx context.Context) ([]model.Message, error) {
	s.mu.Lock()
	switch s.state {
	case StateLoading, StateSubscribing, StateReconnecting, StateLive:
		s.mu.Unlock()
		return s.store.Messages(), nil
	case StateFailed:
		s.mu.Unlock()
		return nil, ErrSessionFailed
	}
	s.epoch++
	epoch := s.epoch
	s.state = StateLoading
	s.mu.Unlock()

	history, err := s.fetchHistory(ctx)
	if err != nil {
		// Surface the error and do not attempt the subscription step.
		s.revert(epoch, StateIdle)
		return nil, err
	}
	s.store.LoadHistory(history)

	// Membership and read-marker refreshes are background writes: log and
	// continue, only the history fetch and the subscribe step gate the
	// session.
	s.ensureMembership(ctx)
	s.markRead(ctx)

	if !s.advance(epoch, StateLoading, StateSubscribing) {
		// Closed while loading; in-flight work must not resurrect the view.
		return s.store.Messages(), nil
	}
	if err := s.subscribe(ctx, epoch); err != nil {
		return nil, err
	}
	return s.store.Messages(), nil
}

// Close releases the subscription unconditionally. Safe to call repeatedly
// and before Open; never panics.
func (s *Session) Close() {
	s.mu.Lock()
	s.epoch++
	if s.hideTimer != nil {
		s.hideTimer.Stop()
		s.hideTimer = nil
	}
	if s.showTimer != nil {
		s.showTimer.Stop()
		s.showTimer = nil
	}
	sub := s.sub
	s.sub = nil
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

// SetVisible applies the visibility policy: a view hidden for longer than
// the debounce window releases its subscription; on return to visibility the
// session reopens after a randomized short delay.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if visible {
		if s.hideTimer != nil {
			s.hideTimer.Stop()
			s.hideTimer = nil
		}
		if s.state != StateClosed || s.showTimer != nil {
			return
		}
		delay := time.Duration(rand.Int63n(int64(s.cfg.ResubscribeJitterMax)))
		s.showTimer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			s.showTimer = nil
			s.mu.Unlock()
			if _, err := s.Open(context.Background()); err != nil {
				logger.Errorf("session: reopen room=%s: %v", s.roomID, err)
			}
		})
		return
	}
	if s.showTimer != nil {
		s.showTimer.Stop()
		s.showTimer = nil
	}
	switch s.state {
	case StateLoading, StateSubscribing, StateReconnecting, StateLive:
		if s.hideTimer == nil {
			s.hideTimer = time.AfterFunc(s.cfg.HiddenDebounce, s.Close)
		}
	}
}

func (s *Session) fetchHistory(ctx context.Context) ([]model.Message, error) {
	rows, err := s.ch.Query(ctx, remote.TableMessages,
		[]remote.Filter{{Column: "room_id", Value: s.roomID}},
		remote.Order{Column: "created_at"},
		s.cfg.HistoryLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("chat: load history room=%s: %w", s.roomID, err)
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, rec := range rows {
		var m model.Message
		if err := remote.DecodeRecord(rec, &m); err != nil {
			logger.Errorf("session: skip undecodable history row room=%s: %v", s.roomID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Session) ensureMembership(ctx context.Context) {
	rec, err := remote.EncodeRecord(model.Membership{
		RoomID:     s.roomID,
		UserID:     s.userID,
		Role:       "member",
		IsOnline:   true,
		LastSeenAt: time.Now().UTC(),
	})
	if err == nil {
		err = s.ch.Upsert(ctx, remote.TableMembership, rec, []string{"room_id", "user_id"})
	}
	if err != nil {
		logger.Errorf("session: ensure membership room=%s user=%s: %v", s.roomID, s.userID, err)
	}
}

func (s *Session) markRead(ctx context.Context) {
	rec, err := remote.EncodeRecord(model.ReadMarker{
		RoomID:     s.roomID,
		UserID:     s.userID,
		LastReadAt: time.Now().UTC(),
	})
	if err == nil {
		err = s.ch.Upsert(ctx, remote.TableReadStatus, rec, []string{"room_id", "user_id"})
	}
	if err != nil {
		logger.Errorf("session: mark read room=%s user=%s: %v", s.roomID, s.userID, err)
	}
}

// subscribe opens the change feed with bounded exponential backoff. On
// success it arms a watcher that re-enters this loop if the transport dies.
func (s *Session) subscribe(ctx context.Context, epoch int) error {
	backoff := s.cfg.SubscribeBackoff
	for attempt := 1; ; attempt++ {
		sub, err := s.ch.Subscribe(ctx, remote.TableMessages,
			remote.Filter{Column: "room_id", Value: s.roomID},
			func(rec remote.Record) { s.handleInsert(epoch, rec) },
		)
		if err == nil {
			s.mu.Lock()
			if s.epoch != epoch {
				s.mu.Unlock()
				_ = sub.Close()
				return nil
			}
			s.sub = sub
			s.state = StateLive
			s.mu.Unlock()
			go s.watch(epoch, sub)
			return nil
		}

		if attempt >= s.cfg.SubscribeRetries {
			s.mu.Lock()
			if s.epoch == epoch {
				s.state = StateFailed
			}
			s.mu.Unlock()
			return fmt.Errorf("chat: subscribe room=%s: %w", s.roomID, err)
		}
		if !s.advanceAny(epoch, StateReconnecting) {
			return nil
		}
		logger.Errorf("session: subscribe room=%s attempt=%d: %v (retrying in %v)", s.roomID, attempt, err, backoff)
		select {
		case <-ctx.Done():
			s.revert(epoch, StateIdle)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// watch re-subscribes when the feed terminates underneath a live session.
// A Done fired by our own Close is ignored because Close bumps the epoch
// before closing the handle.
func (s *Session) watch(epoch int, sub remote.Subscription) {
	<-sub.Done()
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	s.sub = nil
	s.state = StateReconnecting
	s.mu.Unlock()

	logger.Errorf("session: feed lost room=%s, reconnecting", s.roomID)
	if err := s.subscribe(context.Background(), epoch); err != nil {
		logger.Errorf("session: reconnect room=%s: %v", s.roomID, err)
	}
}

// handleInsert feeds one change-feed row into the store, unless the session
// was closed or replaced since the subscription was opened.
func (s *Session) handleInsert(epoch int, rec remote.Record) {
	s.mu.Lock()
	active := s.epoch == epoch && s.state == StateLive
	s.mu.Unlock()
	if !active {
		return
	}
	var m model.Message
	if err := remote.DecodeRecord(rec, &m); err != nil {
		logger.Errorf("session: skip undecodable feed row room=%s: %v", s.roomID, err)
		return
	}
	s.store.ReconcileIncoming(m)
}

// advance moves from → to if the session still belongs to this epoch.
func (s *Session) advance(epoch int, from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.state != from {
		return false
	}
	s.state = to
	return true
}

// advanceAny moves to the given state regardless of the current one, if the
// epoch still matches.
func (s *Session) advanceAny(epoch int, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.state = to
	return true
}

// revert resets the state after a failed open so the caller can retry.
func (s *Session) revert(epoch int, to State) {
	s.mu.Lock()
	if s.epoch == epoch {
		s.state = to
	}
	s.mu.Unlock()
}
