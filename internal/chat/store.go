// Package chat implements the realtime chat synchronization core: an
// ordered, deduplicated message store with optimistic reconciliation, the
// room session lifecycle around it, and the send pipeline that feeds it.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teamline/internal/model"
)

// Store is the single source of truth for what the UI renders for one room.
// It merges three sources: history loaded at session start, optimistic local
// entries created on send, and server-confirmed rows from the change feed.
// All mutations are serialized; the change feed may deliver at-least-once and
// the store absorbs redelivery by deduplicating on id.
type Store struct {
	mu       sync.Mutex
	entries  []model.Message
	onChange func([]model.Message)
}

func NewStore() *Store {
	return &Store{}
}

// SetOnChange registers a render callback invoked with a snapshot after
// every mutation. The callback runs outside the store lock.
func (s *Store) SetOnChange(fn func([]model.Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// LoadHistory replaces the store wholesale with historical rows, ordered by
// ascending created_at. Called once per session open.
func (s *Store) LoadHistory(msgs []model.Message) {
	entries := make([]model.Message, len(msgs))
	copy(entries, msgs)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	s.mu.Lock()
	s.entries = entries
	s.notifyLocked()
}

// AppendOptimistic inserts a locally created entry at the tail with a fresh
// local token id, before the remote write round trip completes. Never fails.
func (s *Store) AppendOptimistic(draft model.Message) model.Message {
	draft.ID = model.LocalIDPrefix + uuid.New().String()
	draft.Optimistic = true
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.entries = append(s.entries, draft)
	s.notifyLocked()
	return draft
}

// ReconcileIncoming merges one server-confirmed row into the store:
//
//  1. A row whose id is already present is a redelivery; drop it.
//  2. Otherwise the oldest unreconciled optimistic entry with the same
//     sender, body and kind is replaced in place (FIFO tie-break for burst
//     sends of identical content).
//  3. Otherwise the row is appended at the tail.
func (s *Store) ReconcileIncoming(m model.Message) {
	m.Optimistic = false

	s.mu.Lock()
	for _, e := range s.entries {
		if e.ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	for i, e := range s.entries {
		if e.Optimistic && e.SenderID == m.SenderID && e.Body == m.Body && e.Kind == m.Kind {
			s.entries[i] = m
			s.notifyLocked()
			return
		}
	}
	s.entries = append(s.entries, m)
	s.notifyLocked()
}

// RemoveOptimistic deletes a not-yet-confirmed entry after its remote write
// failed, so the UI never shows a message that was never persisted.
func (s *Store) RemoveOptimistic(localID string) {
	s.mu.Lock()
	for i, e := range s.entries {
		if e.ID == localID && e.Optimistic {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.notifyLocked()
			return
		}
	}
	s.mu.Unlock()
}

// UpsertAttachments merges attachment metadata that arrived after the
// message row itself (asynchronous upload completion).
func (s *Store) UpsertAttachments(serverID string, atts []model.Attachment) {
	s.mu.Lock()
	for i, e := range s.entries {
		if e.ID != serverID {
			continue
		}
		merged := e.Attachments
		for _, a := range atts {
			if !hasAttachment(merged, a.URL) {
				merged = append(merged, a)
			}
		}
		s.entries[i].Attachments = merged
		s.notifyLocked()
		return
	}
	s.mu.Unlock()
}

// Messages returns a snapshot of the current entries in render order.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// notifyLocked snapshots under the lock, releases it, then invokes the
// listener, so a listener may call back into the store.
func (s *Store) notifyLocked() {
	fn := s.onChange
	var snapshot []model.Message
	if fn != nil {
		snapshot = make([]model.Message, len(s.entries))
		copy(snapshot, s.entries)
	}
	s.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func hasAttachment(atts []model.Attachment, url string) bool {
	for _, a := range atts {
		if a.URL == url {
			return true
		}
	}
	return false
}
