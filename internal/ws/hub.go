// Package ws fans table inserts out to connected clients. A client holds any
// number of table subscriptions on one connection; every insert committed
// through the channel API is broadcast to the subscriptions it matches.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/storage"
)

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int
	presence storage.PresenceStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(presence storage.PresenceStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Touch(ctx, c.userID); err != nil {
		logger.Errorf("ws presence touch user=%s: %v", c.userID, err)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOffline(ctx, c.userID); err != nil {
			logger.Errorf("ws presence offline user=%s: %v", c.userID, err)
		}
	}
}

// HandleFrame dispatches one incoming client frame.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame IncomingFrame) {
	switch frame.Type {
	case FrameSubscribe:
		if frame.SubID == "" || frame.Table == "" {
			h.sendToClient(c, OutgoingFrame{Type: FrameError, SubID: frame.SubID, Error: "sub_id and table required"})
			return
		}
		c.addSub(frame.SubID, frame.Table, frame.Filter)
		h.sendToClient(c, OutgoingFrame{Type: FrameSubscribed, SubID: frame.SubID, Table: frame.Table})
	case FrameUnsubscribe:
		c.removeSub(frame.SubID)
	default:
		h.sendToClient(c, OutgoingFrame{Type: FrameError, Error: "unknown frame type"})
	}
}

// BroadcastInsert delivers one committed row to every matching subscription
// across all connected clients.
func (h *Hub) BroadcastInsert(table string, rec remote.Record) {
	defer logger.DeferLogDuration("ws.BroadcastInsert", time.Now())()
	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		for _, subID := range c.matchingSubs(table, rec) {
			h.sendToClient(c, OutgoingFrame{
				Type:   FrameInsert,
				SubID:  subID,
				Table:  table,
				Record: rec,
			})
		}
	}
}

func (h *Hub) sendToClient(c *Client, frame OutgoingFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// matchesFilter treats an empty column as match-all.
func matchesFilter(rec remote.Record, f remote.Filter) bool {
	if f.Column == "" {
		return true
	}
	return fmt.Sprint(rec[f.Column]) == fmt.Sprint(f.Value)
}
