// Package memchannel is an in-memory remote.Channel used by tests and by
// components that need a backend-free channel. Inserts are fanned out to
// matching subscribers synchronously, in commit order.
package memchannel

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teamline/internal/remote"
)

type subscription struct {
	table    string
	filter   remote.Filter
	onInsert func(remote.Record)

	ch        *Channel
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.ch.remove(s)
		close(s.done)
	})
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Channel keeps tables, blobs and subscribers in memory. The exported error
// fields inject failures for tests; leave them nil in normal use.
type Channel struct {
	mu     sync.Mutex
	tables map[string][]remote.Record
	blobs  map[string][]byte
	subs   map[*subscription]struct{}

	// BlobBaseURL prefixes URLs returned by UploadBlob.
	BlobBaseURL string

	// Failure injection for tests.
	QueryErr     error
	InsertErr    error
	UpsertErr    error
	SubscribeErr error
	UploadErr    error
}

func New() *Channel {
	return &Channel{
		tables:      make(map[string][]remote.Record),
		blobs:       make(map[string][]byte),
		subs:        make(map[*subscription]struct{}),
		BlobBaseURL: "mem://blobs",
	}
}

func (c *Channel) Query(ctx context.Context, table string, filters []remote.Filter, order remote.Order, limit int) ([]remote.Record, error) {
	if c.QueryErr != nil {
		return nil, c.QueryErr
	}
	c.mu.Lock()
	rows := make([]remote.Record, 0, len(c.tables[table]))
	for _, rec := range c.tables[table] {
		if matchesAll(rec, filters) {
			rows = append(rows, cloneRecord(rec))
		}
	}
	c.mu.Unlock()

	if order.Column != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			if order.Desc {
				return valueLess(rows[j][order.Column], rows[i][order.Column])
			}
			return valueLess(rows[i][order.Column], rows[j][order.Column])
		})
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (c *Channel) Insert(ctx context.Context, table string, rec remote.Record) (remote.Record, error) {
	if c.InsertErr != nil {
		return nil, c.InsertErr
	}
	row := cloneRecord(rec)
	// Server-assigned identity and timestamp, like a real backend.
	row["id"] = uuid.New().String()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	c.mu.Lock()
	c.tables[table] = append(c.tables[table], row)
	targets := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		if s.table == table && matches(row, s.filter) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		s.onInsert(cloneRecord(row))
	}
	return cloneRecord(row), nil
}

func (c *Channel) Upsert(ctx context.Context, table string, rec remote.Record, conflictKeys []string) error {
	if c.UpsertErr != nil {
		return c.UpsertErr
	}
	row := cloneRecord(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.tables[table] {
		if sameKeys(existing, row, conflictKeys) {
			c.tables[table][i] = row
			return nil
		}
	}
	c.tables[table] = append(c.tables[table], row)
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, table string, filter remote.Filter, onInsert func(remote.Record)) (remote.Subscription, error) {
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	s := &subscription{
		table:    table,
		filter:   filter,
		onInsert: onInsert,
		ch:       c,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Channel) UploadBlob(ctx context.Context, bucket, blobPath string, data []byte) (string, error) {
	if c.UploadErr != nil {
		return "", c.UploadErr
	}
	c.mu.Lock()
	c.blobs[bucket+"/"+blobPath] = append([]byte(nil), data...)
	c.mu.Unlock()
	return c.BlobBaseURL + "/" + path.Join(bucket, blobPath), nil
}

// ActiveSubscriptions reports how many live subscriptions exist; tests use it
// to verify session teardown.
func (c *Channel) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// DropSubscriptions simulates a transport failure: every subscription on the
// table is terminated without being closed by its owner.
func (c *Channel) DropSubscriptions(table string) {
	c.mu.Lock()
	dropped := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		if s.table == table {
			dropped = append(dropped, s)
		}
	}
	c.mu.Unlock()
	for _, s := range dropped {
		s.Close()
	}
}

// Rows returns a snapshot of a table for assertions.
func (c *Channel) Rows(table string) []remote.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]remote.Record, 0, len(c.tables[table]))
	for _, rec := range c.tables[table] {
		rows = append(rows, cloneRecord(rec))
	}
	return rows
}

func (c *Channel) remove(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func cloneRecord(rec remote.Record) remote.Record {
	out := make(remote.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func matchesAll(rec remote.Record, filters []remote.Filter) bool {
	for _, f := range filters {
		if !matches(rec, f) {
			return false
		}
	}
	return true
}

// matches treats an empty column as match-all (used by the activity feed,
// which watches every room at once).
func matches(rec remote.Record, f remote.Filter) bool {
	if f.Column == "" {
		return true
	}
	return fmt.Sprint(rec[f.Column]) == fmt.Sprint(f.Value)
}

// valueLess orders timestamps chronologically and everything else
// lexically by its printed form.
func valueLess(a, b any) bool {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	at, errA := time.Parse(time.RFC3339Nano, as)
	bt, errB := time.Parse(time.RFC3339Nano, bs)
	if errA == nil && errB == nil {
		return at.Before(bt)
	}
	return as < bs
}

func sameKeys(a, b remote.Record, keys []string) bool {
	for _, k := range keys {
		if fmt.Sprint(a[k]) != fmt.Sprint(b[k]) {
			return false
		}
	}
	return len(keys) > 0
}
