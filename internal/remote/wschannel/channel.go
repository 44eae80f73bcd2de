// Package wschannel implements remote.Channel against the bundled dev server:
// HTTP for queries, inserts, upserts and blob upload, a websocket per
// subscription for the live insert feed.
package wschannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/remote"
)

const (
	subscribeAckWait = 10 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 10 * time.Second
)

// Config carries everything needed to reach one dev server.
type Config struct {
	// BaseURL is the HTTP root, for example "http://localhost:8080".
	BaseURL string
	// AccessKey is sent as X-Access-Key on every request. Empty is allowed
	// when the server runs without a key.
	AccessKey string
	// UserID identifies this client on the feed socket.
	UserID string
	// HTTPTimeout bounds each HTTP call. Zero means 15 seconds.
	HTTPTimeout time.Duration
}

// Channel talks the record API of the dev server.
type Channel struct {
	baseURL   string
	wsURL     string
	accessKey string
	userID    string
	http      *http.Client
	dialer    *websocket.Dialer
}

var _ remote.Channel = (*Channel)(nil)

func New(cfg Config) (*Channel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("wschannel.New: base URL required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("wschannel.New: user id required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("wschannel.New: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("wschannel.New: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("user_id", cfg.UserID)
	if cfg.AccessKey != "" {
		q.Set("access_key", cfg.AccessKey)
	}
	u.RawQuery = q.Encode()

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Channel{
		baseURL:   base,
		wsURL:     u.String(),
		accessKey: cfg.AccessKey,
		userID:    cfg.UserID,
		http:      &http.Client{Timeout: timeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

type queryRequest struct {
	Table   string          `json:"table"`
	Filters []remote.Filter `json:"filters,omitempty"`
	Order   remote.Order    `json:"order,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

type queryResponse struct {
	Rows []remote.Record `json:"rows"`
}

type insertRequest struct {
	Table  string        `json:"table"`
	Record remote.Record `json:"record"`
}

type upsertRequest struct {
	Table        string        `json:"table"`
	Record       remote.Record `json:"record"`
	ConflictKeys []string      `json:"conflict_keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Channel) post(ctx context.Context, path string, body any, wantStatus int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessKey != "" {
		req.Header.Set("X-Access-Key", c.accessKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return remoteError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func remoteError(resp *http.Response) error {
	var er errorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, er.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func (c *Channel) Query(ctx context.Context, table string, filters []remote.Filter, order remote.Order, limit int) ([]remote.Record, error) {
	req := queryRequest{Table: table, Filters: filters, Order: order, Limit: limit}
	var resp queryResponse
	if err := c.post(ctx, "/api/channel/query", req, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("wschannel.Query %s: %w", table, err)
	}
	return resp.Rows, nil
}

func (c *Channel) Insert(ctx context.Context, table string, rec remote.Record) (remote.Record, error) {
	req := insertRequest{Table: table, Record: rec}
	var stored remote.Record
	if err := c.post(ctx, "/api/channel/insert", req, http.StatusCreated, &stored); err != nil {
		return nil, fmt.Errorf("wschannel.Insert %s: %w", table, err)
	}
	return stored, nil
}

func (c *Channel) Upsert(ctx context.Context, table string, rec remote.Record, conflictKeys []string) error {
	req := upsertRequest{Table: table, Record: rec, ConflictKeys: conflictKeys}
	if err := c.post(ctx, "/api/channel/upsert", req, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("wschannel.Upsert %s: %w", table, err)
	}
	return nil
}

// UploadBlob streams data to the blob endpoint and returns the public URL.
func (c *Channel) UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error) {
	target := c.baseURL + "/api/blobs/" + url.PathEscape(bucket) + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("wschannel.UploadBlob: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.accessKey != "" {
		req.Header.Set("X-Access-Key", c.accessKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("wschannel.UploadBlob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("wschannel.UploadBlob: %w", remoteError(resp))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("wschannel.UploadBlob: decode response: %w", err)
	}
	return out.URL, nil
}

// feed frame shapes mirror internal/ws.
type incomingFrame struct {
	Type   string        `json:"type"`
	SubID  string        `json:"sub_id,omitempty"`
	Table  string        `json:"table,omitempty"`
	Filter remote.Filter `json:"filter,omitempty"`
}

type outgoingFrame struct {
	Type   string        `json:"type"`
	SubID  string        `json:"sub_id,omitempty"`
	Table  string        `json:"table,omitempty"`
	Record remote.Record `json:"record,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type subscription struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Subscribe dials a dedicated feed socket, registers the filter, and pumps
// matching inserts to onInsert from a background goroutine. The returned
// subscription's Done channel closes when the socket dies for any reason.
func (c *Channel) Subscribe(ctx context.Context, table string, filter remote.Filter, onInsert func(remote.Record)) (remote.Subscription, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("wschannel.Subscribe: dial: %w", err)
	}

	subID := fmt.Sprintf("%s-%d", table, time.Now().UnixNano())
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(incomingFrame{Type: "subscribe", SubID: subID, Table: table, Filter: filter})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wschannel.Subscribe: send subscribe: %w", err)
	}

	// Wait for the ack before handing the subscription back, so a bad table
	// or filter fails the call instead of dying silently later.
	conn.SetReadDeadline(time.Now().Add(subscribeAckWait))
	var ack outgoingFrame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wschannel.Subscribe: read ack: %w", err)
	}
	if ack.Type == "error" {
		conn.Close()
		return nil, fmt.Errorf("wschannel.Subscribe: %s", ack.Error)
	}
	if ack.Type != "subscribed" || ack.SubID != subID {
		conn.Close()
		return nil, fmt.Errorf("wschannel.Subscribe: unexpected ack frame %q", ack.Type)
	}

	sub := &subscription{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go func() {
		defer close(sub.done)
		for {
			var frame outgoingFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Errorf("wschannel: feed socket %s: %v", subID, err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
			if frame.Type == "insert" && frame.SubID == subID && frame.Record != nil {
				onInsert(frame.Record)
			}
		}
	}()

	return sub, nil
}
