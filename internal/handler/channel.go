package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/push"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/repository"
	"github.com/teamline/internal/storage"
	"github.com/teamline/internal/ws"
)

// ChannelHandler exposes the record API the remote channel clients speak:
// query, insert and upsert over a fixed set of tables.
type ChannelHandler struct {
	msgRepo    *repository.MessageRepository
	memberRepo *repository.MembershipRepository
	readRepo   *repository.ReadMarkerRepository
	attachRepo *repository.AttachmentIndexRepository
	hub        *ws.Hub
	notifier   *push.Notifier
	presence   storage.PresenceStore
}

func NewChannelHandler(
	msgRepo *repository.MessageRepository,
	memberRepo *repository.MembershipRepository,
	readRepo *repository.ReadMarkerRepository,
	attachRepo *repository.AttachmentIndexRepository,
	hub *ws.Hub,
	notifier *push.Notifier,
	presence storage.PresenceStore,
) *ChannelHandler {
	return &ChannelHandler{
		msgRepo:    msgRepo,
		memberRepo: memberRepo,
		readRepo:   readRepo,
		attachRepo: attachRepo,
		hub:        hub,
		notifier:   notifier,
		presence:   presence,
	}
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

func filterValue(filters []remote.Filter, column string) string {
	for _, f := range filters {
		if f.Column == column {
			if s, ok := f.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Query answers point-in-time reads per table.
func (h *ChannelHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows []remote.Record
	switch req.Table {
	case remote.TableMessages:
		roomID := filterValue(req.Filters, "room_id")
		if roomID == "" {
			writeError(w, http.StatusBadRequest, "room_id filter required")
			return
		}
		msgs, err := h.msgRepo.ListByRoom(ctx, roomID, limit)
		if err != nil {
			logger.Errorf("channel query messages room=%s: %v", roomID, err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		rows = encodeAll(msgs, req.Order.Desc)
	case remote.TableReadStatus:
		userID := filterValue(req.Filters, "user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id filter required")
			return
		}
		markers, err := h.readRepo.ListByUser(ctx, userID)
		if err != nil {
			logger.Errorf("channel query read_status user=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		rows = encodeAll(markers, false)
	case remote.TableMembership:
		roomID := filterValue(req.Filters, "room_id")
		userID := filterValue(req.Filters, "user_id")
		var members []model.Membership
		var err error
		switch {
		case roomID != "":
			members, err = h.memberRepo.ListByRoom(ctx, roomID)
		case userID != "":
			members, err = h.memberRepo.ListByUser(ctx, userID)
		default:
			writeError(w, http.StatusBadRequest, "room_id or user_id filter required")
			return
		}
		if err != nil {
			logger.Errorf("channel query membership room=%s user=%s: %v", roomID, userID, err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		rows = encodeAll(members, false)
	case "attachment_index":
		url := filterValue(req.Filters, "url")
		if url == "" {
			writeError(w, http.StatusBadRequest, "url filter required")
			return
		}
		entry, err := h.attachRepo.GetByURL(ctx, url)
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusOK, queryResponse{Rows: []remote.Record{}})
			return
		}
		if err != nil {
			logger.Errorf("channel query attachment_index url=%s: %v", url, err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		rows = encodeAll([]repository.AttachmentIndexEntry{*entry}, false)
	default:
		writeError(w, http.StatusBadRequest, "unknown table")
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Rows: rows})
}

// Insert accepts a new message row, assigns server identity and timestamp,
// persists it, and fans it out to feed subscribers and push recipients.
func (h *ChannelHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Table != remote.TableMessages {
		writeError(w, http.StatusBadRequest, "insert supports the messages table only")
		return
	}

	var m model.Message
	if err := remote.DecodeRecord(req.Record, &m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record")
		return
	}
	if m.RoomID == "" || m.SenderID == "" {
		writeError(w, http.StatusBadRequest, "room_id and sender_id required")
		return
	}
	if m.Body == "" && len(m.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "body or attachments required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	isMember, err := h.memberRepo.IsMember(ctx, m.RoomID, m.SenderID)
	if err != nil {
		logger.Errorf("channel insert membership room=%s user=%s: %v", m.RoomID, m.SenderID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	// Server-assigned identity and timestamp; anything the client sent for
	// these fields is discarded.
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	if m.Kind == "" {
		m.Kind = model.KindUser
	}

	if err := h.msgRepo.Create(ctx, &m); err != nil {
		logger.Errorf("channel insert room=%s user=%s: %v", m.RoomID, m.SenderID, err)
		writeError(w, http.StatusInternalServerError, "insert failed")
		return
	}

	rec, err := remote.EncodeRecord(m)
	if err != nil {
		logger.Errorf("channel insert encode: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.hub.BroadcastInsert(remote.TableMessages, rec)

	if err := h.presence.Touch(ctx, m.SenderID); err != nil {
		logger.Errorf("channel insert presence touch user=%s: %v", m.SenderID, err)
	}
	h.notifyMembers(&m)

	writeJSON(w, http.StatusCreated, rec)
}

func (h *ChannelHandler) notifyMembers(m *model.Message) {
	if h.notifier == nil || !h.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	memberIDs, err := h.memberRepo.MemberIDs(ctx, m.RoomID, m.SenderID)
	if err != nil {
		logger.Errorf("channel notify members room=%s: %v", m.RoomID, err)
		return
	}
	title := m.SenderName
	if title == "" {
		title = "New message"
	}
	body := m.Body
	if body == "" {
		body = "Attachment"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"room_id": m.RoomID, "message_id": m.ID}
	go h.notifier.NotifyUsers(context.Background(), memberIDs, title, body, data)
}

// Upsert writes conflict-keyed rows for the side tables.
func (h *ChannelHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	switch req.Table {
	case remote.TableMembership:
		var m model.Membership
		if err := remote.DecodeRecord(req.Record, &m); err != nil || m.RoomID == "" || m.UserID == "" {
			writeError(w, http.StatusBadRequest, "invalid membership record")
			return
		}
		if m.Role == "" {
			m.Role = "member"
		}
		if err := h.memberRepo.Upsert(ctx, &m); err != nil {
			logger.Errorf("channel upsert membership room=%s user=%s: %v", m.RoomID, m.UserID, err)
			writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
	case remote.TableReadStatus:
		var m model.ReadMarker
		if err := remote.DecodeRecord(req.Record, &m); err != nil || m.RoomID == "" || m.UserID == "" {
			writeError(w, http.StatusBadRequest, "invalid read marker record")
			return
		}
		if err := h.readRepo.Upsert(ctx, &m); err != nil {
			logger.Errorf("channel upsert read marker room=%s user=%s: %v", m.RoomID, m.UserID, err)
			writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
	case "attachment_index":
		var e repository.AttachmentIndexEntry
		if err := remote.DecodeRecord(req.Record, &e); err != nil || e.URL == "" {
			writeError(w, http.StatusBadRequest, "invalid attachment index record")
			return
		}
		if err := h.attachRepo.Upsert(ctx, &e); err != nil {
			logger.Errorf("channel upsert attachment_index url=%s: %v", e.URL, err)
			writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown table")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func encodeAll[T any](items []T, reverse bool) []remote.Record {
	rows := make([]remote.Record, 0, len(items))
	for _, item := range items {
		rec, err := remote.EncodeRecord(item)
		if err != nil {
			logger.Errorf("channel encode row: %v", err)
			continue
		}
		rows = append(rows, rec)
	}
	if reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows
}
