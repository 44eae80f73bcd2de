package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teamline/internal/assist"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/upload"
)

var (
	// ErrEmptyMessage rejects sends with no body and no attachments.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrUploadsFailed aborts a send whose only content was attachments and
	// none of them uploaded.
	ErrUploadsFailed = errors.New("chat: all attachment uploads failed")
)

// ApologyReply is sent as the assistant message when generation fails, so
// the user's own message is never orphaned or rolled back.
const ApologyReply = "Sorry, I ran into a problem generating a reply. Please try again."

// Identity attributes a message to a sender.
type Identity struct {
	UserID   string
	UserName string
}

// SendResult reports the outcome of one send: the optimistic entry that was
// appended (reconciled later via the change feed) and any per-file upload
// errors, which never fail the send on their own.
type SendResult struct {
	Message          model.Message
	AttachmentErrors []error
}

// Pipeline turns a user action into store mutations and remote writes:
// optimistic append first, remote insert second, rollback on failure.
type Pipeline struct {
	ch        remote.Channel
	store     *Store
	roomID    string
	sender    Identity
	assistant Identity

	uploads  *upload.Manager
	enricher *upload.Enricher
	provider assist.Provider

	// genMu serializes assistant generations: a new request is never
	// started while a previous one for this pipeline is still streaming.
	genMu sync.Mutex

	joinMu          sync.Mutex
	assistantJoined bool
}

// NewPipeline wires a send pipeline to the same store and channel as the
// room's session. uploads, enricher and provider are optional.
func NewPipeline(ch remote.Channel, store *Store, roomID string, sender Identity, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{ch: ch, store: store, roomID: roomID, sender: sender}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type PipelineOption func(*Pipeline)

// WithUploads enables attachment uploads, optionally with background
// enrichment.
func WithUploads(m *upload.Manager, e *upload.Enricher) PipelineOption {
	return func(p *Pipeline) {
		p.uploads = m
		p.enricher = e
	}
}

// WithAssistant enables SendWithAssistantReply using the given provider and
// assistant identity.
func WithAssistant(provider assist.Provider, identity Identity) PipelineOption {
	return func(p *Pipeline) {
		p.provider = provider
		p.assistant = identity
	}
}

// Send validates and dispatches one outgoing message. Attachments upload in
// parallel before the insert; each failure is isolated and reported in the
// result. The optimistic entry appears immediately and is rolled back only
// if the remote insert itself fails.
func (p *Pipeline) Send(ctx context.Context, body string, kind model.Kind, files []upload.File) (*SendResult, error) {
	res, _, err := p.send(ctx, body, kind, files)
	return res, err
}

func (p *Pipeline) send(ctx context.Context, body string, kind model.Kind, files []upload.File) (*SendResult, []upload.Result, error) {
	body = strings.TrimSpace(body)
	if body == "" && len(files) == 0 {
		return nil, nil, ErrEmptyMessage
	}
	if kind == "" {
		kind = model.KindUser
	}

	res := &SendResult{}
	var uploaded []upload.Result
	var atts []model.Attachment
	if len(files) > 0 {
		if p.uploads == nil {
			return nil, nil, errors.New("chat: attachments are not configured")
		}
		uploaded = p.uploads.UploadAll(ctx, p.roomID, files)
		for _, u := range uploaded {
			if u.Err != nil {
				res.AttachmentErrors = append(res.AttachmentErrors, u.Err)
				continue
			}
			atts = append(atts, u.Attachment)
		}
	}
	if body == "" && len(atts) == 0 {
		return res, uploaded, fmt.Errorf("%w: %v", ErrUploadsFailed, errors.Join(res.AttachmentErrors...))
	}

	sender := p.sender
	if kind == model.KindAssistant {
		sender = p.assistant
		p.ensureAssistantMembership(ctx)
	}
	optimistic := p.store.AppendOptimistic(model.Message{
		RoomID:      p.roomID,
		SenderID:    sender.UserID,
		SenderName:  sender.UserName,
		Body:        body,
		Kind:        kind,
		Attachments: atts,
	})

	rec, err := remote.EncodeRecord(optimistic)
	if err == nil {
		// The server assigns identity and timestamp; the local token is
		// never sent.
		delete(rec, "id")
		delete(rec, "created_at")
		_, err = p.ch.Insert(ctx, remote.TableMessages, rec)
	}
	if err != nil {
		p.store.RemoveOptimistic(optimistic.ID)
		return res, uploaded, fmt.Errorf("chat: send room=%s: %w", p.roomID, err)
	}
	res.Message = optimistic

	if p.enricher != nil {
		for _, a := range atts {
			att := a
			go p.enricher.Index(context.Background(), att)
		}
	}
	return res, uploaded, nil
}

// ensureAssistantMembership joins the assistant identity to the room before
// its first reply, the same way Session.Open joins the human user. The
// backend's insert gate accepts members only, and nothing else ever enrolls
// the assistant. On failure the insert below reports the real error; the
// join is retried on the next assistant send.
func (p *Pipeline) ensureAssistantMembership(ctx context.Context) {
	p.joinMu.Lock()
	defer p.joinMu.Unlock()
	if p.assistantJoined {
		return
	}
	rec, err := remote.EncodeRecord(model.Membership{
		RoomID:     p.roomID,
		UserID:     p.assistant.UserID,
		Role:       "assistant",
		LastSeenAt: time.Now().UTC(),
	})
	if err == nil {
		err = p.ch.Upsert(ctx, remote.TableMembership, rec, []string{"room_id", "user_id"})
	}
	if err != nil {
		logger.Errorf("pipeline: join assistant room=%s user=%s: %v", p.roomID, p.assistant.UserID, err)
		return
	}
	p.assistantJoined = true
}

// SendWithAssistantReply sends the user message, then streams a generated
// reply and sends it as a second message of kind=assistant. Generation
// failure degrades to a fixed apology; the user's message is never rolled
// back because of an assistant failure.
func (p *Pipeline) SendWithAssistantReply(ctx context.Context, body string, files []upload.File, modelName string, onPartial func(string)) (*SendResult, error) {
	res, uploaded, err := p.send(ctx, body, model.KindUser, files)
	if err != nil {
		return res, err
	}

	req := assist.Request{Prompt: body}
	for _, u := range uploaded {
		if u.Err == nil && u.EncodedPayload != "" {
			req.Images = append(req.Images, assist.Image{
				MediaType: u.Attachment.MediaType,
				Base64:    u.EncodedPayload,
			})
		}
	}

	p.genMu.Lock()
	reply, genErr := p.generate(ctx, modelName, req, onPartial)
	p.genMu.Unlock()
	if genErr != nil || strings.TrimSpace(reply) == "" {
		logger.Errorf("pipeline: generate reply room=%s model=%s: %v", p.roomID, modelName, genErr)
		reply = ApologyReply
	}

	if _, _, err := p.send(ctx, reply, model.KindAssistant, nil); err != nil {
		return res, fmt.Errorf("chat: send assistant reply: %w", err)
	}
	return res, nil
}

func (p *Pipeline) generate(ctx context.Context, modelName string, req assist.Request, onPartial func(string)) (string, error) {
	if p.provider == nil {
		return "", errors.New("chat: assistant provider not configured")
	}
	defer logger.DeferLogDuration("pipeline.generate", time.Now())()
	return p.provider.Generate(ctx, modelName, req, onPartial)
}
