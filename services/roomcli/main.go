// roomcli is a terminal client for one room: it opens a live session against
// a dev server, prints messages as they arrive, and sends what you type.
//
//	/ai <text>      send and stream an assistant reply
//	/attach <path>  upload a file and send it
//	/rooms          print unread counts across your rooms
//	/quit           exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/teamline/internal/assist"
	"github.com/teamline/internal/chat"
	"github.com/teamline/internal/config"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote/wschannel"
	"github.com/teamline/internal/upload"
)

func main() {
	logger.SetPrefix("roomcli")
	var (
		backendURL = flag.String("backend", "", "dev server URL (default from BACKEND_URL)")
		accessKey  = flag.String("access-key", "", "access key (default from BACKEND_ACCESS_KEY)")
		roomID     = flag.String("room", "", "room id (required)")
		userID     = flag.String("user", "", "user id (required)")
		userName   = flag.String("name", "", "display name (defaults to user id)")
	)
	flag.Parse()

	cfg := config.Load()
	if *backendURL == "" {
		*backendURL = cfg.Backend.URL
	}
	if *accessKey == "" {
		*accessKey = cfg.Backend.AccessKey
	}
	if *roomID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: roomcli -room <id> -user <id> [-name <display name>]")
		os.Exit(2)
	}
	if *userName == "" {
		*userName = *userID
	}

	ch, err := wschannel.New(wschannel.Config{
		BaseURL:   *backendURL,
		AccessKey: *accessKey,
		UserID:    *userID,
	})
	if err != nil {
		logger.Errorf("channel: %v", err)
		os.Exit(1)
	}

	store := chat.NewStore()
	printer := newPrinter(*userID)
	store.SetOnChange(printer.render)

	session, err := chat.NewSession(ch, store, *roomID, *userID, chat.SessionConfig{})
	if err != nil {
		logger.Errorf("session: %v", err)
		os.Exit(1)
	}

	opts := []chat.PipelineOption{
		chat.WithUploads(
			upload.NewManager(ch, cfg.AttachmentBucket, cfg.MaxUploadSize),
			upload.NewEnricher(ch, 10, time.Second),
		),
	}
	assistantReady := cfg.Assistant.OpenAIKey != "" || cfg.Assistant.AnthropicKey != ""
	if assistantReady {
		router := assist.NewRouter(cfg.Assistant.OpenAIKey, cfg.Assistant.AnthropicKey)
		opts = append(opts, chat.WithAssistant(router, chat.Identity{
			UserID:   cfg.Assistant.UserID,
			UserName: cfg.Assistant.UserName,
		}))
	}
	pipeline := chat.NewPipeline(ch, store, *roomID, chat.Identity{
		UserID:   *userID,
		UserName: *userName,
	}, opts...)

	activity := chat.NewActivityFeed(ch, *userID, chat.SessionConfig{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	history, err := session.Open(openCtx)
	openCancel()
	if err != nil {
		logger.Errorf("open room %s: %v", *roomID, err)
		os.Exit(1)
	}
	printer.render(history)
	if err := activity.Open(ctx); err != nil {
		logger.Errorf("activity feed: %v (continuing without unread counts)", err)
	}
	fmt.Printf("-- joined %s as %s (%d messages) --\n", *roomID, *userName, len(history))

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch {
			case line == "/quit":
				break loop
			case line == "/rooms":
				for _, a := range activity.Snapshot() {
					fmt.Printf("  %s: %d unread, last %s\n",
						a.RoomID, a.UnreadCount, a.LastMessageAt.Local().Format("15:04:05"))
				}
			case strings.HasPrefix(line, "/ai "):
				if !assistantReady {
					fmt.Println("assistant is not configured (set OPENAI_API_KEY or ANTHROPIC_API_KEY)")
					continue
				}
				streamAssistant(ctx, pipeline, cfg.Assistant.DefaultModel, strings.TrimPrefix(line, "/ai "))
			case strings.HasPrefix(line, "/attach "):
				sendAttachment(ctx, pipeline, strings.TrimPrefix(line, "/attach "))
			default:
				if _, err := pipeline.Send(ctx, line, model.KindUser, nil); err != nil {
					fmt.Printf("send failed: %v\n", err)
				}
			}
			activity.MarkRead(ctx, *roomID)
		}
	}

	session.Close()
	activity.Close()
	fmt.Println("-- left room --")
}

func streamAssistant(ctx context.Context, p *chat.Pipeline, modelName, prompt string) {
	var printed int
	res, err := p.SendWithAssistantReply(ctx, prompt, nil, modelName, func(partial string) {
		if len(partial) > printed {
			fmt.Print(partial[printed:])
			printed = len(partial)
		}
	})
	if printed > 0 {
		fmt.Println()
	}
	if err != nil {
		fmt.Printf("assistant send failed: %v\n", err)
		return
	}
	for _, aerr := range res.AttachmentErrors {
		fmt.Printf("attachment skipped: %v\n", aerr)
	}
}

func sendAttachment(ctx context.Context, p *chat.Pipeline, arg string) {
	parts := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	path := parts[0]
	caption := ""
	if len(parts) == 2 {
		caption = parts[1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read %s: %v\n", path, err)
		return
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	res, err := p.Send(ctx, caption, model.KindUser, []upload.File{{
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Data:      data,
	}})
	if err != nil {
		fmt.Printf("send failed: %v\n", err)
		return
	}
	for _, aerr := range res.AttachmentErrors {
		fmt.Printf("attachment skipped: %v\n", aerr)
	}
}

// printer renders only what was appended since the last snapshot, so the
// scrollback reads like a chat log rather than a full repaint.
type printer struct {
	mu     sync.Mutex
	selfID string
	shown  map[string]bool
}

func newPrinter(selfID string) *printer {
	return &printer{selfID: selfID, shown: make(map[string]bool)}
}

func (p *printer) render(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Optimistic || p.shown[m.ID] {
			continue
		}
		p.shown[m.ID] = true
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		if m.SenderID == p.selfID {
			name = "you"
		}
		line := m.Body
		for _, a := range m.Attachments {
			line += fmt.Sprintf(" [%s %s]", a.Name, a.URL)
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), name, strings.TrimSpace(line))
	}
}
