package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
)

// TableAttachmentIndex holds backend-side indexing state for uploaded files
// (used for later AI retrieval). The backend flips status to "ready" when
// indexing completes.
const TableAttachmentIndex = "attachment_index"

// Enricher requests background indexing of an uploaded attachment and polls
// for completion with a capped number of attempts. Enrichment is
// fire-and-forget: the message is considered sent once its row is written,
// regardless of the indexing outcome.
type Enricher struct {
	ch          remote.Channel
	maxAttempts int
	interval    time.Duration
}

func NewEnricher(ch remote.Channel, maxAttempts int, interval time.Duration) *Enricher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Enricher{ch: ch, maxAttempts: maxAttempts, interval: interval}
}

// Index kicks off indexing for one attachment and polls until it is ready or
// the attempt budget runs out. Errors are logged, never propagated.
func (e *Enricher) Index(ctx context.Context, att model.Attachment) {
	rec := remote.Record{
		"url":        att.URL,
		"media_type": att.MediaType,
		"status":     "pending",
	}
	if err := e.ch.Upsert(ctx, TableAttachmentIndex, rec, []string{"url"}); err != nil {
		logger.Errorf("enrich: request index %s: %v", att.URL, err)
		return
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		status, err := e.status(ctx, att.URL)
		if err != nil {
			logger.Errorf("enrich: poll %s attempt=%d: %v", att.URL, attempt, err)
		} else if status == "ready" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
	logger.Errorf("enrich: gave up on %s after %d attempts", att.URL, e.maxAttempts)
}

func (e *Enricher) status(ctx context.Context, url string) (string, error) {
	rows, err := e.ch.Query(ctx, TableAttachmentIndex,
		[]remote.Filter{{Column: "url", Value: url}}, remote.Order{}, 1)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", remote.ErrNotFound
	}
	return fmt.Sprint(rows[0]["status"]), nil
}
