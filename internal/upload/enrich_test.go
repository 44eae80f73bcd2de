package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
	"github.com/teamline/internal/remote/memchannel"
)

func TestIndexReturnsWhenBackendMarksReady(t *testing.T) {
	ch := memchannel.New()
	e := NewEnricher(ch, 100, time.Millisecond)
	att := model.Attachment{URL: "mem://blobs/attachments/r1/a.png", MediaType: "image/png"}

	done := make(chan struct{})
	go func() {
		e.Index(context.Background(), att)
		close(done)
	}()

	// Simulate the backend completing the indexing job.
	time.Sleep(5 * time.Millisecond)
	err := ch.Upsert(context.Background(), TableAttachmentIndex,
		remote.Record{"url": att.URL, "media_type": att.MediaType, "status": "ready"},
		[]string{"url"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Index did not return after status flipped to ready")
	}
}

func TestIndexGivesUpAfterAttemptBudget(t *testing.T) {
	ch := memchannel.New()
	e := NewEnricher(ch, 3, time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Index(context.Background(), model.Attachment{URL: "u", MediaType: "image/png"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Index did not stop after exhausting its attempts")
	}
}

func TestIndexSwallowsUpsertErrors(t *testing.T) {
	ch := memchannel.New()
	ch.UpsertErr = errors.New("backend down")
	e := NewEnricher(ch, 3, time.Millisecond)
	// Must log and return, never panic or block.
	e.Index(context.Background(), model.Attachment{URL: "u", MediaType: "image/png"})
}
