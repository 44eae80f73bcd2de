package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/teamline/internal/remote/memchannel"
)

func TestUploadAllIsolatesFailures(t *testing.T) {
	ch := memchannel.New()
	m := NewManager(ch, "attachments", 8)

	results := m.UploadAll(context.Background(), "r1", []File{
		{Name: "ok.txt", MediaType: "text/plain", Data: []byte("small")},
		{Name: "big.bin", MediaType: "application/octet-stream", Data: []byte("way too large")},
		{Name: "empty.txt", MediaType: "text/plain"},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("good file failed: %v", results[0].Err)
	}
	if results[0].Attachment.URL == "" || results[0].Attachment.Size != 5 {
		t.Fatalf("unexpected attachment: %+v", results[0].Attachment)
	}
	if results[1].Err == nil {
		t.Fatalf("oversized file must fail")
	}
	if results[2].Err == nil {
		t.Fatalf("empty file must fail")
	}
}

func TestUploadKeepsPayloadForAnalyzableTypes(t *testing.T) {
	ch := memchannel.New()
	m := NewManager(ch, "attachments", 0)

	results := m.UploadAll(context.Background(), "r1", []File{
		{Name: "pic.png", MediaType: "image/png", Data: []byte("pngdata")},
		{Name: "doc.pdf", MediaType: "application/pdf", Data: []byte("pdfdata")},
	})

	want := base64.StdEncoding.EncodeToString([]byte("pngdata"))
	if results[0].EncodedPayload != want {
		t.Fatalf("image payload not kept: %q", results[0].EncodedPayload)
	}
	if results[1].EncodedPayload != "" {
		t.Fatalf("non-analyzable type must not keep a payload")
	}
}

func TestUploadPathIncludesRoomAndExtension(t *testing.T) {
	ch := memchannel.New()
	m := NewManager(ch, "attachments", 0)

	results := m.UploadAll(context.Background(), "room-7", []File{
		{Name: "report.pdf", MediaType: "application/pdf", Data: []byte("x")},
	})
	url := results[0].Attachment.URL
	if !strings.Contains(url, "/room-7/") || !strings.HasSuffix(url, ".pdf") {
		t.Fatalf("unexpected blob URL %q", url)
	}
}

func TestUploadErrorSurfacesPerFile(t *testing.T) {
	ch := memchannel.New()
	ch.UploadErr = errors.New("storage down")
	m := NewManager(ch, "attachments", 0)

	results := m.UploadAll(context.Background(), "r1", []File{
		{Name: "a.txt", MediaType: "text/plain", Data: []byte("x")},
	})
	if results[0].Err == nil {
		t.Fatalf("expected upload error")
	}
	if !strings.Contains(results[0].Err.Error(), "a.txt") {
		t.Fatalf("error does not name the file: %v", results[0].Err)
	}
}
