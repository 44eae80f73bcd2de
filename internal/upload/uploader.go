// Package upload coordinates attachment uploads for the send pipeline:
// independent parallel per-file uploads, per-file failure isolation, and a
// base64 payload kept for media types the assistant can analyze.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/teamline/internal/model"
	"github.com/teamline/internal/remote"
)

// File is one selected file: name, media type and content.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Result tracks one file from selection through upload completion. Err is
// set when this file's upload failed; other files are unaffected.
type Result struct {
	File       File
	Attachment model.Attachment
	// EncodedPayload holds the base64 content for AI-analyzable media
	// types, used only by the assistant reply path.
	EncodedPayload string
	Err            error
}

// analyzable lists media types the assistant providers accept inline.
var analyzable = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Manager uploads attachment blobs through the remote channel.
type Manager struct {
	ch      remote.Channel
	bucket  string
	maxSize int64
}

func NewManager(ch remote.Channel, bucket string, maxSize int64) *Manager {
	if bucket == "" {
		bucket = "attachments"
	}
	return &Manager{ch: ch, bucket: bucket, maxSize: maxSize}
}

// UploadAll uploads every file concurrently and waits for all of them (the
// message row references already-uploaded metadata, so the send joins here).
// Completion order is irrelevant; results keep the input order.
func (m *Manager) UploadAll(ctx context.Context, roomID string, files []File) []Result {
	results := make([]Result, len(files))
	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		go func(i int, f File) {
			defer wg.Done()
			results[i] = m.uploadOne(ctx, roomID, f)
		}(i, f)
	}
	wg.Wait()
	return results
}

func (m *Manager) uploadOne(ctx context.Context, roomID string, f File) Result {
	res := Result{File: f}
	if len(f.Data) == 0 {
		res.Err = fmt.Errorf("upload %s: empty file", f.Name)
		return res
	}
	if m.maxSize > 0 && int64(len(f.Data)) > m.maxSize {
		res.Err = fmt.Errorf("upload %s: exceeds %d bytes", f.Name, m.maxSize)
		return res
	}

	path := roomID + "/" + uuid.New().String() + filepath.Ext(f.Name)
	url, err := m.ch.UploadBlob(ctx, m.bucket, path, f.Data)
	if err != nil {
		res.Err = fmt.Errorf("upload %s: %w", f.Name, err)
		return res
	}
	res.Attachment = model.Attachment{
		Name:      f.Name,
		Size:      int64(len(f.Data)),
		MediaType: f.MediaType,
		URL:       url,
	}
	if analyzable[f.MediaType] {
		res.EncodedPayload = base64.StdEncoding.EncodeToString(f.Data)
	}
	return res
}
