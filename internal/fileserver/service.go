// Package fileserver stores and serves attachment blobs for the dev server.
// Blobs are addressed as bucket/path and kept gzip-compressed on disk.
package fileserver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/teamline/internal/logger"
)

// BlockedExt lists extensions that are never accepted (executables/scripts).
// Everything else is allowed.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// PutResponse is the answer after a successful upload.
type PutResponse struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Service handles blob upload and download.
type Service struct {
	UploadDir     string
	MaxUploadSize int64
	// PublicBaseURL prefixes the URLs handed back to clients.
	PublicBaseURL string
}

func New(uploadDir string, maxUploadSize int64, publicBaseURL string) *Service {
	return &Service{
		UploadDir:     uploadDir,
		MaxUploadSize: maxUploadSize,
		PublicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("fileserver writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// cleanBlobPath validates a bucket-relative blob path. Empty result means the
// path is unsafe or malformed.
func cleanBlobPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.Contains(p, "..") || strings.Contains(p, "\\") || strings.Contains(p, "\x00") {
		return ""
	}
	cleaned := filepath.Clean(p)
	if cleaned != p || filepath.IsAbs(cleaned) {
		return ""
	}
	return cleaned
}

// Put stores the raw request body under bucket/path and answers with the
// public blob URL.
func (s *Service) Put(w http.ResponseWriter, r *http.Request, bucket, blobPath string) {
	ctx := r.Context()
	blobPath = cleanBlobPath(blobPath)
	if bucket == "" || blobPath == "" {
		s.writeError(w, http.StatusBadRequest, "invalid blob path")
		return
	}
	if BlockedExt[strings.ToLower(filepath.Ext(blobPath))] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize)

	dir := filepath.Join(s.UploadDir, bucket, filepath.Dir(blobPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create upload dir")
		return
	}

	// Stored gzip-compressed to save space.
	dstPath := filepath.Join(s.UploadDir, bucket, blobPath) + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save blob")
		return
	}
	gz := gzip.NewWriter(dst)
	written, err := copyWithContext(ctx, gz, r.Body)
	if err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		if ctx.Err() != nil {
			return
		}
		s.writeError(w, http.StatusRequestEntityTooLarge, "failed to store blob")
		return
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save blob")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save blob")
		return
	}

	s.writeJSON(w, http.StatusCreated, PutResponse{
		URL:  s.PublicBaseURL + "/api/blobs/" + bucket + "/" + blobPath,
		Size: written,
	})
}

// Serve streams a stored blob, decompressing on the way out.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, bucket, blobPath string) {
	blobPath = cleanBlobPath(blobPath)
	if bucket == "" || blobPath == "" {
		s.writeError(w, http.StatusBadRequest, "invalid blob path")
		return
	}
	if ct := contentTypeByExt(filepath.Ext(blobPath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	gzPath := filepath.Join(s.UploadDir, bucket, blobPath) + ".gz"
	if f, err := os.Open(gzPath); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to read blob")
			return
		}
		defer gz.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, gz)
		return
	}
	s.writeError(w, http.StatusNotFound, "blob not found")
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return ""
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
