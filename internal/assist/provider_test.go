package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseHandler(t *testing.T, wantPath string, events []string, capture *[]byte) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			t.Errorf("unexpected path %s, want %s", r.URL.Path, wantPath)
		}
		if capture != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read body: %v", err)
			}
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}
}

func TestOpenAIStreamAccumulates(t *testing.T) {
	var reqBody []byte
	srv := httptest.NewServer(sseHandler(t, "/v1/chat/completions", []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{"content":"!"}}]}`,
		`[DONE]`,
	}, &reqBody))
	defer srv.Close()

	c := NewOpenAIClient("test-key")
	c.BaseURL = srv.URL

	var partials []string
	out, err := c.Generate(context.Background(), "gpt-4o",
		Request{Prompt: "greet me"}, func(s string) { partials = append(partials, s) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Hello!" {
		t.Fatalf("unexpected reply %q", out)
	}
	want := []string{"Hel", "Hello", "Hello!"}
	if len(partials) != len(want) {
		t.Fatalf("got %d partials, want %d: %v", len(partials), len(want), partials)
	}
	for i := range want {
		if partials[i] != want[i] {
			t.Fatalf("partial %d = %q, want %q", i, partials[i], want[i])
		}
	}

	var req openAIRequest
	if err := json.Unmarshal(reqBody, &req); err != nil {
		t.Fatalf("unmarshal captured request: %v", err)
	}
	if !req.Stream || req.Model != "gpt-4o" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestOpenAIForwardsImagesAsDataURIs(t *testing.T) {
	var reqBody []byte
	srv := httptest.NewServer(sseHandler(t, "/v1/chat/completions", []string{`[DONE]`}, &reqBody))
	defer srv.Close()

	c := NewOpenAIClient("test-key")
	c.BaseURL = srv.URL
	_, err := c.Generate(context.Background(), "gpt-4o", Request{
		Prompt: "describe",
		Images: []Image{{MediaType: "image/png", Base64: "cGln"}},
	}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(string(reqBody), "data:image/png;base64,cGln") {
		t.Fatalf("image not forwarded as data URI: %s", reqBody)
	}
}

func TestAnthropicStreamAccumulates(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi "}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key")
	c.BaseURL = srv.URL

	var partials []string
	out, err := c.Generate(context.Background(), "claude-sonnet",
		Request{Prompt: "greet me"}, func(s string) { partials = append(partials, s) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Hi there" {
		t.Fatalf("unexpected reply %q", out)
	}
	if len(partials) != 2 || partials[1] != "Hi there" {
		t.Fatalf("unexpected partials %v", partials)
	}
	if gotHeaders.Get("x-api-key") != "test-key" {
		t.Fatalf("missing api key header")
	}
	if gotHeaders.Get("anthropic-version") == "" {
		t.Fatalf("missing version header")
	}
}

func TestGenerateSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key")
	c.BaseURL = srv.URL
	if _, err := c.Generate(context.Background(), "gpt-4o", Request{Prompt: "x"}, nil); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestRouterSelectsByModelPrefix(t *testing.T) {
	r := NewRouter("openai-key", "")
	if r.openAI == nil || r.anthropic != nil {
		t.Fatalf("unexpected router wiring: %+v", r)
	}
	// claude* models demand the Anthropic client, which is not configured.
	if _, err := r.Generate(context.Background(), "claude-sonnet", Request{Prompt: "x"}, nil); err == nil {
		t.Fatalf("expected error for unconfigured anthropic provider")
	}

	r = NewRouter("", "anthropic-key")
	if _, err := r.Generate(context.Background(), "gpt-4o", Request{Prompt: "x"}, nil); err == nil {
		t.Fatalf("expected error for unconfigured openai provider")
	}
}
