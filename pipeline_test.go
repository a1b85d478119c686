package zgate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/zgate-proxy/zgate/internal/config"
)

func bearerToken(userID string) string {
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"id":"` + userID + `"}`))
	return "eyJhbGciOiJIUzI1NiJ9." + claims + ".sig"
}

type fakeUpstream struct {
	srv       *httptest.Server
	chatCalls atomic.Int64
	authCalls atomic.Int64
	lastAuth  atomic.Value
	lastBody  atomic.Value
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if r.Header.Get("X-Signature") == "" {
			http.Error(w, "missing signature", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("requestId") == "" || r.URL.Query().Get("signature_timestamp") == "" {
			http.Error(w, "missing query params", http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		f.lastBody.Store(string(raw))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\"Hello\"}}\n" +
				"data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\" there\"}}\n" +
				"data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"done\",\"done\":true,\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}}\n"))
	})
	mux.HandleFunc("/api/v1/auths/", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"` + bearerToken("anon") + `"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) config() *config.Config {
	return &config.Config{
		UpstreamURL:   f.srv.URL + "/api/chat/completions",
		AuthURL:       f.srv.URL + "/api/v1/auths/",
		UploadURL:     f.srv.URL + "/api/v1/files/",
		OriginURL:     f.srv.URL,
		Tokens:        []string{bearerToken("u1")},
		SigningSecret: "test-secret",
		ThinkTagsMode: config.ThinkTagsStrip,
	}
}

func simpleMessages() json.RawMessage {
	return json.RawMessage(`[{"role":"user","content":"Say hello"}]`)
}

func TestPipelineComplete(t *testing.T) {
	f := newFakeUpstream(t)
	p, err := New(f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	out, err := p.Complete(context.Background(), Request{
		Model:    "glm-4.5",
		Messages: simpleMessages(),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := gjson.GetBytes(out, "choices.0.message.content").String(); got != "Hello there" {
		t.Errorf("content = %q, want %q", got, "Hello there")
	}
	if got := gjson.GetBytes(out, "usage.total_tokens").Int(); got != 7 {
		t.Errorf("usage.total_tokens = %d, want 7", got)
	}
	if auth, _ := f.lastAuth.Load().(string); auth != "Bearer "+bearerToken("u1") {
		t.Errorf("authorization = %q", auth)
	}
	body, _ := f.lastBody.Load().(string)
	if got := gjson.Get(body, "model").String(); got != "0727-360B-API" {
		t.Errorf("upstream model = %q, want 0727-360B-API", got)
	}
	if !gjson.Get(body, "stream").Bool() {
		t.Error("upstream payload not streaming")
	}
}

func TestPipelineStream(t *testing.T) {
	f := newFakeUpstream(t)
	p, err := New(f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ch, err := p.Stream(context.Background(), Request{
		Model:    "glm-4.5",
		Messages: simpleMessages(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var payloads []string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		payloads = append(payloads, string(chunk.Payload))
	}
	if len(payloads) != 4 {
		t.Fatalf("chunk count = %d, want 4: %v", len(payloads), payloads)
	}
	if got := gjson.Get(payloads[0], "choices.0.delta.content").String(); got != "Hello" {
		t.Errorf("first delta = %q, want Hello", got)
	}
	if got := gjson.Get(payloads[2], "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("terminal finish_reason = %q", got)
	}
	if payloads[3] != "[DONE]" {
		t.Errorf("last payload = %q, want [DONE]", payloads[3])
	}
}

func TestPipelineAnonymousFallback(t *testing.T) {
	f := newFakeUpstream(t)
	cfg := f.config()
	cfg.Tokens = nil
	cfg.AnonymousToken = true

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	out, err := p.Complete(context.Background(), Request{
		Model:    "glm-4.5",
		Messages: simpleMessages(),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := gjson.GetBytes(out, "choices.0.message.content").String(); got != "Hello there" {
		t.Errorf("content = %q", got)
	}
	if f.authCalls.Load() != 1 {
		t.Errorf("auth calls = %d, want 1", f.authCalls.Load())
	}
	if auth, _ := f.lastAuth.Load().(string); !strings.HasPrefix(auth, "Bearer ey") {
		t.Errorf("authorization = %q", auth)
	}
}

func TestPipelineRejectsAnonymousMedia(t *testing.T) {
	f := newFakeUpstream(t)
	cfg := f.config()
	cfg.Tokens = nil
	cfg.AnonymousToken = true

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	messages := json.RawMessage(`[{"role":"user","content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,aGk="}}]}]`)
	if !IsMediaRequest(messages) {
		t.Fatal("IsMediaRequest = false, want true")
	}
	if _, err = p.Complete(context.Background(), Request{Model: "glm-4.5v", Messages: messages}); err == nil {
		t.Fatal("Complete succeeded, want anonymous media rejection")
	}
	if f.chatCalls.Load() != 0 {
		t.Errorf("chat calls = %d, want 0", f.chatCalls.Load())
	}
}

func TestPipelineReloadSwapsTokens(t *testing.T) {
	f := newFakeUpstream(t)
	p, err := New(f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	next := f.config()
	next.Tokens = []string{bearerToken("u2")}
	p.Reload(next)

	if _, err = p.Complete(context.Background(), Request{Model: "glm-4.5", Messages: simpleMessages()}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if auth, _ := f.lastAuth.Load().(string); auth != "Bearer "+bearerToken("u2") {
		t.Errorf("authorization = %q, want rotated token", auth)
	}
}
