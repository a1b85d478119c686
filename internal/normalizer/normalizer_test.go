package normalizer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/zgate-proxy/zgate/internal/config"
)

const pixel = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

func dataURL() string {
	return "data:image/png;base64," + pixel
}

func uploadServer(t *testing.T, status int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not a multipart request: %v", err)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"id":"file-%d","filename":"img.png","meta":{"size":68}}`, calls)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHasMedia(t *testing.T) {
	tests := []struct {
		name     string
		messages string
		want     bool
	}{
		{"string content", `[{"role":"user","content":"hi"}]`, false},
		{"text blocks only", `[{"role":"user","content":[{"type":"text","text":"hi"}]}]`, false},
		{"image block", `[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasMedia([]byte(tt.messages)); got != tt.want {
				t.Errorf("HasMedia() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeVisionInlinePlaceholder(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusOK)
	n := New(srv.Client(), srv.URL, config.UploadPolicyDrop)

	messages := fmt.Sprintf(`[{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"%s"}}]}]`, dataURL())
	res, err := n.Normalize(context.Background(), []byte(messages), true, "tok-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	url := gjson.GetBytes(res.Messages, "0.content.1.image_url.url").String()
	if url != "file-1_img.png" {
		t.Fatalf("expected inline placeholder, got %q", url)
	}
	if len(res.Files) != 0 {
		t.Fatalf("vision model must keep files inline, got %d request-level files", len(res.Files))
	}
}

func TestNormalizeNonVisionCollapsesAndAttaches(t *testing.T) {
	srv, calls := uploadServer(t, http.StatusOK)
	n := New(srv.Client(), srv.URL, config.UploadPolicyDrop)

	messages := fmt.Sprintf(`[{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"%s"}},{"type":"text","text":"b"}]}]`, dataURL())
	res, err := n.Normalize(context.Background(), []byte(messages), false, "tok-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content := gjson.GetBytes(res.Messages, "0.content")
	if content.IsArray() || content.String() != "a b" {
		t.Fatalf("expected collapsed text %q, got %q", "a b", content.String())
	}
	if *calls != 1 {
		t.Fatalf("expected the image upload to still happen, got %d uploads", *calls)
	}
	if len(res.Files) != 1 || res.Files[0].ID != "file-1" {
		t.Fatalf("expected request-level file list, got %+v", res.Files)
	}
}

func TestNormalizeUploadFailurePolicies(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusInternalServerError)
	messages := fmt.Sprintf(`[{"role":"user","content":[{"type":"text","text":"x"},{"type":"image_url","image_url":{"url":"%s"}}]}]`, dataURL())

	drop := New(srv.Client(), srv.URL, config.UploadPolicyDrop)
	res, err := drop.Normalize(context.Background(), []byte(messages), true, "tok-1", false)
	if err != nil {
		t.Fatalf("drop policy must not fail the request: %v", err)
	}
	if res.Dropped != 1 {
		t.Fatalf("expected 1 dropped block surfaced, got %d", res.Dropped)
	}
	if count := gjson.GetBytes(res.Messages, "0.content.#").Int(); count != 1 {
		t.Fatalf("failed block should be removed, content has %d blocks", count)
	}

	fail := New(srv.Client(), srv.URL, config.UploadPolicyFail)
	_, err = fail.Normalize(context.Background(), []byte(messages), true, "tok-1", false)
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Failed != 1 {
		t.Fatalf("expected UploadError with 1 failure, got %v", err)
	}
}

func TestNormalizeRejectsAnonymousMedia(t *testing.T) {
	n := New(http.DefaultClient, "http://unused", config.UploadPolicyDrop)
	messages := fmt.Sprintf(`[{"role":"user","content":[{"type":"image_url","image_url":{"url":"%s"}}]}]`, dataURL())
	if _, err := n.Normalize(context.Background(), []byte(messages), true, "anon", true); !errors.Is(err, ErrAnonymousUpload) {
		t.Fatalf("expected ErrAnonymousUpload, got %v", err)
	}

	// Text-only requests pass through even on an anonymous credential.
	textOnly := `[{"role":"user","content":"hi"}]`
	res, err := n.Normalize(context.Background(), []byte(textOnly), true, "anon", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Messages, "0.content").String() != "hi" {
		t.Fatal("text-only message mangled")
	}
}

func TestDecodeDataURL(t *testing.T) {
	data, mime, filename, err := decodeDataURL(dataURL())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := base64.StdEncoding.DecodeString(pixel)
	if string(data) != string(want) {
		t.Fatal("decoded bytes mismatch")
	}
	if mime != "image/png" {
		t.Fatalf("mime = %q", mime)
	}
	if !strings.HasSuffix(filename, ".png") {
		t.Fatalf("filename = %q", filename)
	}

	if _, _, _, err = decodeDataURL("data:no-comma"); err == nil {
		t.Fatal("expected error for malformed data URL")
	}
}
