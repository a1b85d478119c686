// Package normalizer inspects multimodal message content before it is
// forwarded upstream. Binary media is uploaded to the upstream file store;
// message content is then rewritten according to the target model's declared
// capability: vision models keep an inline placeholder for each image, while
// text-only models receive collapsed text with the uploaded files attached as
// a request-level list.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zgate-proxy/zgate/internal/config"
)

// ErrAnonymousUpload is returned when media normalization is attempted with
// an anonymous credential. The upstream file store rejects anonymous uploads,
// so the request must be refused before any bytes move.
var ErrAnonymousUpload = errors.New("normalizer: media upload requires a configured credential")

// UploadError reports media uploads that failed under the "fail" policy.
type UploadError struct {
	Failed int
	Last   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("normalizer: %d media upload(s) failed: %v", e.Failed, e.Last)
}

func (e *UploadError) Unwrap() error { return e.Last }

// UploadedFile describes one file accepted by the upstream file store.
type UploadedFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
}

// Result is the outcome of normalizing one message list.
type Result struct {
	// Messages is the rewritten OpenAI-style message array.
	Messages []byte
	// Files is the request-level file list for non-vision models.
	Files []UploadedFile
	// Dropped counts media blocks removed because their upload failed.
	Dropped int
}

// Normalizer uploads media and rewrites message content.
type Normalizer struct {
	client    *http.Client
	uploadURL string
	policy    string
}

// New builds a normalizer posting to the given upstream file endpoint.
// policy is one of config.UploadPolicyDrop or config.UploadPolicyFail.
func New(client *http.Client, uploadURL, policy string) *Normalizer {
	return &Normalizer{client: client, uploadURL: uploadURL, policy: policy}
}

// HasMedia reports whether any message carries a non-text content block.
func HasMedia(messages []byte) bool {
	found := false
	gjson.ParseBytes(messages).ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "text" {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

// Normalize rewrites the message array for the target model. vision selects
// inline placeholders versus collapsed text plus a request-level file list.
// anonymous must be true when token is the pool's anonymous credential; media
// content is rejected outright in that case.
func (n *Normalizer) Normalize(ctx context.Context, messages []byte, vision bool, token string, anonymous bool) (Result, error) {
	if anonymous && HasMedia(messages) {
		return Result{}, ErrAnonymousUpload
	}

	out := []byte(`[]`)
	result := Result{}
	state := &walkState{result: &result}

	gjson.ParseBytes(messages).ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			out, _ = sjson.SetRawBytes(out, "-1", []byte(msg.Raw))
			return true
		}
		out, _ = sjson.SetRawBytes(out, "-1", n.normalizeBlocks(ctx, msg, content, vision, token, state))
		return true
	})
	if result.Dropped > 0 && n.policy == config.UploadPolicyFail {
		return Result{}, &UploadError{Failed: result.Dropped, Last: state.lastErr}
	}

	result.Messages = out
	return result, nil
}

// walkState accumulates upload outcomes across one message array.
type walkState struct {
	result  *Result
	lastErr error
}

// normalizeBlocks rewrites one structured content array.
func (n *Normalizer) normalizeBlocks(ctx context.Context, msg, content gjson.Result, vision bool, token string, state *walkState) []byte {
	if !vision {
		return n.collapseToText(ctx, msg, content, token, state)
	}

	blocks := []byte(`[]`)
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			blocks, _ = sjson.SetRawBytes(blocks, "-1", []byte(block.Raw))
		case "image_url":
			url := block.Get("image_url.url").String()
			file, err := n.upload(ctx, url, token)
			if err != nil {
				log.Warnf("media upload failed, dropping block: %v", err)
				state.result.Dropped++
				state.lastErr = err
				return true
			}
			placeholder := fmt.Sprintf("%s_%s", file.ID, file.Filename)
			raw, _ := sjson.Set(block.Raw, "image_url.url", placeholder)
			blocks, _ = sjson.SetRawBytes(blocks, "-1", []byte(raw))
		default:
			log.Warnf("unsupported content block type %q dropped", block.Get("type").String())
		}
		return true
	})

	raw, _ := sjson.SetRaw(msg.Raw, "content", string(blocks))
	return []byte(raw)
}

// collapseToText flattens a structured content array into plain text for
// text-only models. Images are still uploaded; their descriptors move to the
// request-level file list instead of the message body.
func (n *Normalizer) collapseToText(ctx context.Context, msg, content gjson.Result, token string, state *walkState) []byte {
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
		case "image_url":
			url := block.Get("image_url.url").String()
			file, err := n.upload(ctx, url, token)
			if err != nil {
				log.Warnf("media upload failed for text-only model: %v", err)
				state.result.Dropped++
				state.lastErr = err
				return true
			}
			state.result.Files = append(state.result.Files, file)
		default:
			log.Warnf("model without vision capability, dropping %q block", block.Get("type").String())
		}
		return true
	})

	raw, _ := sjson.Set(msg.Raw, "content", strings.Join(parts, " "))
	return []byte(raw)
}
