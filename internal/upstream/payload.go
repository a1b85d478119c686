package upstream

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zgate-proxy/zgate/internal/normalizer"
	"github.com/zgate-proxy/zgate/internal/registry"
)

// PayloadInput carries everything needed to assemble the vendor request body.
type PayloadInput struct {
	Stream    bool
	Caps      registry.Capabilities
	Messages  []byte
	Files     []normalizer.UploadedFile
	Params    map[string]any
	ChatID    string
	RequestID string
}

// BuildPayload assembles the vendor-specific JSON body. The returned string
// is the last user message text, echoed into signature_prompt and later fed
// to the signer.
func BuildPayload(in PayloadInput) ([]byte, string) {
	payload := []byte(`{"stream":false,"model":"","messages":[],"params":{},"features":{}}`)
	payload, _ = sjson.SetBytes(payload, "stream", in.Stream)
	payload, _ = sjson.SetBytes(payload, "model", in.Caps.UpstreamID)
	payload, _ = sjson.SetRawBytes(payload, "messages", in.Messages)

	for key, value := range in.Caps.DefaultParams {
		payload, _ = sjson.SetBytes(payload, "params."+key, value)
	}
	for key, value := range in.Params {
		payload, _ = sjson.SetBytes(payload, "params."+key, value)
	}

	payload, _ = sjson.SetBytes(payload, "features.image_generation", false)
	payload, _ = sjson.SetBytes(payload, "features.enable_thinking", in.Caps.Thinking)
	payload, _ = sjson.SetBytes(payload, "features.web_search", in.Caps.Search)
	payload, _ = sjson.SetBytes(payload, "features.auto_web_search", in.Caps.Search)

	payload, _ = sjson.SetBytes(payload, "model_item.id", in.Caps.UpstreamID)
	payload, _ = sjson.SetBytes(payload, "model_item.name", in.Caps.ID)
	payload, _ = sjson.SetBytes(payload, "model_item.owned_by", "openai")

	if in.ChatID != "" {
		payload, _ = sjson.SetBytes(payload, "chat_id", in.ChatID)
	}
	if in.RequestID != "" {
		payload, _ = sjson.SetBytes(payload, "id", in.RequestID)
	}

	for i, file := range in.Files {
		prefix := "files." + strconv.Itoa(i) + "."
		payload, _ = sjson.SetBytes(payload, prefix+"type", "image")
		payload, _ = sjson.SetBytes(payload, prefix+"id", file.ID)
		payload, _ = sjson.SetBytes(payload, prefix+"name", file.Filename)
		payload, _ = sjson.SetBytes(payload, prefix+"size", file.Size)
	}

	lastUserText := ExtractLastUserText(in.Messages)
	payload, _ = sjson.SetBytes(payload, "signature_prompt", lastUserText)
	return payload, lastUserText
}

// ExtractLastUserText returns the text of the last user message. Structured
// content arrays contribute their concatenated text blocks.
func ExtractLastUserText(messages []byte) string {
	msgs := gjson.ParseBytes(messages).Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		content := msgs[i].Get("content")
		if !content.IsArray() {
			return content.String()
		}
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
		return strings.Join(parts, " ")
	}
	return ""
}
