package transcode

import (
	"github.com/tidwall/sjson"
)

const (
	chunkTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	completionTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
)

// contentChunk renders one delta carrying a fragment of answer text.
func (t *Transcoder) contentChunk(text string) []byte {
	payload := t.stamp(chunkTemplate)
	payload, _ = sjson.SetBytes(payload, "choices.0.delta.role", "assistant")
	payload, _ = sjson.SetBytes(payload, "choices.0.delta.content", text)
	return payload
}

// terminalChunk renders the closing delta: empty content, finish_reason set.
func (t *Transcoder) terminalChunk() []byte {
	payload := t.stamp(chunkTemplate)
	payload, _ = sjson.SetBytes(payload, "choices.0.finish_reason", "stop")
	if len(t.usage) > 0 {
		payload, _ = sjson.SetRawBytes(payload, "usage", t.usage)
	}
	return payload
}

// completion renders the buffered chat.completion object.
func (t *Transcoder) completion(text string) []byte {
	payload := t.stamp(completionTemplate)
	payload, _ = sjson.SetBytes(payload, "choices.0.message.content", text)
	if len(t.usage) > 0 {
		payload, _ = sjson.SetRawBytes(payload, "usage", t.usage)
	}
	return payload
}

func (t *Transcoder) stamp(template string) []byte {
	payload := []byte(template)
	payload, _ = sjson.SetBytes(payload, "id", t.id)
	payload, _ = sjson.SetBytes(payload, "created", t.created)
	payload, _ = sjson.SetBytes(payload, "model", t.model)
	return payload
}
