package transcode

import (
	"github.com/tidwall/gjson"
)

// UpstreamError is a vendor error payload carried inside an otherwise
// well-formed event.
type UpstreamError struct {
	Code   int64
	Detail string
}

// Event is one parsed upstream SSE event.
type Event struct {
	Type  string
	Phase string
	Delta string
	Done  bool
	Err   *UpstreamError
}

// errorPaths lists where the upstream nests error payloads, outermost first.
var errorPaths = []string{"error", "data.error", "data.data.error", "data.inner.error"}

// ParseEvent decodes the JSON payload of one SSE data line. ok is false for
// malformed payloads, which callers skip without terminating the stream.
func ParseEvent(data []byte) (Event, bool) {
	if !gjson.ValidBytes(data) {
		return Event{}, false
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return Event{}, false
	}

	ev := Event{
		Type:  parsed.Get("type").String(),
		Phase: parsed.Get("data.phase").String(),
		Delta: parsed.Get("data.delta_content").String(),
		Done:  parsed.Get("data.done").Bool(),
	}
	if ev.Phase == "done" {
		ev.Done = true
	}
	for _, path := range errorPaths {
		// A null or scalar error key means "no error"; only an object
		// carries a vendor error payload.
		if errResult := parsed.Get(path); errResult.IsObject() {
			ev.Err = &UpstreamError{
				Code:   errResult.Get("code").Int(),
				Detail: errResult.Get("detail").String(),
			}
			break
		}
	}
	return ev, true
}
