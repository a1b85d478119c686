// Package transcode consumes the upstream SSE event stream and re-expresses
// it as OpenAI-style output: a sequence of chat.completion.chunk payloads
// terminated by a [DONE] marker in streaming mode, or a single
// chat.completion object in buffered mode. Both modes share the same event
// interpretation and thinking-content filter.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DoneMarker is the payload of the final streaming element, matching the
// OpenAI SSE terminator.
const DoneMarker = "[DONE]"

// Chunk is one element of the streaming sequence. Payload is either a
// chat.completion.chunk JSON object or the DoneMarker literal.
type Chunk struct {
	Payload []byte
	Err     error
}

// Transcoder interprets one upstream response body. Its lifecycle is bound
// to that body; create a new one per request.
type Transcoder struct {
	model   string
	mode    string
	id      string
	created int64

	usage []byte
}

// New creates a transcoder for one response, labeled with the client-facing
// model identifier. mode is the think-tags transformation mode.
func New(model, mode string) *Transcoder {
	return &Transcoder{
		model:   model,
		mode:    mode,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

// Stream reads the body and emits delta chunks, a terminal chunk, and the
// completion marker. Downstream cancellation via ctx aborts the upstream
// read and releases the body.
func (t *Transcoder) Stream(ctx context.Context, body io.ReadCloser) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		// Abort the blocking read when the downstream caller goes away.
		watcherDone := make(chan struct{})
		defer close(watcherDone)
		go func() {
			select {
			case <-ctx.Done():
				_ = body.Close()
			case <-watcherDone:
			}
		}()

		emit := func(payload []byte) bool {
			select {
			case out <- Chunk{Payload: payload}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := newEventScanner(body)
		for scanner.Scan() {
			data, ok := eventData(scanner.Bytes())
			if !ok {
				continue
			}
			ev, ok := ParseEvent(data)
			if !ok {
				log.Debugf("skipping malformed upstream event: %s", truncateForLog(data))
				continue
			}
			if ev.Err != nil {
				// Vendor-reported errors end the stream gracefully.
				log.Warnf("upstream reported error %d: %s", ev.Err.Code, ev.Err.Detail)
				t.finishStream(emit)
				return
			}
			if ev.Done {
				t.captureUsage(data)
				t.finishStream(emit)
				return
			}
			if ev.Delta == "" {
				continue
			}
			text := ev.Delta
			if ev.Phase == "thinking" {
				text = FilterThinking(text, t.mode)
			}
			if text == "" {
				continue
			}
			if !emit(t.contentChunk(text)) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Debugf("upstream body closed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		// Body closed without a terminal event; finish the sequence anyway.
		t.finishStream(emit)
	}()
	return out
}

// Collect reads the body to completion and returns a chat.completion object
// containing the accumulated answer text.
func (t *Transcoder) Collect(ctx context.Context, body io.ReadCloser) ([]byte, error) {
	defer func() { _ = body.Close() }()

	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-watcherDone:
		}
	}()

	var acc strings.Builder
	scanner := newEventScanner(body)
	for scanner.Scan() {
		data, ok := eventData(scanner.Bytes())
		if !ok {
			continue
		}
		ev, ok := ParseEvent(data)
		if !ok {
			log.Debugf("skipping malformed upstream event: %s", truncateForLog(data))
			continue
		}
		if ev.Err != nil {
			log.Warnf("upstream reported error %d: %s", ev.Err.Code, ev.Err.Detail)
			break
		}
		if ev.Done {
			t.captureUsage(data)
			break
		}
		if ev.Delta == "" {
			continue
		}
		text := ev.Delta
		if ev.Phase == "thinking" {
			text = FilterThinking(text, t.mode)
		}
		acc.WriteString(text)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debugf("upstream body closed: %v", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return t.completion(acc.String()), nil
}

// finishStream emits the terminal chunk followed by the completion marker.
func (t *Transcoder) finishStream(emit func([]byte) bool) {
	if !emit(t.terminalChunk()) {
		return
	}
	emit([]byte(DoneMarker))
}

// captureUsage keeps the usage object from a terminal event, if present.
func (t *Transcoder) captureUsage(data []byte) {
	if usage := gjson.GetBytes(data, "data.usage"); usage.Exists() && usage.IsObject() {
		t.usage = []byte(usage.Raw)
	}
}

func newEventScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

// eventData extracts the JSON payload of one "data: ..." SSE line.
func eventData(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

func truncateForLog(data []byte) string {
	const limit = 256
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
