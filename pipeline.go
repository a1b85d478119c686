package zgate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/zgate-proxy/zgate/internal/normalizer"
	"github.com/zgate-proxy/zgate/internal/registry"
	"github.com/zgate-proxy/zgate/internal/transcode"
	"github.com/zgate-proxy/zgate/internal/upstream"
	"github.com/zgate-proxy/zgate/internal/usage"
)

// Request is one chat completion request in OpenAI message form.
type Request struct {
	// Model is the client-facing model identifier.
	Model string

	// Messages is the OpenAI-style messages array.
	Messages json.RawMessage

	// Params holds sampling parameters merged over the model defaults.
	Params map[string]any

	// SessionID groups requests into one upstream conversation. Empty
	// generates a fresh session.
	SessionID string
}

// StreamChunk is one element of a streaming response. Payload is a
// chat.completion.chunk JSON object or the literal [DONE] marker.
type StreamChunk struct {
	Payload []byte
	Err     error
}

type callState struct {
	caps      registry.Capabilities
	sessionID string
	token     string
	anonymous bool
	payload   []byte
	start     time.Time
}

// prepare resolves capabilities, selects a credential, normalizes message
// content, and renders the upstream payload.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*callState, error) {
	p.mu.RLock()
	reg := p.registry
	norm := p.normalizer
	p.mu.RUnlock()

	caps := reg.Resolve(req.Model)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	token, err := p.pool.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	anonymous := p.pool.IsAnonymous(token)

	res, err := norm.Normalize(ctx, req.Messages, caps.Vision, token, anonymous)
	if err != nil {
		return nil, err
	}
	if res.Dropped > 0 {
		log.Warnf("dropped %d media block(s) after failed uploads", res.Dropped)
	}

	payload, _ := upstream.BuildPayload(upstream.PayloadInput{
		Stream:    true,
		Caps:      caps,
		Messages:  res.Messages,
		Files:     res.Files,
		Params:    req.Params,
		ChatID:    sessionID,
		RequestID: uuid.NewString(),
	})

	return &callState{
		caps:      caps,
		sessionID: sessionID,
		token:     token,
		anonymous: anonymous,
		payload:   payload,
		start:     time.Now(),
	}, nil
}

// Stream performs the request and returns the response as a chunk stream.
// The channel is closed after the [DONE] marker or on downstream
// cancellation.
func (p *Pipeline) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	st, err := p.prepare(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, tokenUsed, err := p.client.DoWithToken(ctx, st.payload, st.sessionID, st.token)
	if err != nil {
		cancel()
		p.publish(req, st, true, "error", usage.Detail{})
		return nil, err
	}
	st.anonymous = p.pool.IsAnonymous(tokenUsed)

	tr := transcode.New(req.Model, cfg.ThinkTagsMode)
	out := make(chan StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		var detail usage.Detail
		for chunk := range tr.Stream(ctx, resp.Body) {
			if d, ok := usageFrom(chunk.Payload); ok {
				detail = d
			}
			select {
			case out <- StreamChunk{Payload: chunk.Payload, Err: chunk.Err}:
			case <-ctx.Done():
				p.publish(req, st, true, "error", detail)
				return
			}
		}
		p.publish(req, st, true, "success", detail)
	}()
	return out, nil
}

// Complete performs the request and returns the buffered chat.completion
// object.
func (p *Pipeline) Complete(ctx context.Context, req Request) ([]byte, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	st, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, tokenUsed, err := p.client.DoWithToken(ctx, st.payload, st.sessionID, st.token)
	if err != nil {
		p.publish(req, st, false, "error", usage.Detail{})
		return nil, err
	}
	st.anonymous = p.pool.IsAnonymous(tokenUsed)

	tr := transcode.New(req.Model, cfg.ThinkTagsMode)
	out, err := tr.Collect(ctx, resp.Body)
	if err != nil {
		p.publish(req, st, false, "error", usage.Detail{})
		return nil, err
	}
	detail, _ := usageFrom(out)
	p.publish(req, st, false, "success", detail)
	return out, nil
}

func (p *Pipeline) publish(req Request, st *callState, stream bool, status string, detail usage.Detail) {
	source := "pool"
	if st.anonymous {
		source = "anonymous"
	}
	p.usage.Publish(context.Background(), usage.Record{
		Model:         req.Model,
		UpstreamModel: st.caps.UpstreamID,
		TokenSource:   source,
		Stream:        stream,
		Status:        status,
		RequestedAt:   st.start,
		Duration:      time.Since(st.start),
		Detail:        detail,
	})
}

// usageFrom extracts the usage object from a terminal chunk or completion.
func usageFrom(payload []byte) (usage.Detail, bool) {
	u := gjson.GetBytes(payload, "usage")
	if !u.Exists() || !u.IsObject() {
		return usage.Detail{}, false
	}
	return usage.Detail{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}, true
}

// IsMediaRequest reports whether the messages carry image content that will
// require an upload. Callers can use it to reject media early when serving
// anonymous-only deployments.
func IsMediaRequest(messages json.RawMessage) bool {
	return normalizer.HasMedia(messages)
}
