// Package upstream performs the signed, fingerprinted chat call against the
// backend. It composes the token pool, request signer, and fingerprint
// generator into a single call with one bounded credential-rotation retry.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/zgate-proxy/zgate/internal/fingerprint"
	"github.com/zgate-proxy/zgate/internal/signer"
	"github.com/zgate-proxy/zgate/internal/tokenpool"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Msg  string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// StatusCode returns the HTTP status carried by the error.
func (e StatusError) StatusCode() int { return e.Code }

// Client issues signed chat calls to the upstream endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	authURL    string
	pool       *tokenpool.Pool
	signer     *signer.Signer
	fp         *fingerprint.Generator
}

// NewClient wires the upstream call path together.
func NewClient(httpClient *http.Client, endpoint, authURL string, pool *tokenpool.Pool, s *signer.Signer, fp *fingerprint.Generator) *Client {
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		authURL:    authURL,
		pool:       pool,
		signer:     s,
		fp:         fp,
	}
}

// Do selects a credential, performs the call, and on transport or auth
// failure rotates to the next credential exactly once. Every failure is
// reported into the pool so failing credentials get demoted. It returns the
// open response body stream and the token that succeeded.
func (c *Client) Do(ctx context.Context, payload []byte, sessionID string) (*http.Response, string, error) {
	token, err := c.pool.GetToken(ctx)
	if err != nil {
		return nil, "", err
	}
	return c.DoWithToken(ctx, payload, sessionID, token)
}

// DoWithToken is Do with a caller-selected starting credential. Callers that
// uploaded media with a specific token use this so the chat call presents
// the same credential the files were uploaded under.
func (c *Client) DoWithToken(ctx context.Context, payload []byte, sessionID, token string) (*http.Response, string, error) {
	resp, err := c.call(ctx, payload, sessionID, token)
	if err == nil {
		c.pool.ReportSuccess(token)
		return resp, token, nil
	}
	if errors.Is(err, signer.ErrSigningInputMissing) {
		// Not the credential's fault; rotating would not help.
		return nil, "", err
	}
	c.pool.ReportFailure(token)
	log.Warnf("upstream call failed, rotating credential: %v", err)

	next, errNext := c.pool.GetToken(ctx)
	if errNext != nil {
		return nil, "", err
	}
	if next == token {
		// Pool of one; nothing left to rotate to.
		return nil, "", err
	}
	resp, errRetry := c.call(ctx, payload, sessionID, next)
	if errRetry != nil {
		c.pool.ReportFailure(next)
		return nil, "", errRetry
	}
	c.pool.ReportSuccess(next)
	return resp, next, nil
}

// call performs one signed POST to the chat endpoint.
func (c *Client) call(ctx context.Context, payload []byte, sessionID, token string) (*http.Response, error) {
	timestamp := time.Now().UnixMilli()
	requestID := uuid.NewString()
	userID := fingerprint.UserIDFromToken(token)

	messageText := gjson.GetBytes(payload, "signature_prompt").String()
	e := fmt.Sprintf("requestId,%s,timestamp,%d,user_id,%s", requestID, timestamp, userID)
	signature, err := c.signer.Sign(e, messageText, timestamp)
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	for key, value := range c.fp.QueryParams(timestamp, requestID, token, sessionID) {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for key, value := range c.fp.Headers(sessionID) {
		req.Header.Set(key, value)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Signature", signature)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, StatusError{Code: resp.StatusCode, Msg: string(b)}
	}
	return resp, nil
}

// AnonymousFetcher returns a tokenpool.Fetcher that obtains an anonymous
// bearer token from the upstream auth endpoint.
func (c *Client) AnonymousFetcher() tokenpool.Fetcher {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL, nil)
		if err != nil {
			return "", err
		}
		for key, value := range c.fp.Headers("") {
			req.Header.Set(key, value)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return "", StatusError{Code: resp.StatusCode, Msg: resp.Status}
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		token := gjson.GetBytes(body, "token").String()
		if token == "" {
			return "", fmt.Errorf("auth endpoint returned no token")
		}
		return token, nil
	}
}
