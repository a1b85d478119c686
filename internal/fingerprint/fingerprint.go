// Package fingerprint synthesizes browser-like HTTP headers and device/session
// query parameters for outbound upstream calls, so gateway traffic resembles
// the upstream's own web client. A profile is picked at random from a small
// fixed catalogue and cached briefly; the session-specific Referer is
// recomputed on every call.
package fingerprint

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// profileTTL is how long a picked browser profile is reused before a new one
// is chosen.
const profileTTL = 5 * time.Minute

const feVersion = "prod-fe-1.0.95"

// profile bundles the header values and device attributes of one synthetic
// browser.
type profile struct {
	userAgent    string
	secChUa      string
	platform     string
	screenWidth  int
	screenHeight int
	language     string
	timezone     string
}

// catalogue is the fixed set of browser profiles traffic is attributed to.
var catalogue = []profile{
	{
		userAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		secChUa:      `"Google Chrome";v="131", "Chromium";v="131", "Not=A?Brand";v="24"`,
		platform:     `"Windows"`,
		screenWidth:  1920,
		screenHeight: 1080,
		language:     "en-US",
		timezone:     "America/New_York",
	},
	{
		userAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
		secChUa:      `"Chromium";v="130", "Microsoft Edge";v="130", "Not?A_Brand";v="99"`,
		platform:     `"Windows"`,
		screenWidth:  2560,
		screenHeight: 1440,
		language:     "zh-CN",
		timezone:     "Asia/Shanghai",
	},
	{
		userAgent:    "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
		secChUa:      `"Google Chrome";v="132", "Chromium";v="132", "Not_A Brand";v="8"`,
		platform:     `"macOS"`,
		screenWidth:  1728,
		screenHeight: 1117,
		language:     "en-US",
		timezone:     "America/Los_Angeles",
	},
	{
		userAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		secChUa:      `"Google Chrome";v="131", "Chromium";v="131", "Not=A?Brand";v="24"`,
		platform:     `"Linux"`,
		screenWidth:  1920,
		screenHeight: 1200,
		language:     "en-GB",
		timezone:     "Europe/London",
	},
}

// Generator produces fingerprint headers and query parameters. Safe for
// concurrent use.
type Generator struct {
	origin string

	mu      sync.Mutex
	current *profile
	expires time.Time

	now  func() time.Time
	pick func(n int) int
}

// New creates a generator bound to the upstream browser origin
// (e.g. "https://chat.z.ai").
func New(origin string) *Generator {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Generator{
		origin: origin,
		now:    time.Now,
		pick:   rng.Intn,
	}
}

// active returns the cached profile, choosing a new one when the cache has
// expired.
func (g *Generator) active() profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.current == nil || now.After(g.expires) {
		p := catalogue[g.pick(len(catalogue))]
		g.current = &p
		g.expires = now.Add(profileTTL)
	}
	return *g.current
}

// Headers returns browser headers for an upstream call. The Referer is
// derived from the session id on every call even when the underlying profile
// is cached.
func (g *Generator) Headers(sessionID string) map[string]string {
	p := g.active()
	headers := map[string]string{
		"User-Agent":         p.userAgent,
		"sec-ch-ua":          p.secChUa,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": p.platform,
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "same-origin",
		"Accept-Language":    p.language + ",en;q=0.8",
		"X-FE-Version":       feVersion,
		"Origin":             g.origin,
		"Referer":            g.refererFor(sessionID),
	}
	return headers
}

// QueryParams returns the device/session fingerprint query parameters for an
// upstream call, including the caller-supplied timestamp, request id, and
// token-derived user id.
func (g *Generator) QueryParams(timestampMs int64, requestID, token, sessionID string) map[string]string {
	p := g.active()
	currentURL, pathname := g.pageFor(sessionID)
	return map[string]string{
		"timestamp":           fmt.Sprintf("%d", timestampMs),
		"signature_timestamp": fmt.Sprintf("%d", timestampMs),
		"requestId":           requestID,
		"user_id":             UserIDFromToken(token),
		"token":               token,
		"current_url":         currentURL,
		"pathname":            pathname,
		"screen_width":        fmt.Sprintf("%d", p.screenWidth),
		"screen_height":       fmt.Sprintf("%d", p.screenHeight),
		"language":            p.language,
		"timezone":            p.timezone,
		"fe_version":          feVersion,
	}
}

func (g *Generator) refererFor(sessionID string) string {
	if sessionID == "" {
		return g.origin + "/"
	}
	return g.origin + "/c/" + sessionID
}

func (g *Generator) pageFor(sessionID string) (currentURL, pathname string) {
	if sessionID == "" {
		return g.origin + "/", "/"
	}
	return g.origin + "/c/" + sessionID, "/c/" + sessionID
}
