// Package tokenpool owns the upstream credential set. It hands out tokens in
// round-robin order, demotes credentials that keep failing, and falls back to
// a cached anonymous token fetched from the upstream auth endpoint when no
// configured credential is usable.
package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrTokenExhausted is returned when neither a configured credential nor the
// anonymous fallback can produce a usable token.
var ErrTokenExhausted = errors.New("tokenpool: no usable credential")

const (
	// maxFailures is the consecutive-failure count at which a credential is
	// marked invalid.
	maxFailures = 3

	// anonymousTTL is how long a fetched anonymous token is reused.
	anonymousTTL = time.Hour
)

// Fetcher obtains a fresh anonymous token from the upstream auth endpoint.
type Fetcher func(ctx context.Context) (string, error)

// Credential tracks the health of one configured token.
type Credential struct {
	token    string
	valid    bool
	failures int
	lastUsed time.Time
}

// Pool is the shared credential pool. All mutation of the rotation cursor and
// failure counters happens under the pool mutex; anonymous refresh is
// coalesced through singleflight so concurrent cache misses trigger a single
// fetch.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	cursor int

	fetch Fetcher

	anonMu      sync.RWMutex
	anonToken   string
	anonExpires time.Time
	group       singleflight.Group

	now func() time.Time
}

// New builds a pool over the configured tokens. fetch may be nil when the
// anonymous fallback is disabled.
func New(tokens []string, fetch Fetcher) *Pool {
	p := &Pool{fetch: fetch, now: time.Now}
	p.creds = makeCredentials(tokens)
	return p
}

func makeCredentials(tokens []string) []*Credential {
	creds := make([]*Credential, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		creds = append(creds, &Credential{token: token, valid: true})
	}
	return creds
}

// GetToken selects the next healthy configured credential in round-robin
// order, falling back to the anonymous token when none qualifies.
func (p *Pool) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if c.valid && c.failures < maxFailures {
			p.cursor = (idx + 1) % n
			c.lastUsed = p.now()
			token := c.token
			p.mu.Unlock()
			return token, nil
		}
	}
	p.mu.Unlock()

	return p.anonymous(ctx)
}

// ReportSuccess resets the credential's failure state.
func (p *Pool) ReportSuccess(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.token == token {
			c.failures = 0
			c.valid = true
			return
		}
	}
}

// ReportFailure increments the credential's failure count, invalidating it at
// the threshold, and advances the cursor past the failing slot.
func (p *Pool) ReportFailure(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.creds {
		if c.token != token {
			continue
		}
		c.failures++
		if c.failures >= maxFailures {
			c.valid = false
			log.Warnf("credential demoted after %d consecutive failures", c.failures)
		}
		if len(p.creds) > 0 {
			p.cursor = (i + 1) % len(p.creds)
		}
		return
	}
}

// IsAnonymous reports whether the token is the cached anonymous credential.
func (p *Pool) IsAnonymous(token string) bool {
	p.anonMu.RLock()
	defer p.anonMu.RUnlock()
	return token != "" && token == p.anonToken
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// SetTokens replaces the configured credential set, preserving the health
// state of tokens present in both the old and new sets.
func (p *Pool) SetTokens(tokens []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := make(map[string]*Credential, len(p.creds))
	for _, c := range p.creds {
		old[c.token] = c
	}
	next := makeCredentials(tokens)
	for i, c := range next {
		if prev, ok := old[c.token]; ok {
			next[i] = prev
		}
	}
	p.creds = next
	if len(p.creds) == 0 {
		p.cursor = 0
	} else {
		p.cursor = p.cursor % len(p.creds)
	}
}

// anonymous returns the cached anonymous token, fetching and caching a new
// one when absent or expired.
func (p *Pool) anonymous(ctx context.Context) (string, error) {
	p.anonMu.RLock()
	if p.anonToken != "" && p.now().Before(p.anonExpires) {
		token := p.anonToken
		p.anonMu.RUnlock()
		return token, nil
	}
	p.anonMu.RUnlock()

	if p.fetch == nil {
		return "", ErrTokenExhausted
	}

	result, err, _ := p.group.Do("anonymous", func() (any, error) {
		// Another caller may have refreshed while we waited.
		p.anonMu.RLock()
		if p.anonToken != "" && p.now().Before(p.anonExpires) {
			token := p.anonToken
			p.anonMu.RUnlock()
			return token, nil
		}
		p.anonMu.RUnlock()

		token, errFetch := p.fetch(ctx)
		if errFetch != nil {
			return "", errFetch
		}
		p.anonMu.Lock()
		p.anonToken = token
		p.anonExpires = p.now().Add(anonymousTTL)
		p.anonMu.Unlock()
		log.Debug("anonymous token refreshed")
		return token, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: anonymous fetch failed: %v", ErrTokenExhausted, err)
	}
	return result.(string), nil
}
