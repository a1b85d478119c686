// Package zgate translates OpenAI-style chat completion requests into
// signed, fingerprinted calls against a Z.AI-style backend and re-expresses
// the upstream SSE stream as OpenAI-style output. It manages a rotating
// credential pool with anonymous-token fallback, normalizes media content
// through the upstream file store, and reports per-request usage.
package zgate

import (
	"context"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/zgate-proxy/zgate/internal/config"
	"github.com/zgate-proxy/zgate/internal/fingerprint"
	"github.com/zgate-proxy/zgate/internal/normalizer"
	"github.com/zgate-proxy/zgate/internal/registry"
	"github.com/zgate-proxy/zgate/internal/signer"
	"github.com/zgate-proxy/zgate/internal/tokenpool"
	"github.com/zgate-proxy/zgate/internal/upstream"
	"github.com/zgate-proxy/zgate/internal/usage"
	"github.com/zgate-proxy/zgate/internal/util"
	"github.com/zgate-proxy/zgate/internal/watcher"
)

// Pipeline is the translation core. One Pipeline serves many concurrent
// requests; construct it once and share it.
type Pipeline struct {
	httpClient *http.Client
	pool       *tokenpool.Pool
	client     *upstream.Client
	usage      *usage.Manager

	mu         sync.RWMutex
	cfg        *config.Config
	registry   *registry.Registry
	normalizer *normalizer.Normalizer
}

// New builds a pipeline from the given configuration. Defaults are applied
// and the configuration is validated before any component is constructed.
func New(cfg *config.Config) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	p.httpClient = util.NewHTTPClient(cfg.ProxyURL)

	var fetch tokenpool.Fetcher
	if cfg.AnonymousToken {
		// Late binding: the fetcher needs the upstream client, which in
		// turn needs the pool.
		fetch = func(ctx context.Context) (string, error) {
			return p.client.AnonymousFetcher()(ctx)
		}
	}
	p.pool = tokenpool.New(cfg.Tokens, fetch)
	p.client = upstream.NewClient(
		p.httpClient,
		cfg.UpstreamURL,
		cfg.AuthURL,
		p.pool,
		signer.New(cfg.SigningSecret),
		fingerprint.New(cfg.OriginURL),
	)
	p.registry = registry.New(cfg.Models)
	p.normalizer = normalizer.New(p.httpClient, cfg.UploadURL, cfg.UploadPolicy)

	p.usage = usage.NewManager(0)
	p.usage.Register(usage.NewLoggerPlugin())
	return p, nil
}

// Usage exposes the usage manager so callers can register their own plugins.
func (p *Pipeline) Usage() *usage.Manager { return p.usage }

// Models lists the model identifiers the pipeline currently serves.
func (p *Pipeline) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry.IDs()
}

// Reload applies a new configuration to the running pipeline: the credential
// set, model table, upload policy, and transcoding mode take effect for
// subsequent requests. Endpoint, proxy, and signing changes require a
// restart.
func (p *Pipeline) Reload(cfg *config.Config) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Errorf("rejecting reloaded config: %v", err)
		return
	}
	p.mu.Lock()
	p.cfg = cfg
	p.registry = registry.New(cfg.Models)
	p.normalizer = normalizer.New(p.httpClient, cfg.UploadURL, cfg.UploadPolicy)
	p.mu.Unlock()
	p.pool.SetTokens(cfg.Tokens)
}

// WatchConfig starts a file watcher that hot-reloads the pipeline whenever
// the configuration file changes. The returned function stops the watcher.
func (p *Pipeline) WatchConfig(ctx context.Context, path string) (func() error, error) {
	w, err := watcher.NewWatcher(path, p.Reload)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	w.SetConfig(p.cfg)
	p.mu.RUnlock()
	if err = w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w.Stop, nil
}

// Close stops background workers and flushes pending usage records.
func (p *Pipeline) Close() {
	p.usage.Stop()
}
