// Package usage collects per-request usage records and delivers them
// asynchronously to registered plugins, keeping accounting off the request
// path.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record contains the statistics captured for a single translated request.
type Record struct {
	Model         string
	UpstreamModel string
	TokenSource   string // "pool" or "anonymous"
	Stream        bool
	Status        string // "success" or "error"
	RequestedAt   time.Time
	Duration      time.Duration
	Detail        Detail
}

// Detail holds the token usage breakdown reported by the upstream.
type Detail struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Plugin consumes usage records emitted by the pipeline.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

type queueItem struct {
	ctx    context.Context
	record Record
}

// Manager maintains a queue of usage records and delivers them to registered
// plugins.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	queue    chan queueItem

	stopMu  sync.RWMutex
	stopped bool

	pluginsMu sync.RWMutex
	plugins   []Plugin
}

// NewManager constructs a manager with a buffered queue.
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = 256
	}
	return &Manager{queue: make(chan queueItem, buffer)}
}

// Start launches the background dispatcher. Calling Start multiple times is
// safe.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop stops the dispatcher and drains the queue. Records published after
// Stop are dropped; publishers may still be in flight when shutdown begins,
// so the queue channel is never closed.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		m.stopMu.Lock()
		m.stopped = true
		m.stopMu.Unlock()
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Register appends a plugin to the delivery list.
func (m *Manager) Register(plugin Plugin) {
	if m == nil || plugin == nil {
		return
	}
	m.pluginsMu.Lock()
	m.plugins = append(m.plugins, plugin)
	m.pluginsMu.Unlock()
}

// Publish enqueues a usage record for processing. A full queue drops the
// record rather than blocking the request path.
func (m *Manager) Publish(ctx context.Context, record Record) {
	if m == nil {
		return
	}
	m.stopMu.RLock()
	stopped := m.stopped
	m.stopMu.RUnlock()
	if stopped {
		log.Debugf("usage: manager stopped, dropping record for model %s", record.Model)
		return
	}
	// ensure worker is running even if Start was not called explicitly
	m.Start(context.Background())
	select {
	case m.queue <- queueItem{ctx: ctx, record: record}:
	default:
		log.Debugf("usage: queue full, dropping record for model %s", record.Model)
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case item := <-m.queue:
			m.dispatch(item)
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case item := <-m.queue:
			m.dispatch(item)
		default:
			return
		}
	}
}

func (m *Manager) dispatch(item queueItem) {
	m.pluginsMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.pluginsMu.RUnlock()
	if len(plugins) == 0 {
		return
	}
	for _, plugin := range plugins {
		if plugin == nil {
			continue
		}
		safeInvoke(plugin, item.ctx, item.record)
	}
}

func safeInvoke(plugin Plugin, ctx context.Context, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("usage: plugin panic recovered: %v", r)
		}
	}()
	plugin.HandleUsage(ctx, record)
}
