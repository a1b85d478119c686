// Package watcher monitors the configuration file and pushes reloaded
// configurations to the running pipeline, so token lists and tuning changes
// take effect without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/zgate-proxy/zgate/internal/config"
	"github.com/zgate-proxy/zgate/internal/logging"
)

// Watcher monitors one configuration file for content changes.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.RWMutex
	config         *config.Config
	lastConfigHash string
}

// NewWatcher creates a watcher for the given configuration file. The reload
// callback receives every successfully loaded configuration.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SetConfig records the currently active configuration.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		// Editors often truncate before rewriting; the write event follows.
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

// reloadConfig loads the file and hands the result to the callback. A load
// or validation failure keeps the previous configuration active.
func (w *Watcher) reloadConfig() bool {
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	logging.SetDebug(newConfig.Debug)
	if oldConfig != nil {
		if oldConfig.Debug != newConfig.Debug {
			log.Debugf("  debug: %t -> %t", oldConfig.Debug, newConfig.Debug)
		}
		if oldConfig.ProxyURL != newConfig.ProxyURL {
			log.Debugf("  proxy-url: %s -> %s", oldConfig.ProxyURL, newConfig.ProxyURL)
		}
		if len(oldConfig.Tokens) != len(newConfig.Tokens) {
			log.Debugf("  tokens: %d -> %d", len(oldConfig.Tokens), len(newConfig.Tokens))
		}
		if oldConfig.ThinkTagsMode != newConfig.ThinkTagsMode {
			log.Debugf("  think-tags-mode: %s -> %s", oldConfig.ThinkTagsMode, newConfig.ThinkTagsMode)
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}
