package usage

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// LoggerPlugin outputs every usage record to the application log.
type LoggerPlugin struct{}

// NewLoggerPlugin constructs a new logger plugin instance.
func NewLoggerPlugin() *LoggerPlugin { return &LoggerPlugin{} }

// HandleUsage implements Plugin. Records are marshaled and logged at debug
// level to keep accounting lightweight and non-blocking.
func (p *LoggerPlugin) HandleUsage(ctx context.Context, record Record) {
	data, _ := json.Marshal(record)
	log.Debug(string(data))
}
