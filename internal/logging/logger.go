// Package logging wires structured logging on top of
// github.com/pitabwire/util, the teacher's own logging foundation
// (internal/framelogging/logger.go), attached to context rather than a
// service registry since this repo has no module system to hang it off.
package logging

import (
	"context"

	"github.com/pitabwire/util"

	"github.com/attemptengine/worker/internal/config"
)

// New builds a util.LogEntry configured from cfg, following the
// teacher's WithLogger option: level from config, stack traces on,
// field set with the component name.
func New(ctx context.Context, cfg config.Configuration, component string) *util.LogEntry {
	var opts []util.Option

	level, err := util.ParseLevel(cfg.LogLevel)
	if err == nil {
		opts = append(opts, util.WithLogLevel(level))
	}
	opts = append(opts, util.WithLogStackTrace())

	log := util.NewLogger(ctx, opts...)
	return log.WithField("component", component)
}

// ToContext attaches log to ctx so nested calls can recover it with
// FromContext instead of threading a logger argument everywhere.
func ToContext(ctx context.Context, log *util.LogEntry) context.Context {
	return log.WithContext(ctx)
}

// FromContext recovers the logger most recently attached with
// ToContext, or a bare default logger if none was attached, matching
// the teacher's loggingService.Log fallback behaviour.
func FromContext(ctx context.Context) *util.LogEntry {
	return util.Log(ctx)
}
