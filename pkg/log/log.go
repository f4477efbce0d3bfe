// Package log attaches the module/path fields kmodctl's subsystems log by,
// on top of github.com/containerd/log's context-carried entry.
package log

import (
	"context"

	"github.com/containerd/log"
)

// G returns the logger stored in ctx, or the default one.
func G(ctx context.Context) *log.Entry {
	return log.G(ctx)
}

// WithModule returns a logger with a "module" field set to name.
func WithModule(ctx context.Context, name string) *log.Entry {
	return log.G(ctx).WithField("module", name)
}

// WithPath returns a logger with a "path" field set.
func WithPath(ctx context.Context, path string) *log.Entry {
	return log.G(ctx).WithField("path", path)
}
