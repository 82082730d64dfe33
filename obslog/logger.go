// Package obslog provides the structured logger used across the storage
// adapter. Ported from the teacher's utils.Logger: slog-backed, with a
// context-aware variant of each level so call sites that already carry a
// request-scoped set of fields (unit-of-work id, ident, ...) don't have to
// thread them through every call.
package obslog

import (
	"context"
	"log/slog"
	"os"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type defaultLogger struct {
	logger *slog.Logger
}

func New(level slog.Level) Logger {
	return &defaultLogger{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NewNop returns a logger that discards everything - used by tests and by
// callers that don't care to wire a sink.
func NewNop() Logger {
	return &defaultLogger{
		logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

const prefix = "[tokumxse] "

func (d *defaultLogger) Debug(msg string, args ...any) { d.logger.Debug(prefix+msg, args...) }
func (d *defaultLogger) Info(msg string, args ...any)  { d.logger.Info(prefix+msg, args...) }
func (d *defaultLogger) Warn(msg string, args ...any)  { d.logger.Warn(prefix+msg, args...) }
func (d *defaultLogger) Error(msg string, args ...any) { d.logger.Error(prefix+msg, args...) }

type ctxArgsKey struct{}

func getCtxArgs(ctx context.Context) []any {
	v := ctx.Value(ctxArgsKey{})
	if v == nil {
		return nil
	}
	return v.([]any)
}

// WithArgs attaches default key/value pairs that every *Ctx log call made
// with the returned context will append.
func WithArgs(ctx context.Context, args ...any) context.Context {
	all := append(append([]any{}, getCtxArgs(ctx)...), args...)
	return context.WithValue(ctx, ctxArgsKey{}, all)
}

func (d *defaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(prefix+msg, append(args, getCtxArgs(ctx)...)...)
}
func (d *defaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(prefix+msg, append(args, getCtxArgs(ctx)...)...)
}
func (d *defaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(prefix+msg, append(args, getCtxArgs(ctx)...)...)
}
func (d *defaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(prefix+msg, append(args, getCtxArgs(ctx)...)...)
}
