package eventbus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

const levelTrace = slog.LevelDebug - 4

type slogAdapter struct {
	log *slog.Logger
}

// NewSlogAdapter routes watermill logs to slog.
func NewSlogAdapter(log *slog.Logger) watermill.LoggerAdapter {
	return &slogAdapter{log: log}
}

func (l *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(msg, append(attrs(fields), "err", err)...)
}

func (l *slogAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, attrs(fields)...)
}

func (l *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, attrs(fields)...)
}

func (l *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log.Log(context.Background(), levelTrace, msg, attrs(fields)...)
}

func (l *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{log: l.log.With(attrs(fields)...)}
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
