package logger

import (
	"context"
	"log/slog"
)

// handler adapts Logger to slog.Handler so packages that accept a
// *slog.Logger write through the same transports.
type handler struct {
	logger *Logger
	attrs  []slog.Attr
	group  string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.Enabled(levelFromSlog(level))
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.group, a)
		return true
	})
	ts := r.Time
	if ts.IsZero() {
		ts = h.logger.clock.Now()
	}
	h.logger.logAt(ctx, ts, levelFromSlog(r.Level), r.Message, []any{fields})
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := &handler{logger: h.logger, group: h.group}
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &handler{logger: h.logger, attrs: h.attrs, group: group}
}
