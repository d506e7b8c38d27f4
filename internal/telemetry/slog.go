package telemetry

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// Handler is a [slog.Handler] that writes to next and also emits every
// enabled record to an OTel logger.
type Handler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	prefix string
}

// NewHandler wraps next. A nil logger uses the global logger provider, which
// is a no-op until [Setup] succeeds.
func NewHandler(next slog.Handler, logger otellog.Logger) *Handler {
	if logger == nil {
		logger = global.GetLoggerProvider().Logger(DefaultServiceName)
	}
	return &Handler{next: next, logger: logger}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	var r otellog.Record
	r.SetTimestamp(rec.Time)
	r.SetBody(otellog.StringValue(rec.Message))
	r.SetSeverity(severity(rec.Level))
	r.SetSeverityText(rec.Level.String())
	r.AddAttributes(h.attrs...)
	rec.Attrs(func(a slog.Attr) bool {
		r.AddAttributes(h.convert(a))
		return true
	})
	h.logger.Emit(ctx, r)

	return h.next.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append(make([]otellog.KeyValue, 0, len(h.attrs)+len(attrs)), h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, h.convert(a))
	}
	return &cp
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *Handler) convert(a slog.Attr) otellog.KeyValue {
	key := h.prefix + a.Key
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		return otellog.Int64(key, v.Int64())
	case slog.KindFloat64:
		return otellog.Float64(key, v.Float64())
	case slog.KindBool:
		return otellog.Bool(key, v.Bool())
	default:
		return otellog.String(key, v.String())
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
