// Package notification delivers operational alerts: circuit breakers opening,
// critical risk rejections, repeated session failures.
package notification

import (
	"context"
	"log/slog"
	"time"
)

// Event is one alert.
type Event struct {
	Kind     string            `json:"kind"`     // e.g. "breaker_open", "risk_critical"
	Severity string            `json:"severity"` // INFO | WARNING | CRITICAL
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		slog.String("kind", ev.Kind),
		slog.String("severity", ev.Severity),
		slog.String("message", ev.Message),
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	log.Warn("alert: "+ev.Title, attrs...)
	return nil
}

// Fanout delivers to every notifier; the first error wins but all sinks run.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
