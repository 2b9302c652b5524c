package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Enabled reports whether span and metric logging has been toggled on.
func Enabled() bool {
	_, cfg := currentLogger()
	return cfg.Enabled
}

// StartSpan records a lightweight span lifecycle around an operation.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, cfg := currentLogger()
	start := time.Now()
	if logger == nil || !cfg.Enabled {
		return ctx, func(err error) {
			if err != nil {
				defaultRegistry.add(component+"."+operation+".errors", 1)
			}
		}
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "obs span start",
		slog.String("component", component),
		slog.String("operation", operation),
	)

	return ctx, func(err error) {
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			level = slog.LevelError
			attrs = append(attrs, slog.Any("error", err))
			defaultRegistry.add(component+"."+operation+".errors", 1)
		}
		logger.LogAttrs(ctx, level, "obs span end", attrs...)
	}
}

// RecordMetric adds value to the named counter and, when enabled, emits a
// metric log line carrying the labels.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	defaultRegistry.add(name, value)

	logger, cfg := currentLogger()
	if logger == nil || !cfg.Enabled {
		return
	}

	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, labels[k]))
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "obs metric", attrs...)
}

// Snapshot returns a copy of all counters accumulated since Setup.
func Snapshot() map[string]float64 {
	return defaultRegistry.snapshot()
}

type registry struct {
	mu       sync.Mutex
	counters map[string]float64
}

var defaultRegistry = &registry{counters: make(map[string]float64)}

func (r *registry) add(name string, value float64) {
	r.mu.Lock()
	r.counters[name] += value
	r.mu.Unlock()
}

func (r *registry) snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

func (r *registry) reset() {
	r.mu.Lock()
	r.counters = make(map[string]float64)
	r.mu.Unlock()
}
