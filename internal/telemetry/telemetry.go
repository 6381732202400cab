// Package telemetry configures OpenTelemetry tracing for crawls and the
// status server.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how much of a crawl is traced.
type Mode string

const (
	// ModeOff emits no spans.
	ModeOff Mode = "off"
	// ModeErrors samples sparsely, at least 1%.
	ModeErrors Mode = "errors"
	// ModeSampled samples crawl stages at the configured ratio.
	ModeSampled Mode = "sampled"
	// ModeDetailed records every stage plus one span per GitHub request.
	ModeDetailed Mode = "detailed"
)

// ParseMode maps a configured mode name to a Mode. Empty and unknown names are sampled.
func ParseMode(raw string) Mode {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeOff, ModeErrors, ModeDetailed:
		return mode
	default:
		return ModeSampled
	}
}

var currentMode atomic.Value

// CurrentMode reports the mode installed by Setup; ModeOff before Setup runs.
func CurrentMode() Mode {
	if mode, ok := currentMode.Load().(Mode); ok {
		return mode
	}
	return ModeOff
}

func setMode(mode Mode) {
	currentMode.Store(mode)
}

// Config configures tracing.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime holds the installed tracer provider.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs a global tracer provider. A disabled config installs one
// that never samples and forces ModeOff.
func Setup(cfg Config) (Runtime, error) {
	mode := ModeOff
	if cfg.Enabled {
		mode = ParseMode(cfg.TraceMode)
	}
	setMode(mode)

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "bugfind"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return Runtime{TracerProvider: provider, Shutdown: provider.Shutdown}, nil
}

func samplerForMode(mode Mode, ratio float64) sdktrace.Sampler {
	ratio = min(max(ratio, 0), 1)
	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		if ratio <= 0 {
			ratio = 0.01
		}
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the named tracer unless the mode is off.
// The returned Span is nil when nothing is traced; its methods accept nil.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if CurrentMode() == ModeOff {
		return ctx, nil
	}
	return startSpan(ctx, tracerName, spanName, attrs)
}

// StartDependencySpan starts a span for one outbound GitHub request. Those
// spans are only emitted in ModeDetailed.
func StartDependencySpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if CurrentMode() != ModeDetailed {
		return ctx, nil
	}
	return startSpan(ctx, tracerName, spanName, attrs)
}

func startSpan(ctx context.Context, tracerName, spanName string, attrs []attribute.KeyValue) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// Span is a nil-safe wrapper over trace.Span.
type Span struct {
	span trace.Span
}

// SetAttributes adds attributes to the span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s != nil {
		s.span.SetAttributes(attrs...)
	}
}

// Event records a named event.
func (s *Span) Event(name string, attrs ...attribute.KeyValue) {
	if s != nil {
		s.span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// Fail records err and marks the span as failed.
func (s *Span) Fail(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End ends the span.
func (s *Span) End() {
	if s != nil {
		s.span.End()
	}
}
