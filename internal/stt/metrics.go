package stt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/internal/stt"

type kindKey struct{}

// WithKind tags ctx with the pipeline stage (partial, final, file) for
// telemetry attributes.
func WithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, kindKey{}, kind)
}

func kindFrom(ctx context.Context) string {
	if kind, ok := ctx.Value(kindKey{}).(string); ok {
		return kind
	}
	return "unknown"
}

type instrumented struct {
	Engine
	log      *slog.Logger
	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// Instrument wraps engine so every call records a span, a counter and a
// latency histogram against the global otel providers.
func Instrument(engine Engine, log *slog.Logger) Engine {
	meter := otel.Meter(instrumentationName)
	calls, err := meter.Int64Counter("dictation.transcriptions",
		metric.WithDescription("Transcribe calls by engine, stage and outcome"))
	if err != nil {
		log.Warn("failed to create transcription counter", slogError(err))
	}
	duration, err := meter.Float64Histogram("dictation.inference.duration_ms",
		metric.WithDescription("Engine inference latency"),
		metric.WithUnit("ms"))
	if err != nil {
		log.Warn("failed to create inference histogram", slogError(err))
	}
	return &instrumented{
		Engine:   engine,
		log:      log,
		tracer:   otel.Tracer(instrumentationName),
		calls:    calls,
		duration: duration,
	}
}

func (i *instrumented) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	kind := kindFrom(ctx)
	ctx, span := i.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("engine", i.Name()),
		attribute.String("kind", kind),
		attribute.Int("samples", len(samples)),
	))
	defer span.End()

	started := time.Now()
	result, err := i.Engine.Transcribe(ctx, samples, sampleRate)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	outcome := "ok"
	switch {
	case err == nil && result.Text == "":
		outcome = "empty"
	case errors.Is(err, ErrAudioTooShort):
		outcome = "too_short"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("engine", i.Name()),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	if i.calls != nil {
		i.calls.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed, attrs)
	}
	i.log.Debug("transcription finished",
		slog.String("kind", kind),
		slog.String("outcome", outcome),
		slog.Float64("elapsed_ms", elapsed))
	return result, err
}
