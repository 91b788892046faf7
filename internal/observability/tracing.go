package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of every relocation span.
const TracerName = "github.com/signalsfoundry/grn-tapestry"

// Stage is one step of a relocation gesture. Its span is named
// "tapestry.<stage>".
type Stage string

const (
	StageGesture    Stage = "gesture"
	StageChangeNode Stage = "change_node"
	StageChangePad  Stage = "change_pad"
	StageSwapPads   Stage = "swap_pads"
	StageRelocate   Stage = "relocate_segment"
	StagePropagate  Stage = "propagate"
	StageReconcile  Stage = "reconcile"
	StageRelayout   Stage = "relayout"
)

// SpanName returns the span name of the stage.
func (s Stage) SpanName() string { return "tapestry." + string(s) }

// Span attribute keys shared across stages.
const (
	AttrGestureID = attribute.Key("tapestry.gesture_id")
	AttrCommand   = attribute.Key("tapestry.command")
	AttrModel     = attribute.Key("tapestry.model")
	AttrEnd       = attribute.Key("tapestry.end")
	AttrNewNode   = attribute.Key("tapestry.new_node")
	AttrLinks     = attribute.Key("tapestry.links")
	AttrOutcome   = attribute.Key("tapestry.outcome")
	AttrBadLinks  = attribute.Key("tapestry.bad_links")
)

// Tracer returns the relocation tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartStage opens the span of one stage on tracer. The gesture ID carried
// by ctx is attached, so every span of a gesture can be found from the log.
func StartStage(ctx context.Context, tracer trace.Tracer, stage Stage, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	if id := logging.GestureIDFromContext(ctx); id != "" {
		attrs = append(attrs, AttrGestureID.String(id))
	}
	return tracer.Start(ctx, stage.SpanName(), trace.WithAttributes(attrs...))
}

// FailStage records err on span. A nil err leaves the span untouched.
func FailStage(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceConfig selects where relocation spans are exported. An empty or
// "none" exporter keeps tracing off.
type TraceConfig struct {
	Exporter    string // none | stdout | otlp
	Endpoint    string // otlp collector, localhost:4317 when empty
	SampleRatio float64
	Document    string    // recorded on the resource when set
	Writer      io.Writer // stdout exporter target, stderr when nil
}

// Enabled reports whether spans are exported.
func (c TraceConfig) Enabled() bool {
	e := strings.ToLower(c.Exporter)
	return e != "" && e != "none"
}

// TraceConfigFromEnv reads TAPESTRY_TRACE, TAPESTRY_TRACE_ENDPOINT and
// TAPESTRY_TRACE_SAMPLE. Sample ratios outside [0,1] fall back to 1.
func TraceConfigFromEnv() TraceConfig {
	cfg := TraceConfig{
		Exporter:    strings.ToLower(os.Getenv("TAPESTRY_TRACE")),
		Endpoint:    os.Getenv("TAPESTRY_TRACE_ENDPOINT"),
		SampleRatio: 1,
	}
	if raw := os.Getenv("TAPESTRY_TRACE_SAMPLE"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// InitTracing installs the global tracer provider for cfg and returns the
// function that flushes it.
func InitTracing(ctx context.Context, cfg TraceConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !cfg.Enabled() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", "tapestry-relocate")}
	if cfg.Document != "" {
		attrs = append(attrs, attribute.String("tapestry.document", cfg.Document))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("document", cfg.Document),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

// FlushTracing runs shutdown with a five second bound. Failures are logged.
func FlushTracing(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "trace flush failed", logging.Err(err))
	}
}
