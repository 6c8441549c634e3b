// Package telemetry bootstraps the OpenTelemetry pipeline and the process
// logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	UptraceDSNEnv = "UPTRACE_DSN"

	ModeOff    = "off"
	ModeStdout = "stdout"
	ModeOTLP   = "otlp"
)

const (
	uptraceEndpoint     = "otlp.uptrace.dev"
	uptraceGRPCEndpoint = "otlp.uptrace.dev:4317"
)

// Settings selects where telemetry goes.
type Settings struct {
	Mode        string
	ServiceName string
	Version     string
	// Writer receives log records in stdout mode. Defaults to os.Stderr.
	Writer io.Writer
	// Level filters the stderr logger used when telemetry is off.
	Level slog.Leveler
}

func (s Settings) serviceName() string {
	if s.ServiceName == "" {
		return "mailer"
	}
	return s.ServiceName
}

func (s Settings) version() string {
	if s.Version == "" {
		return "dev"
	}
	return s.Version
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline for s.Mode.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, s Settings) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	switch s.Mode {
	case "", ModeOff:
		return shutdown, nil
	case ModeStdout, ModeOTLP:
	default:
		return nil, fmt.Errorf("unknown telemetry mode %q", s.Mode)
	}

	dsn := os.Getenv(UptraceDSNEnv)
	if s.Mode == ModeOTLP && dsn == "" {
		return nil, fmt.Errorf("%s environment variable is required for otlp telemetry", UptraceDSNEnv)
	}

	otel.SetTextMapPropagator(newPropagator())

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", s.serviceName()),
			attribute.String("service.version", s.version()),
		))
	if err != nil {
		handleErr(err)
		return
	}

	if s.Mode == ModeStdout {
		loggerProvider, lerr := newStdoutLoggerProvider(s.Writer, res)
		if lerr != nil {
			handleErr(lerr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
		global.SetLoggerProvider(loggerProvider)
		return shutdown, nil
	}

	tracerProvider, err := newTraceProvider(ctx, dsn, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx, dsn, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	loggerProvider, err := newLoggerProvider(ctx, dsn, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

// NewLogger returns the process logger. With telemetry off it writes JSON to
// stderr; otherwise records go through the global OTel logger provider.
func NewLogger(s Settings) *slog.Logger {
	switch s.Mode {
	case ModeStdout, ModeOTLP:
		return otelslog.NewLogger(s.serviceName(), otelslog.WithVersion(s.version()))
	default:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: s.Level}))
	}
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, dsn string, res *resource.Resource) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(uptraceEndpoint),
		otlptracehttp.WithHeaders(map[string]string{"uptrace-dsn": dsn}),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
		trace.WithBatcher(traceExporter,
			trace.WithMaxQueueSize(10_000),
			trace.WithMaxExportBatchSize(10_000),
			trace.WithBatchTimeout(time.Second)),
	), nil
}

// deltaTemporality reports counters and histograms as deltas, which is what
// Uptrace expects.
func deltaTemporality(kind metric.InstrumentKind) metricdata.Temporality {
	switch kind {
	case metric.InstrumentKindCounter,
		metric.InstrumentKindObservableCounter,
		metric.InstrumentKindHistogram:
		return metricdata.DeltaTemporality
	default:
		return metricdata.CumulativeTemporality
	}
}

func newMeterProvider(ctx context.Context, dsn string, res *resource.Resource) (*metric.MeterProvider, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(uptraceGRPCEndpoint),
		otlpmetricgrpc.WithHeaders(map[string]string{"uptrace-dsn": dsn}),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(deltaTemporality),
	)
	if err != nil {
		return nil, err
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(15*time.Second))),
	), nil
}

func newLoggerProvider(ctx context.Context, dsn string, res *resource.Resource) (*log.LoggerProvider, error) {
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(uptraceEndpoint),
		otlploghttp.WithHeaders(map[string]string{"uptrace-dsn": dsn}),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
	), nil
}

func newStdoutLoggerProvider(w io.Writer, res *resource.Resource) (*log.LoggerProvider, error) {
	if w == nil {
		w = os.Stderr
	}
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
	), nil
}
