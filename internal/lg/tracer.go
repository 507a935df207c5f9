package lg

import (
	"context"
	"log"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sour-is/livelist/pkg/env"
)

type contextKey struct {
	name string
}

var tracerKey = contextKey{"tracer"}

func toContext[K comparable, V any](ctx context.Context, key K, value V) context.Context {
	return context.WithValue(ctx, key, value)
}
func fromContext[K comparable, V any](ctx context.Context, key K) V {
	var empty V
	if v, ok := ctx.Value(key).(V); ok {
		return v
	}
	return empty
}

// Tracer returns the tracer carried by ctx or the global one.
func Tracer(ctx context.Context) trace.Tracer {
	if t := fromContext[contextKey, trace.Tracer](ctx, tracerKey); t != nil {
		return t
	}
	return otel.Tracer("")
}

// Span starts a span named after the calling function.
func Span(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name := "unknown"
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
		}
		opts = append(opts, trace.WithAttributes(
			attribute.String("pc", fmtPC(file, line)),
		))
	}

	return Tracer(ctx).Start(ctx, name, opts...)
}

// Fork starts a new root span linked to the span in ctx. Used for work that
// outlives the request that started it.
func Fork(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	link := trace.Link{SpanContext: trace.SpanContextFromContext(ctx)}
	opts = append(opts, trace.WithNewRoot(), trace.WithLinks(link))
	return Span(ctx, opts...)
}

// Htrace wraps h so each request starts a server span.
func Htrace(h http.Handler, name string) http.Handler {
	return otelhttp.NewHandler(h, name)
}

func fmtPC(file string, line int) string {
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	var b strings.Builder
	b.WriteString(file)
	b.WriteRune(':')
	b.WriteString(strconv.Itoa(line))
	return b.String()
}

func initTracing(ctx context.Context, name string) (context.Context, func() error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	endpoint := env.Default("LIVELIST_OTLP", "")
	if endpoint == "" {
		return toContext(ctx, tracerKey, otel.Tracer(name)), nil
	}

	host, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(name),
		attribute.String("host", host),
	)

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		log.Println("tracing disabled: ", err)
		return toContext(ctx, tracerKey, otel.Tracer(name)), nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return toContext(ctx, tracerKey, tp.Tracer(name)), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		defer log.Println("tracer stopped")
		return tp.Shutdown(ctx)
	}
}
