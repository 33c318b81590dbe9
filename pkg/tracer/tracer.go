// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracer builds the OpenTelemetry tracer provider used by the
// remote store client and the HTTP server.
package tracer

import (
	"context"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ExporterGRPC   = "grpc"
	ExporterHTTP   = "http"
	ExporterStdout = "stdout"
)

const serviceName = "parca-sampler"

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// NewProvider returns a tracer provider exporting spans with the given
// exporter. Without an address only the stdout exporter, which writes to
// w, is enabled and every other configuration yields a noop provider.
func NewProvider(ctx context.Context, logger log.Logger, exporter, address, version string, w io.Writer) (trace.TracerProvider, ShutdownFunc, error) {
	if address == "" && exporter != ExporterStdout {
		return noop.NewTracerProvider(), noopShutdown, nil
	}

	exp, err := newExporter(ctx, exporter, address, w)
	if err != nil {
		return nil, nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		level.Warn(logger).Log("msg", "opentelemetry error", "err", err)
	}))

	level.Info(logger).Log("msg", "tracing enabled", "exporter", exporter, "address", address)
	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, exporter, address string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch exporter {
	case ExporterGRPC:
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(address),
			otlptracegrpc.WithInsecure(),
		)
	case ExporterHTTP:
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(address),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(w))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}
}
