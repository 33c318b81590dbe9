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
package flags

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/timeout"
	"github.com/prometheus/client_golang/prometheus"
	tracing "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// WaitGrpcEndpoint waits until the gRPC connection is established.
func (f FlagsRemoteStore) WaitGrpcEndpoint(ctx context.Context, logger log.Logger, reg prometheus.Registerer, tp trace.TracerProvider) (*grpc.ClientConn, error) {
	metrics := grpc_prometheus.NewClientMetrics(
		grpc_prometheus.WithClientHandlingTimeHistogram(
			grpc_prometheus.WithHistogramOpts(&prometheus.HistogramOpts{
				NativeHistogramBucketFactor: 1.1,
				Buckets:                     nil,
			}),
		),
	)
	reg.MustRegister(metrics)

	opts, err := f.dialOptions(logger, metrics, tp)
	if err != nil {
		return nil, err
	}

	// Fixed backoff with +/- 20% jitter between attempts.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.GRPCStartupBackoffTime
	b.RandomizationFactor = 0.2
	b.Multiplier = 1
	b.MaxInterval = f.GRPCStartupBackoffTime
	b.MaxElapsedTime = 0

	var conn *grpc.ClientConn
	err = backoff.RetryNotify(
		func() error {
			dialCtx, cancel := context.WithTimeout(ctx, f.GRPCConnectionTimeout)
			defer cancel()

			var err error
			//nolint:staticcheck
			conn, err = grpc.DialContext(dialCtx, f.Address, opts...)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.GRPCMaxConnectionRetries)), ctx),
		func(err error, next time.Duration) {
			level.Warn(logger).Log("msg", "failed to setup gRPC connection", "address", f.Address, "retry_in", next, "err", err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", f.Address, err)
	}
	return conn, nil
}

func (f FlagsRemoteStore) dialOptions(logger log.Logger, metrics *grpc_prometheus.ClientMetrics, tp trace.TracerProvider) ([]grpc.DialOption, error) {
	//nolint:staticcheck
	opts := []grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(f.GRPCMaxCallRecvMsgSize),
			grpc.MaxCallSendMsgSize(f.GRPCMaxCallSendMsgSize)),
		grpc.WithReturnConnectionError(),
	}

	if f.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts,
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
				// Support only TLS1.3+ with valid CA certificates
				MinVersion:         tls.VersionTLS13,
				InsecureSkipVerify: f.InsecureSkipVerify,
			})))
	}

	token, err := f.bearerToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(NewPerRequestBearerToken(token, f.Insecure)))
	}

	// tracing
	exemplarFromContext := func(ctx context.Context) prometheus.Labels {
		if span := trace.SpanContextFromContext(ctx); span.IsSampled() {
			return prometheus.Labels{"traceID": span.TraceID().String()}
		}
		return nil
	}
	logTraceID := func(ctx context.Context) logging.Fields {
		if span := trace.SpanContextFromContext(ctx); span.IsSampled() {
			return logging.Fields{"traceID", span.TraceID().String()}
		}
		return nil
	}
	propagators := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	unary := []grpc.UnaryClientInterceptor{
		timeout.UnaryClientInterceptor(f.RPCUnaryTimeout), // 5m by default.
		retry.UnaryClientInterceptor(
			retry.WithBackoff(retry.BackoffExponentialWithJitter(time.Second, 0.1)),
			retry.WithMax(10),
			// Every attempt gets its own deadline so that retries fit into
			// the unary timeout above.
			retry.WithPerRetryTimeout(2*time.Minute),
		),
		metrics.UnaryClientInterceptor(grpc_prometheus.WithExemplarFromContext(exemplarFromContext)),
	}
	stream := []grpc.StreamClientInterceptor{
		metrics.StreamClientInterceptor(grpc_prometheus.WithExemplarFromContext(exemplarFromContext)),
	}
	if f.RPCLoggingEnable {
		unary = append(unary, logging.UnaryClientInterceptor(interceptorLogger(logger), logging.WithFieldsFromContext(logTraceID)))
		stream = append(stream, logging.StreamClientInterceptor(interceptorLogger(logger), logging.WithFieldsFromContext(logTraceID)))
	}

	return append(opts,
		grpc.WithChainUnaryInterceptor(unary...),
		grpc.WithChainStreamInterceptor(stream...),
		grpc.WithStatsHandler(tracing.NewClientHandler(
			tracing.WithTracerProvider(tp),
			tracing.WithPropagators(propagators),
		)),
	), nil
}

func (f FlagsRemoteStore) bearerToken() (string, error) {
	if f.BearerTokenFile == "" {
		return f.BearerToken, nil
	}
	b, err := os.ReadFile(f.BearerTokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read bearer token from file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

type perRequestBearerToken struct {
	token    string
	insecure bool
}

func NewPerRequestBearerToken(token string, insecure bool) *perRequestBearerToken {
	return &perRequestBearerToken{
		token:    token,
		insecure: insecure,
	}
}

func (t *perRequestBearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Bearer " + t.token,
	}, nil
}

func (t *perRequestBearerToken) RequireTransportSecurity() bool {
	return !t.insecure
}

// interceptorLogger adapts go-kit logger to interceptor logger.
func interceptorLogger(l log.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		largs := append([]any{"msg", msg}, fields...)
		switch lvl {
		case logging.LevelDebug:
			_ = level.Debug(l).Log(largs...)
		case logging.LevelInfo:
			_ = level.Info(l).Log(largs...)
		case logging.LevelWarn:
			_ = level.Warn(l).Log(largs...)
		case logging.LevelError:
			_ = level.Error(l).Log(largs...)
		default:
			panic(fmt.Sprintf("unknown level %v", lvl))
		}
	})
}
