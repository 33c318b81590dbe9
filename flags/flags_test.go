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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestParseDefaults(t *testing.T) {
	flags, err := ParseArgs(nil)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7072", flags.HTTPAddress)
	require.Equal(t, "info", flags.Log.Level)
	require.Equal(t, "logfmt", flags.Log.Format)
	require.Equal(t, time.Millisecond, flags.Sampling.Interval)
	require.Equal(t, 1024, flags.Sampling.MaxThreads)
	require.Equal(t, 256, flags.Sampling.MaxStackDepth)
	require.Equal(t, 10*time.Second, flags.Sampling.ExportDuration)
	require.Equal(t, 5, flags.Workload.Threads)
	require.Equal(t, 150, flags.Workload.Depth)
	require.Equal(t, WorkloadModePark, flags.Workload.Mode)
	require.Equal(t, "grpc", flags.OTLP.Exporter)
	require.Empty(t, flags.OTLP.Address)
	require.NoError(t, flags.Validate())
}

func TestParseArgs(t *testing.T) {
	flags, err := ParseArgs([]string{
		"--sampling-interval=250us",
		"--workload-threads=2",
		"--workload-mode=compute",
		"--metadata-external-labels=zone=a",
		"--local-store-directory=/tmp/profiles",
		"--log-format=json",
	})
	require.NoError(t, err)

	require.Equal(t, 250*time.Microsecond, flags.Sampling.Interval)
	require.Equal(t, 2, flags.Workload.Threads)
	require.Equal(t, WorkloadModeCompute, flags.Workload.Mode)
	require.Equal(t, map[string]string{"zone": "a"}, flags.Metadata.ExternalLabels)
	require.Equal(t, "/tmp/profiles", flags.LocalStore.Directory)
	require.NoError(t, flags.Validate())
}

func TestParseArgsRejectsUnknownEnum(t *testing.T) {
	_, err := ParseArgs([]string{"--workload-mode=spin"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"--log-level=trace"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := ParseArgs(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(f *Flags)
	}{
		{
			name:   "zero interval",
			modify: func(f *Flags) { f.Sampling.Interval = 0 },
		},
		{
			name:   "no threads",
			modify: func(f *Flags) { f.Sampling.MaxThreads = 0 },
		},
		{
			name:   "workload larger than registry",
			modify: func(f *Flags) { f.Workload.Threads = f.Sampling.MaxThreads + 1 },
		},
		{
			name: "both stores",
			modify: func(f *Flags) {
				f.LocalStore.Directory = "/tmp"
				f.RemoteStore.Address = "localhost:7070"
			},
		},
		{
			name: "export without aggregation",
			modify: func(f *Flags) {
				f.LocalStore.Directory = "/tmp"
				f.Sampling.FrequencyAggregationDisable = true
			},
		},
		{
			name:   "invalid label",
			modify: func(f *Flags) { f.Metadata.ExternalLabels = map[string]string{"app.name": "x"} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.modify(&f)
			require.Error(t, f.Validate())
		})
	}
}

func TestBearerTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("secret\n"), 0o600))

	f := FlagsRemoteStore{BearerToken: "ignored", BearerTokenFile: path}
	token, err := f.bearerToken()
	require.NoError(t, err)
	require.Equal(t, "secret", token)

	md, err := NewPerRequestBearerToken(token, true).GetRequestMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"authorization": "Bearer secret"}, md)

	_, err = FlagsRemoteStore{BearerTokenFile: filepath.Join(t.TempDir(), "missing")}.bearerToken()
	require.Error(t, err)
}

func TestWaitGrpcEndpointGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := FlagsRemoteStore{
		Address:                  "127.0.0.1:1",
		Insecure:                 true,
		RPCUnaryTimeout:          time.Second,
		GRPCMaxCallRecvMsgSize:   1024,
		GRPCMaxCallSendMsgSize:   1024,
		GRPCStartupBackoffTime:   10 * time.Millisecond,
		GRPCConnectionTimeout:    50 * time.Millisecond,
		GRPCMaxConnectionRetries: 1,
	}
	_, err := f.WaitGrpcEndpoint(ctx, log.NewNopLogger(), prometheus.NewRegistry(), noop.NewTracerProvider())
	require.Error(t, err)
}
