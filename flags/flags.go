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
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/common/model"
	_ "google.golang.org/grpc/encoding/proto"

	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/symbol"
)

const (
	WorkloadModePark    = "park"
	WorkloadModeCompute = "compute"
)

func vars() (kong.Vars, error) {
	hostname, err := os.Hostname()
	return kong.Vars{
		"hostname":                  hostname,
		"default_sampling_interval": sampler.DefaultInterval.String(),
		"default_max_threads":       strconv.Itoa(sampler.DefaultMaxThreads),
		"default_max_stack_depth":   strconv.Itoa(sampler.MaxStackDepth),
		"default_symbol_cache_size": strconv.Itoa(symbol.DefaultCacheSize),
	}, err
}

// Parse parses the process arguments, exiting on invalid input or --help.
func Parse() (Flags, error) {
	flags := Flags{}
	v, hostnameErr := vars() // hostnameErr handled below.
	kong.Parse(&flags, v)

	if flags.Node == "" && hostnameErr != nil {
		return Flags{}, fmt.Errorf("failed to get hostname. Please set it with the --node flag: %w", hostnameErr)
	}
	return flags, nil
}

// ParseArgs parses args without exiting the process.
func ParseArgs(args []string) (Flags, error) {
	flags := Flags{}
	v, hostnameErr := vars()
	parser, err := kong.New(&flags, v, kong.Name("parca-sampler"))
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.Node == "" && hostnameErr != nil {
		return Flags{}, fmt.Errorf("failed to get hostname. Please set it with the --node flag: %w", hostnameErr)
	}
	return flags, nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                 prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072" help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	Node       string `default:"${hostname}" help:"The name of the node that the process is running on."`
	ConfigPath string `default:""            help:"Path to config file."`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	Sampling    FlagsSampling    `embed:"" prefix:"sampling-"`
	Workload    FlagsWorkload    `embed:"" prefix:"workload-"`
	Metadata    FlagsMetadata    `embed:"" prefix:"metadata-"`
	LocalStore  FlagsLocalStore  `embed:"" prefix:"local-store-"`
	RemoteStore FlagsRemoteStore `embed:"" prefix:"remote-store-"`
	OTLP        FlagsOTLP        `embed:"" prefix:"otlp-"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func (f Flags) Validate() error {
	var errs []error

	if f.Sampling.Interval <= 0 {
		errs = append(errs, fmt.Errorf("invalid sampling interval %s: must be positive", f.Sampling.Interval))
	}
	if f.Sampling.MaxThreads <= 0 {
		errs = append(errs, fmt.Errorf("invalid maximum number of threads %d: must be positive", f.Sampling.MaxThreads))
	}
	if f.Sampling.MaxStackDepth <= 0 {
		errs = append(errs, fmt.Errorf("invalid maximum stack depth %d: must be positive", f.Sampling.MaxStackDepth))
	}
	if f.Sampling.ExportDuration <= 0 {
		errs = append(errs, fmt.Errorf("invalid export duration %s: must be positive", f.Sampling.ExportDuration))
	}
	if f.Workload.Threads < 0 || f.Workload.Threads > f.Sampling.MaxThreads {
		errs = append(errs, fmt.Errorf("invalid number of workload threads %d: must be between 0 and %d", f.Workload.Threads, f.Sampling.MaxThreads))
	}
	if f.Workload.Depth <= 0 {
		errs = append(errs, fmt.Errorf("invalid workload depth %d: must be positive", f.Workload.Depth))
	}
	if f.LocalStore.Directory != "" && f.RemoteStore.Address != "" {
		errs = append(errs, errors.New("specified both a local and a remote store; only one is supported"))
	}
	if f.Sampling.FrequencyAggregationDisable && (f.LocalStore.Directory != "" || f.RemoteStore.Address != "") {
		errs = append(errs, errors.New("exporting profiles requires frequency aggregation"))
	}
	for name, value := range f.Metadata.ExternalLabels {
		if !model.LabelName(name).IsValid() || !model.LabelValue(value).IsValid() {
			errs = append(errs, fmt.Errorf("invalid external label %s=%q", name, value))
		}
	}

	return errors.Join(errs...)
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsSampling provides sampler configuration flags.
type FlagsSampling struct {
	Interval       time.Duration `default:"${default_sampling_interval}" help:"Interval between two interrupts of every registered thread."`
	MaxThreads     int           `default:"${default_max_threads}"       help:"The maximum number of threads that can be registered at the same time."`
	MaxStackDepth  int           `default:"${default_max_stack_depth}"   help:"The maximum number of frames captured per sample."`
	ExportDuration time.Duration `default:"10s"                          help:"How often the collected samples are written to the configured store."`

	FrequencyAggregationDisable bool `default:"false" help:"Only count captured samples instead of aggregating them by stack."`
	GoStacks                    bool `default:"false" help:"Capture the Go call stacks of the threads instead of their interpreter frames."`
	SymbolCacheSize             int  `default:"${default_symbol_cache_size}" help:"The number of symbolized program counters to keep when capturing Go call stacks."`
}

// FlagsWorkload configures the synthetic workload profiled by the binary.
type FlagsWorkload struct {
	Threads  int           `default:"5"    help:"Number of worker threads to start."`
	Depth    int           `default:"150"  help:"Call depth every worker recurses to."`
	Mode     string        `default:"park" enum:"park,compute" help:"What workers do at the bottom of their call stack."`
	Duration time.Duration `default:"0"    help:"How long to run the workload for. Zero runs until interrupted."`
}

// FlagsOTLP provides OTLP configuration flags.
type FlagsOTLP struct {
	Address  string `help:"The endpoint to send OTLP traces to."`
	Exporter string `default:"grpc"                              enum:"grpc,http,stdout" help:"The OTLP exporter to use."`
}

// FlagsMetadata provides metadadata configuration flags.
type FlagsMetadata struct {
	ExternalLabels map[string]string `help:"Label(s) to attach to all profiles."`
}

// FlagsLocalStore provides local store configuration flags.
type FlagsLocalStore struct {
	Directory string `help:"The local directory to store the profiling data."`
}

// FlagsRemoteStore provides remote store configuration flags.
type FlagsRemoteStore struct {
	Address            string `help:"gRPC address to send profiles to."`
	BearerToken        string `kong:"help='Bearer token to authenticate with store.',env='PARCA_BEARER_TOKEN'"`
	BearerTokenFile    string `help:"File to read bearer token from to authenticate with store."`
	Insecure           bool   `help:"Send gRPC requests via plaintext instead of TLS."`
	InsecureSkipVerify bool   `help:"Skip TLS certificate verification."`

	RPCLoggingEnable bool          `default:"false" help:"Enable gRPC logging."`
	RPCUnaryTimeout  time.Duration `default:"5m"    help:"Maximum timeout window for unary gRPC requests including retries."`
	WriteMaxRetries  uint64        `default:"5"     help:"The maximum number of retries of a failed profile write."`

	GRPCMaxCallRecvMsgSize   int           `default:"33554432" help:"The maximum message size the client can receive."`
	GRPCMaxCallSendMsgSize   int           `default:"33554432" help:"The maximum message size the client can send."`
	GRPCStartupBackoffTime   time.Duration `default:"1m"       help:"The time between failed gRPC requests during startup phase."`
	GRPCConnectionTimeout    time.Duration `default:"3s"       help:"The timeout duration for gRPC connection establishment."`
	GRPCMaxConnectionRetries uint32        `default:"5"        help:"The maximum number of retries to establish a gRPC connection."`
}
