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
package profiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	profilestorepb "github.com/parca-dev/parca/gen/proto/go/parca/profilestore/v1alpha1"
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// FileStore writes profiles to a local directory.
type FileStore struct {
	dir string
}

func NewFileStore(dirPath string) *FileStore {
	return &FileStore{dir: dirPath}
}

func (fs *FileStore) Store(_ context.Context, labels model.LabelSet, prof *profile.Profile) error {
	name := fmt.Sprintf("%s_%03d.pb.gz", string(labels[model.MetricNameLabel]), time.Now().UnixNano())

	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return fmt.Errorf("could not use profile dir, %s: %w", fs.dir, err)
	}

	f, err := os.OpenFile(filepath.Join(fs.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if err := prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// RemoteStore writes profiles to a remote profile store, retrying transient
// failures.
type RemoteStore struct {
	logger             log.Logger
	tracer             trace.Tracer
	profileStoreClient profilestorepb.ProfileStoreServiceClient
	maxRetries         uint64
	// pool of gzip encoders helps to reduce GC pressure.
	pool sync.Pool
}

func NewRemoteStore(logger log.Logger, tracer trace.Tracer, profileStoreClient profilestorepb.ProfileStoreServiceClient, maxRetries uint64) *RemoteStore {
	return &RemoteStore{
		logger:             logger,
		tracer:             tracer,
		profileStoreClient: profileStoreClient,
		maxRetries:         maxRetries,
		pool: sync.Pool{New: func() interface{} {
			z, err := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			if err != nil {
				level.Error(logger).Log("msg", "failed to create gzip writer", "err", err)
				return nil
			}
			return z
		}},
	}
}

func (rs *RemoteStore) Store(ctx context.Context, labels model.LabelSet, prof *profile.Profile) (err error) { //nolint:nonamedreturns
	ctx, span := rs.tracer.Start(ctx, "RemoteStore.Store", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int("samples", len(prof.Sample)),
		attribute.String("profile", string(labels[model.MetricNameLabel])),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
	}()

	buf := bytes.NewBuffer(nil)
	zw := rs.pool.Get().(*gzip.Writer) //nolint:forcetypeassert
	zw.Reset(buf)
	if err := prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		rs.pool.Put(zw)
		return err
	}
	zw.Close()
	rs.pool.Put(zw)

	req := &profilestorepb.WriteRawRequest{
		Series: []*profilestorepb.RawProfileSeries{{
			Labels: &profilestorepb.LabelSet{Labels: convertLabels(labels)},
			Samples: []*profilestorepb.RawSample{{
				RawProfile: buf.Bytes(),
			}},
		}},
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), rs.maxRetries), ctx)
	err = backoff.RetryNotify(func() error {
		_, err := rs.profileStoreClient.WriteRaw(ctx, req)
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		span.AddEvent("retry", trace.WithAttributes(attribute.String("err", err.Error())))
		level.Debug(rs.logger).Log("msg", "profile write failed, retrying", "err", err, "next", next)
	})
	if err != nil {
		return err
	}
	size := proto.Size(req)
	span.SetAttributes(attribute.Int("bytes", size))
	level.Debug(rs.logger).Log("msg", "profile written", "bytes", size)
	return nil
}

func convertLabels(labels model.LabelSet) []*profilestorepb.Label {
	newLabels := make([]*profilestorepb.Label, 0, len(labels))
	for key, value := range labels {
		newLabels = append(newLabels, &profilestorepb.Label{
			Name:  string(key),
			Value: string(value),
		})
	}
	sort.Slice(newLabels, func(i, j int) bool { return newLabels[i].Name < newLabels[j].Name })
	return newLabels
}
