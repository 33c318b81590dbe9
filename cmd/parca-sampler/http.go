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
package main

import (
	"fmt"
	"html"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parca-dev/parca-sampler/pkg/config"
	parcapprof "github.com/parca-dev/parca-sampler/pkg/pprof"
	"github.com/parca-dev/parca-sampler/pkg/profiler"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/template"
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

const statusPageStacks = 10

type status struct {
	node       string
	version    string
	prof       *sampler.Profiler
	symbolizer parcapprof.Symbolizer
	exporter   *profiler.Exporter
	config     func() *config.Config
}

func newMux(logger log.Logger, reg *prometheus.Registry, s *status) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := s.prof.PrintCounter(w); err != nil {
			level.Error(logger).Log("msg", "failed to write counters", "err", err)
		}
	})

	mux.HandleFunc("/interval", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost, http.MethodPut:
			d, err := time.ParseDuration(r.FormValue("interval"))
			if err != nil {
				http.Error(w, "interval must be a duration, e.g. 500us: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.prof.SetSamplingInterval(int64(d)); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, strconv.FormatInt(s.prof.SamplingInterval(), 10))
	})

	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		prof, err := s.prof.Profile()
		if err != nil {
			http.Error(w, "Unexpected error occurred: "+err.Error(), http.StatusInternalServerError)
			return
		}

		if r.URL.Query().Get("debug") == "1" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<p><a href='/profile'>Download Pprof</a></p>\n")
			fmt.Fprint(w, "<code><pre>\n")
			fmt.Fprint(w, html.EscapeString(prof.String()))
			fmt.Fprint(w, "\n</pre></code>")
			return
		}

		w.Header().Set("Content-Type", "application/vnd.google.protobuf+gzip")
		w.Header().Set("Content-Disposition", "attachment;filename=profile.pb.gz")
		if err := prof.Write(w); err != nil {
			level.Error(logger).Log("msg", "failed to write profile", "err", err)
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := template.StatusPageTemplate.Execute(w, s.page()); err != nil {
			_, err = w.Write([]byte("\n\nUnexpected error occurred while rendering status page: " + err.Error()))
			if err != nil {
				level.Error(logger).Log("msg", "failed to write error message to response", "err", err)
			}
		}
	})

	return mux
}

func (s *status) page() *template.StatusPage {
	c := s.prof.Counters()
	page := &template.StatusPage{
		Node:     s.node,
		Version:  s.version,
		Running:  s.prof.Running(),
		Interval: time.Duration(s.prof.SamplingInterval()),
		Counters: template.Counters{
			Delivered: c.Delivered,
			Captured:  c.Captured,
			Dropped:   c.Dropped,
		},
	}
	for _, reason := range sampler.DropReasons() {
		page.Drops = append(page.Drops, template.Drop{Reason: reason.String(), Count: c.Drops[reason]})
	}

	if s.exporter != nil {
		page.Export = &template.Export{
			Duration:           s.exporter.Duration(),
			LastProfileTakenAt: s.exporter.LastProfileTakenAt(),
			Error:              s.exporter.LastError(),
		}
	}

	for _, h := range s.prof.Threads() {
		page.Threads = append(page.Threads, template.Thread{
			ID:       h.ID(),
			NativeID: h.NativeID(),
			Name:     h.Thread().Name(),
			Slot:     h.Slot(),
			State:    h.State().String(),
		})
	}

	stacks := s.prof.Aggregator().Stacks()
	if len(stacks) > statusPageStacks {
		stacks = stacks[:statusPageStacks]
	}
	for _, st := range stacks {
		top := "<empty>"
		if len(st.Frames) > 0 {
			top = s.frameName(st.Frames[0])
		}
		page.Stacks = append(page.Stacks, template.Stack{Count: st.Count, Top: top, Depth: len(st.Frames)})
	}

	if cfg := s.config(); cfg != nil {
		page.Config = cfg.String()
	}
	return page
}

func (s *status) frameName(f vm.Frame) string {
	loc, err := s.symbolizer.Symbolize(f)
	if err != nil {
		return fmt.Sprintf("0x%x", f.ID)
	}
	return fmt.Sprintf("%s (%s:%d)", loc.Function.Name, loc.Function.Filename, loc.Line)
}
