/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server serves the statistics over HTTP
type Server struct {
	stats    *Stats
	sys      *SysStats
	interval time.Duration
	handler  http.Handler
}

// NewServer returns Server exporting s. Process statistics are refreshed every
// interval if sys is not nil.
func NewServer(s *Stats, sys *SysStats, interval time.Duration) (*Server, error) {
	registry, err := NewRegistry(s)
	if err != nil {
		return nil, fmt.Errorf("creating prometheus registry: %w", err)
	}
	srv := &Server{stats: s, sys: sys, interval: interval}
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleCountersRequest)
	mux.HandleFunc("/counters", srv.handleCountersRequest)
	mux.HandleFunc("/sources", srv.handleSourcesRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv.handler = mux
	return srv, nil
}

// Handler returns the http handler of the server
func (srv *Server) Handler() http.Handler {
	return srv.handler
}

// Run serves on addr until ctx is cancelled
func (srv *Server) Run(ctx context.Context, addr string) error {
	if srv.sys != nil && srv.interval > 0 {
		go func() {
			t := time.NewTicker(srv.interval)
			defer t.Stop()
			for {
				srv.stats.CollectSysStats(srv.sys)
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}()
	}

	hs := &http.Server{Addr: addr, Handler: srv.handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warningf("monitoring server shutdown: %v", err)
		}
	}()
	log.Infof("Starting http json server on %s", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitoring server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

func (srv *Server) handleCountersRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, srv.stats.GetCounters())
}

func (srv *Server) handleSourcesRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, srv.stats.GetSourceReports())
}
