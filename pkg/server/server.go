/*
Copyright 2025 The Aibrix Team.

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

// Package server exposes health, status and metrics endpoints of the scaler.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler"
)

// StatusProvider reports the most recent cycle, or nil before the first one.
type StatusProvider interface {
	LastSummary() *poolscaler.CycleSummary
}

type httpServer struct {
	status StatusProvider
}

// NewHTTPServer creates the scaler's HTTP server. Metrics are served from gatherer.
func NewHTTPServer(addr string, status StatusProvider, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewRouter(status, gatherer),
	}
}

// NewRouter builds the route table.
func NewRouter(status StatusProvider, gatherer prometheus.Gatherer) *mux.Router {
	server := &httpServer{status: status}

	r := mux.NewRouter()
	r.HandleFunc("/status", server.lastCycle).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Health related handlers
	r.HandleFunc("/healthz", server.healthz).Methods("GET")
	r.HandleFunc("/readyz", server.readyz).Methods("GET")
	return r
}

func (s *httpServer) lastCycle(w http.ResponseWriter, r *http.Request) {
	summary := s.status.LastSummary()
	if summary == nil {
		http.Error(w, "no scaling cycle has completed yet", http.StatusNotFound)
		return
	}
	jsonBytes, err := json.Marshal(summary)
	if err != nil {
		klog.ErrorS(err, "Failed to marshal cycle summary")
		http.Error(w, "error in processing cycle summary", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonBytes)
}

func (s *httpServer) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz reports ready once the first cycle has run, whatever its result.
func (s *httpServer) readyz(w http.ResponseWriter, r *http.Request) {
	if s.status.LastSummary() == nil {
		http.Error(w, "waiting for first scaling cycle", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
