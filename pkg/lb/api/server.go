// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the read-only HTTP admin surface for the load
// balancer: health and backend status. Reconfiguration endpoints are
// intentionally absent; the roster is fixed after bootstrap.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/dlorenc/tcplb/pkg/lb/roster"
)

// Server is the admin HTTP API server.
type Server struct {
	roster *roster.Roster
	mux    *http.ServeMux
}

// NewServer creates an admin API server over roster.
func NewServer(r *roster.Roster) *Server {
	s := &Server{
		roster: r,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/backends/status", s.handleBackendsStatus)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth reports ok as long as the process is serving requests.
// It does not probe backends; that is out of scope (see Non-goals).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleBackendsStatus returns a point-in-time snapshot of every
// roster backend: name, address, state, active client count, and load
// ratio.
// GET /api/v1/backends/status
func (s *Server) handleBackendsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.roster.Status()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"backends": status,
	})
}
