package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/backfill"
	"github.com/go-chi/chi/v5"
)

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// StatusSource exposes one chain's backfill progress
type StatusSource interface {
	Chain() string
	Status() backfill.Status
}

// HealthResponse is the liveness response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version,omitempty"`
}

// ComponentHealth is the readiness of one dependency
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// ReadyResponse is the readiness response
type ReadyResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Failed     []string                   `json:"failed_chains,omitempty"`
}

// StatusResponse lists every chain's progress
type StatusResponse struct {
	Timestamp string            `json:"timestamp"`
	Chains    []backfill.Status `json:"chains"`
}

// handleHealth reports that the process is serving
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   s.version,
	})
}

// handleReady runs every registered check concurrently and fails when any
// check fails or any chain has failed its backfill
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ReadyTimeout)
	defer cancel()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]ComponentHealth, len(s.checks))
		ready      = true
	)
	for name, check := range s.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			err := check(ctx)
			h := ComponentHealth{Status: "ok", Latency: time.Since(start).String()}
			if err != nil {
				h.Status = "unavailable"
				h.Message = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			components[name] = h
			if err != nil {
				ready = false
			}
		}(name, check)
	}
	wg.Wait()

	var failed []string
	for _, src := range s.sources {
		if src.Status().State == backfill.StateFailed {
			failed = append(failed, src.Chain())
		}
	}
	sort.Strings(failed)

	resp := ReadyResponse{
		Status:     "ready",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
		Failed:     failed,
	}
	code := http.StatusOK
	if !ready || len(failed) > 0 {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleStatus returns the progress of all chains
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	chains := make([]backfill.Status, 0, len(s.sources))
	for _, src := range s.sources {
		chains = append(chains, src.Status())
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Chains:    chains,
	})
}

// handleChainStatus returns the progress of one chain
func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	chain := chi.URLParam(r, "chain")
	for _, src := range s.sources {
		if src.Chain() == chain {
			writeJSON(w, http.StatusOK, src.Status())
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chain " + chain})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
