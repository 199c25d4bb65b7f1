package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"permapaste/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Ledger string `json:"ledger"`
	Cache  string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func probe(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return p.Ping(ctx)
}

// Ready fails when the ledger store or a configured Redis is unreachable.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Ledger: "up", Cache: "unavailable"}
	if err := probe(ctx, s.store); err != nil {
		util.Error().Err(err).Msg("ledger store health check failed")
		resp.Ledger = "down"
		resp.Ready = false
	}
	if s.cache != nil {
		resp.Cache = "up"
		if err := probe(ctx, s.cache); err != nil {
			util.Error().Err(err).Msg("cache health check failed")
			resp.Cache = "down"
			resp.Ready = false
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
