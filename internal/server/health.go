package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type healthStatus struct {
	Status         string `json:"status"`
	Sockets        int    `json:"sockets"`
	Rooms          int    `json:"rooms"`
	TokenCacheSize int    `json:"tokenCacheSize"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

func (a *App) handleLivez(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, rooms := a.registry.Stats()
	status := healthStatus{
		Status:         "ok",
		Sockets:        sessions,
		Rooms:          rooms,
		TokenCacheSize: a.verifier.CacheSize(),
		UptimeSeconds:  int64(a.clock.Now().Sub(a.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Error("Failed to encode health status", slog.Any("error", err))
	}
}
