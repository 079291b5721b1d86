package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// newStatusRouter exposes the agent's control surface to the editor
// process on loopback: sync state, breaker audit, manual triggers, and
// focus-driven field locks.
func newStatusRouter(rt *agentRuntime) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		status := rt.coord.Status().Get()
		writeJSON(w, http.StatusOK, map[string]any{
			"sync":         status,
			"clock_offset": rt.skew.Offset().String(),
			"circuit_open": rt.guard.Open(),
			"version":      Version,
		})
	})

	r.Get("/audit", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"decisions": rt.guard.Audit(),
		})
	})

	r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
		rt.coord.TriggerSync()
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/breaker/reset", func(w http.ResponseWriter, req *http.Request) {
		rt.guard.Reset()
		rt.coord.TriggerSync()
		w.WriteHeader(http.StatusNoContent)
	})

	// The editor reports focus transitions here so remote merges leave
	// actively edited fields alone.
	r.Post("/locks", func(w http.ResponseWriter, req *http.Request) {
		var body lockRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.EntityID == "" || body.Field == "" {
			http.Error(w, "entity_id and field are required", http.StatusBadRequest)
			return
		}
		rt.locks.Acquire(body.EntityID, body.Field)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Delete("/locks", func(w http.ResponseWriter, req *http.Request) {
		var body lockRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.EntityID == "" || body.Field == "" {
			http.Error(w, "entity_id and field are required", http.StatusBadRequest)
			return
		}
		rt.locks.Release(body.EntityID, body.Field)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/locks/{entityID}", func(w http.ResponseWriter, req *http.Request) {
		entityID := chi.URLParam(req, "entityID")
		writeJSON(w, http.StatusOK, map[string]any{
			"entity_id": entityID,
			"fields":    rt.locks.LockedFields(entityID),
			"as_of":     time.Now().UTC(),
		})
	})

	return r
}

type lockRequest struct {
	EntityID string `json:"entity_id"`
	Field    string `json:"field"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
