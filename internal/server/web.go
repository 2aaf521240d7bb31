package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/warpdl/racecard/internal/store"
)

func (s *Server) serverTime() string {
	return s.rpc.now().In(s.rpc.loc).Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server_time": s.serverTime()})
}

// handleLatest returns the newest snapshot's payload merged with its ids.
// An empty store is not an error.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rpc.snapshotLatest(r.Context())
	if err != nil {
		if isCode(err, codeNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"error": "no snapshots yet", "server_time": s.serverTime()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flatten(snap))
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	p := &RaceListParams{Day: r.URL.Query().Get("day")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "limit must be an integer"})
			return
		}
		p.Limit = &n
	}
	res, err := s.rpc.raceList(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Races)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	res, err := s.rpc.raceCollect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	res, err := s.rpc.raceScrape(r.Context(), &RaceParam{RaceID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rpc.snapshotGet(r.Context(), &RaceParam{RaceID: r.PathValue("id")})
	if err != nil {
		if isCode(err, codeNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"detail": "no snapshot for that race"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flatten(snap))
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	res, err := s.rpc.triggerList(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Triggers)
}

// flatten merges the snapshot's ids into its payload object. Non-object
// payloads are nested under "payload".
func flatten(snap *store.Snapshot) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(snap.Payload, &out); err != nil || out == nil {
		out = map[string]any{"payload": snap.Payload}
	}
	out["snapshot_id"] = snap.ID
	out["race_id"] = snap.RaceID
	out["collected_at"] = snap.CollectedAt.Format(time.RFC3339)
	return out
}

func isCode(err error, code jrpc2.Code) bool {
	var je *jrpc2.Error
	return errors.As(err, &je) && je.Code == code
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var je *jrpc2.Error
	if errors.As(err, &je) {
		switch je.Code {
		case codeNotFound:
			status = http.StatusNotFound
		case codeInvalidParams:
			status = http.StatusBadRequest
		case codeUnavailable, codeShuttingDown:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
