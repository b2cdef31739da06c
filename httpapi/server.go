// Package httpapi is the read-only query/ops surface over engine state
// (§6.5). No router dependency: Go's 1.22+ ServeMux pattern syntax covers
// the handful of routes this needs.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/minerwatch/fhpep/engine"
	"github.com/minerwatch/fhpep/model"
)

// Server wires the query handlers to their backing engine components.
type Server struct {
	events *engine.EventEngine
	fleet  *engine.FleetBaseliner
	mux    *http.ServeMux
}

func NewServer(events *engine.EventEngine, fleet *engine.FleetBaseliner) *Server {
	s := &Server{events: events, fleet: fleet, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health/{miner_id}", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /fleet/{group_key}", s.handleFleet)
	s.mux.HandleFunc("POST /suppress/{miner_id}", s.handleSuppress)
	s.mux.HandleFunc("POST /unsuppress/{miner_id}", s.handleUnsuppress)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleHealth returns the worst-severity rollup for one miner, computed
// from its currently active events. The orchestrator does not build or store
// a health snapshot; this handler computes the rollup, including the
// p_fail_24h override, from ActiveEvents on each request.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	minerID := r.PathValue("miner_id")
	events, err := s.events.ActiveEvents(r.Context(), nil, &minerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	health := model.HealthObject{MinerID: minerID, HealthState: "OK"}
	worst := model.SeverityP3
	hasIssue := false
	for _, e := range events {
		health.Issues = append(health.Issues, e.IssueCode)
		if e.LastSeenTS.After(health.LastSeenTS) {
			health.LastSeenTS = e.LastSeenTS
		}
		if e.SiteID != 0 {
			health.SiteID = e.SiteID
		}
		if !hasIssue || e.Severity > worst {
			worst = e.Severity
			hasIssue = true
		}
		if e.MLJSON != nil && e.MLJSON.PFail24h > health.PFail24h {
			health.PFail24h = e.MLJSON.PFail24h
		}
	}
	if hasIssue {
		health.HealthState = worst.String()
	}
	// p_fail_24h override (§3.6): forces at least P1 above 0.8, at least P2 above 0.5.
	if health.PFail24h > 0.8 && worst < model.SeverityP1 {
		health.HealthState = model.SeverityP1.String()
	} else if health.PFail24h > 0.5 && worst < model.SeverityP2 {
		health.HealthState = model.SeverityP2.String()
	}
	health.AssessedAt = time.Now()

	writeJSON(w, health)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var siteID *int
	if v := r.URL.Query().Get("site_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			siteID = &id
		}
	}
	events, err := s.events.ActiveEvents(r.Context(), siteID, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, events)
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	groupKey := r.PathValue("group_key")
	stats, ok := s.fleet.Get(groupKey)
	if !ok {
		writeError(w, http.StatusNotFound, errNotCached)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	minerID := r.PathValue("miner_id")
	var body struct {
		UntilMinutes int  `json:"until_minutes"`
		Maintenance  bool `json:"maintenance"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var until *time.Time
	if body.UntilMinutes > 0 {
		t := time.Now().Add(time.Duration(body.UntilMinutes) * time.Minute)
		until = &t
	}
	if err := s.events.SuppressMiner(r.Context(), minerID, until, body.Maintenance); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsuppress(w http.ResponseWriter, r *http.Request) {
	minerID := r.PathValue("miner_id")
	if err := s.events.UnsuppressMiner(r.Context(), minerID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type simpleError struct{ msg string }

func (e simpleError) Error() string { return e.msg }

var errNotCached = simpleError{"fleet group not cached"}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("fhpep: http response encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
