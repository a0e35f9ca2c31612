// Package api exposes the motion service over HTTP: command submission,
// status, live configuration, and a WebSocket telemetry stream.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/driver"
	"github.com/arctos-robotics/armd/pkg/motion"
)

// Server routes the HTTP API. Construct with New and mount Handler.
type Server struct {
	svc *motion.Service
	drv driver.Driver
	cfg *config.Config
	hub *Hub
}

// New builds the API server. The hub may be nil when telemetry is not
// wanted (tests, the info tool).
func New(svc *motion.Service, drv driver.Driver, cfg *config.Config, hub *Hub) *Server {
	return &Server{svc: svc, drv: drv, cfg: cfg, hub: hub}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/execute/gripper", s.handleGripper)
	mux.HandleFunc("/api/execute/home", s.handleHome)
	mux.HandleFunc("/api/jog", s.handleJog)
	mux.HandleFunc("/api/estop", s.handleEStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.hub != nil {
		mux.Handle("/api/ws", s.hub)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, code int, format string, args ...interface{}) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request body: %v", err)
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return false
	}
	return true
}

type executeRequest struct {
	Q        []float64 `json:"q"`
	Duration float64   `json:"duration_s"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Q) != driver.NumJoints {
		writeErr(w, http.StatusBadRequest, "q must have %d joints, got %d", driver.NumJoints, len(req.Q))
		return
	}
	if req.Duration < 0 {
		writeErr(w, http.StatusBadRequest, "duration_s must not be negative")
		return
	}
	var q [driver.NumJoints]float64
	copy(q[:], req.Q)
	cmd := motion.NewJointCommand(q, req.Duration)
	if err := s.svc.Enqueue(cmd); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": cmd.ID().String()})
}

type gripperRequest struct {
	Action   string   `json:"action,omitempty"` // "open" | "close"
	Position *float64 `json:"position,omitempty"`
}

func (s *Server) handleGripper(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req gripperRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var pos float64
	switch {
	case req.Action == "open":
		pos = 1.0
	case req.Action == "close":
		pos = 0.0
	case req.Action != "" && req.Action != "set":
		writeErr(w, http.StatusBadRequest, "unknown action %q", req.Action)
		return
	case req.Position != nil:
		if *req.Position < 0 || *req.Position > 1 {
			writeErr(w, http.StatusBadRequest, "position must be in [0,1]")
			return
		}
		pos = *req.Position
	default:
		writeErr(w, http.StatusBadRequest, "need action open/close or a position")
		return
	}
	cmd := motion.NewGripperCommand(pos)
	if err := s.svc.Enqueue(cmd); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": cmd.ID().String()})
}

type homeRequest struct {
	Joints []int `json:"joints"`
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req homeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, j := range req.Joints {
		if j < 0 || j >= driver.NumJoints {
			writeErr(w, http.StatusBadRequest, "joint %d out of range", j)
			return
		}
	}
	cmd := motion.NewHomeCommand(req.Joints)
	if err := s.svc.Enqueue(cmd); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": cmd.ID().String()})
}

type jogRequest struct {
	Joint int     `json:"joint"`
	Scale float64 `json:"scale"` // 0 stops the jog
}

// handleJog bypasses the queue: jogging is a direct, operator-held motion.
func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req jogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Joint < 0 || req.Joint >= driver.NumJoints {
		writeErr(w, http.StatusBadRequest, "joint %d out of range", req.Joint)
		return
	}
	var err error
	if req.Scale == 0 {
		err = s.drv.StopJointVelocity(req.Joint)
	} else {
		err = s.drv.StartJointVelocity(req.Joint, req.Scale)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.svc.EStop(); err != nil {
		// The queue is already cleared; report the hardware failure.
		writeErr(w, http.StatusInternalServerError, "estop: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Raw())
	case http.MethodPut:
		var raw map[string]interface{}
		if !decodeBody(w, r, &raw) {
			return
		}
		if err := s.cfg.Replace(raw); err != nil {
			writeErr(w, http.StatusBadRequest, "config rejected: %v", err)
			return
		}
		if cd, ok := driver.AsCan(s.drv); ok {
			cd.ReloadConfig()
		}
		writeJSON(w, http.StatusOK, s.cfg.Raw())
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}
