// Package gateway is the control-plane HTTP surface: callback endpoints for
// the in-container agent wrappers, a status/stop surface for operators, and
// the WebSocket event stream for live observers.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/smile-run/smile/internal/bus"
	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/loopstate"
	"github.com/smile-run/smile/internal/orchestrator"
)

// Server exposes the coordinator over HTTP. It never mutates loop state
// itself; every write goes through the coordinator's guard.
type Server struct {
	coord  *orchestrator.Coordinator
	events *bus.Bus
	logger *slog.Logger
}

// New builds a Server around the given coordinator and event bus.
func New(coord *orchestrator.Coordinator, events *bus.Bus, logger *slog.Logger) *Server {
	return &Server{coord: coord, events: events, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/student/result", s.handleStudentResult)
	mux.HandleFunc("/api/mentor/result", s.handleMentorResult)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// nextAction tells the wrapper whether to keep going.
type nextAction string

const (
	actionContinue nextAction = "continue"
	actionStop     nextAction = "stop"
)

type studentResultRequest struct {
	StudentOutput loopstate.StudentOutput `json:"studentOutput"`
	Timestamp     time.Time               `json:"timestamp"`
}

type mentorResultRequest struct {
	MentorOutput string    `json:"mentorOutput"`
	Timestamp    time.Time `json:"timestamp"`
}

type resultResponse struct {
	Acknowledged bool             `json:"acknowledged"`
	NextAction   nextAction       `json:"nextAction"`
	Status       loopstate.Status `json:"status"`
}

type stopResponse struct {
	Stopped    bool                 `json:"stopped"`
	FinalState *loopstate.LoopState `json:"finalState"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (s *Server) handleStudentResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req studentResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindIO,
			"malformed student result body", "Send JSON with a studentOutput object"))
		return
	}

	s.logger.Info("student result received",
		"status", req.StudentOutput.Status,
		"step", req.StudentOutput.CurrentStep)

	snap, err := s.coord.HandleStudentResult(req.StudentOutput)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Acknowledged: true,
		NextAction:   actionFor(snap),
		Status:       snap.Status,
	})
}

func (s *Server) handleMentorResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mentorResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindIO,
			"malformed mentor result body", "Send JSON with a mentorOutput string"))
		return
	}

	s.logger.Info("mentor result received", "output_len", len(req.MentorOutput))

	snap, err := s.coord.HandleMentorResult(req.MentorOutput)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Acknowledged: true,
		NextAction:   actionFor(snap),
		Status:       snap.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Info("stop requested")
	snap, err := s.coord.Stop()
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Stopped: true, FinalState: snap})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.coord.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"status":      snap.Status,
		"iteration":   snap.Iteration,
		"subscribers": s.events.SubscriberCount(),
	})
}

// actionFor maps a post-transition snapshot to the wrapper's next move.
func actionFor(snap *loopstate.LoopState) nextAction {
	if snap.Terminal() {
		return actionStop
	}
	return actionContinue
}

// writeCoordinatorError maps coordinator failures to status codes: a stale
// or duplicate callback is a conflict, everything else is internal.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errs.KindOf(err) == errs.KindInvalidTransition {
		status = http.StatusConflict
	}
	s.logger.Warn("request rejected", "status", status, "error", err)
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		resp.Error = e.Message
		resp.Suggestion = e.Suggestion
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
