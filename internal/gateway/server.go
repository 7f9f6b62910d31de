package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftworks/loom/internal/archive"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/runtime"
	"github.com/weftworks/loom/pkg/models"
)

// maxGraphBytes caps POST /api/system bodies.
const maxGraphBytes = 4 << 20

// Server binds the controller, hub, and archive to HTTP.
type Server struct {
	settings   config.Settings
	controller *runtime.Controller
	hub        *Hub
	archive    *archive.Archive
	log        *slog.Logger

	// OnReload, if set, runs after a successful graph swap so the
	// caller can rebuild the scheduler.
	OnReload func()
}

func NewServer(settings config.Settings, ctrl *runtime.Controller, hub *Hub, arch *archive.Archive, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		settings:   settings,
		controller: ctrl,
		hub:        hub,
		archive:    arch,
		log:        log.With("component", "gateway"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/system", s.handleGetSystem)
	mux.HandleFunc("POST /api/system", s.handlePostSystem)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/agent/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe runs until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.settings.Listen, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.settings.Listen)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// handleGetSystem serves the persisted graph document verbatim so the
// editor gets back exactly what it saved, layout fields included.
func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.settings.GraphPath)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(`{"agents":[],"connections":[]}`)
	} else if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostSystem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxGraphBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	graph, err := config.ParseGraph(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := config.SaveGraph(s.settings.GraphPath, body); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.controller.Reload(r.Context(), graph); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.OnReload != nil {
		s.OnReload()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "loaded",
		"agents": len(s.controller.AgentIDs()),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	graph := s.controller.Graph()
	if graph == nil {
		httpError(w, http.StatusServiceUnavailable, runtime.ErrNotInitialised.Error())
		return
	}

	type agentInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Busy bool   `json:"busy"`
	}
	var out []agentInfo
	for _, id := range s.controller.AgentIDs() {
		agent, _ := graph.AgentByID(id)
		busy := false
		if wk, ok := s.controller.Worker(id); ok {
			busy = wk.Busy()
		}
		out = append(out, agentInfo{ID: id, Name: agent.Name, Busy: busy})
	}
	writeJSON(w, http.StatusOK, out)
}

// historyMessage is one entry of the flattened history feed.
type historyMessage struct {
	Role    string `json:"role"`
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// handleHistory synthesizes archived turns and the live session window
// into a single message list, so clients see both old turns and the
// exchange in flight.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wk, ok := s.controller.Worker(id)
	if !ok {
		httpError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}

	messages := []historyMessage{}
	archived := make(map[string]bool)
	if s.archive != nil {
		turns, err := s.archive.History(r.Context(), id, 200)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, t := range turns {
			messages = append(messages, historyMessage{Role: "user", Agent: id, Content: t.UserText})
			archived[t.UserText] = true
			if t.FinalText != "" {
				messages = append(messages, historyMessage{Role: "assistant", Agent: id, Content: t.FinalText})
				archived[t.FinalText] = true
			}
		}
	}

	// The live window overlaps the newest archived turns; only entries
	// the archive has not recorded yet are appended.
	for _, m := range wk.Engine().Session().Log() {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if m.Content == "" || archived[m.Content] {
			continue
		}
		messages = append(messages, historyMessage{Role: string(m.Role), Agent: id, Content: m.Content})
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
