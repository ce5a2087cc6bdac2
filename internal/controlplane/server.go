package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/models"
)

// Server provides the HTTP API for leash.
type Server struct {
	service *Service
	addr    string
	log     *zap.Logger
	server  *http.Server
}

// NewServer creates the HTTP server around a service.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		addr:    addr,
		log:     logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks/{id}/poll", s.handlePoll)
	mux.HandleFunc("POST /tasks/{id}/send", s.handleSend)
	mux.HandleFunc("POST /tasks/{id}/kill", s.handleKill)

	mux.HandleFunc("GET /learn/stats", s.handleLearnStats)
	mux.HandleFunc("GET /learn/query", s.handleLearnQuery)

	mux.HandleFunc("GET /breaker/status", s.handleBreakerStatus)
	mux.HandleFunc("POST /breaker/reset", s.handleBreakerReset)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.traced(mux)
}

// Start blocks serving the API.
func (s *Server) Start() error {
	// No write timeout: run and poll legitimately hold the connection for
	// the yield interval, which the caller may set as high as the command
	// timeout.
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.log.Info("daemon listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// traced opens one span per request.
func (s *Server) traced(next http.Handler) http.Handler {
	tr := otel.Tracer("leash")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tr.Start(r.Context(), "leash.http",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- Task handlers ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.service.Run(req)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.service.Tasks()
	if tasks == nil {
		tasks = []models.TaskSnapshot{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Poll(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sendRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.service.Send(r.PathValue("id"), req.Input)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Kill(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Learning handlers ---

func (s *Server) handleLearnStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.LearnStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLearnQuery(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		http.Error(w, "command parameter required", http.StatusBadRequest)
		return
	}

	stats, err := s.service.LearnQuery(command)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Breaker handlers ---

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.BreakerStatus()
	if status == nil {
		status = []models.BreakerStatus{}
	}
	writeJSON(w, http.StatusOK, status)
}

type resetRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type resetResponse struct {
	Reset int `json:"reset"`
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	// Body is optional; no body means reset everything.
	var req resetRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	n, found := s.service.BreakerReset(req.Fingerprint)
	if !found {
		http.Error(w, "unknown fingerprint", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Reset: n})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health()
	code := http.StatusOK
	if !health.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
