package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flowforge/flowforge/internal/config"
	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Server exposes the workflow engine over HTTP.
type Server struct {
	config     *config.Config
	store      workflow.Store
	validator  *workflow.Validator
	engine     *workflow.Engine
	batches    *workflow.BatchProcessor
	aggregator *workflow.Aggregator
	scheduler  *workflow.Scheduler
	metrics    *workflow.MetricsCollector
	queue      *queue.Queue
	wsHandler  http.HandlerFunc
	mcpHandler http.Handler
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func NewServer(cfg *config.Config, store workflow.Store, validator *workflow.Validator, engine *workflow.Engine, batches *workflow.BatchProcessor, aggregator *workflow.Aggregator, scheduler *workflow.Scheduler, metrics *workflow.MetricsCollector, q *queue.Queue) *Server {
	return &Server{
		config:     cfg,
		store:      store,
		validator:  validator,
		engine:     engine,
		batches:    batches,
		aggregator: aggregator,
		scheduler:  scheduler,
		metrics:    metrics,
		queue:      q,
	}
}

// SetWebSocketHandler mounts the live-update endpoint served at /ws.
func (s *Server) SetWebSocketHandler(h http.HandlerFunc) {
	s.wsHandler = h
}

// SetMCPHandler mounts the MCP tool endpoints under /mcp.
func (s *Server) SetMCPHandler(h http.Handler) {
	s.mcpHandler = h
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	logging.Info("api", "Server starting", map[string]interface{}{
		"addr": addr,
	})

	return http.ListenAndServe(addr, s.router())
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	// Apply logging middleware to all routes
	r.Use(s.loggingMiddleware)

	// Public endpoints (no auth required)
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.wsHandler != nil {
		r.HandleFunc("/ws", s.wsHandler)
	}
	if s.mcpHandler != nil {
		r.PathPrefix("/mcp").Handler(s.mcpHandler)
	}

	// Protected API endpoints - create a subrouter with auth middleware
	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/workflows", s.submitWorkflowHandler).Methods("POST")
	api.HandleFunc("/workflows", s.listWorkflowsHandler).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.getWorkflowHandler).Methods("GET")
	api.HandleFunc("/workflows/{id}/executions", s.startExecutionHandler).Methods("POST")
	api.HandleFunc("/workflows/{id}/executions", s.listExecutionsHandler).Methods("GET")

	api.HandleFunc("/executions/{id}", s.getExecutionHandler).Methods("GET")
	api.HandleFunc("/executions/{id}/pause", s.pauseExecutionHandler).Methods("POST")
	api.HandleFunc("/executions/{id}/resume", s.resumeExecutionHandler).Methods("POST")
	api.HandleFunc("/executions/{id}/cancel", s.cancelExecutionHandler).Methods("POST")

	api.HandleFunc("/batches", s.startBatchHandler).Methods("POST")
	api.HandleFunc("/batches/{id}", s.getBatchHandler).Methods("GET")

	api.HandleFunc("/aggregate", s.aggregateHandler).Methods("POST")

	api.HandleFunc("/triggers", s.createTriggerHandler).Methods("POST")
	api.HandleFunc("/triggers", s.listTriggersHandler).Methods("GET")
	api.HandleFunc("/triggers/{id}/fire", s.fireTriggerHandler).Methods("POST")
	api.HandleFunc("/triggers/{id}/enable", s.enableTriggerHandler).Methods("POST")
	api.HandleFunc("/triggers/{id}/disable", s.disableTriggerHandler).Methods("POST")

	api.HandleFunc("/metrics/history", s.metricsHistoryHandler).Methods("GET")

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Service is healthy",
		Data: map[string]interface{}{
			"status":       "ok",
			"queued_tasks": s.queue.Len(),
		},
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if strings.HasPrefix(token, "Bearer ") {
			token = token[7:]
		}

		if token == "" {
			s.sendError(w, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		if token != s.config.Security.APIToken {
			s.sendError(w, http.StatusUnauthorized, "Invalid authorization token")
			return
		}

		ctx := context.WithValue(r.Context(), authTokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type authTokenKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Printf("[%s] %s %s\n", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, statusCode int, message string) {
	s.sendResponse(w, statusCode, Response{
		Success: false,
		Message: message,
	})
}

// getClientIP extracts the client IP from the request
func (s *Server) getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
