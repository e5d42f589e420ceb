package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"livecode/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
	channel    ChannelOptions
}

func NewHTTPServer(service *Service, corsOrigin string, channel ChannelOptions) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(corsOrigin),
		},
		channel: channel.withDefaults(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/saves", s.handleSaves).Methods(http.MethodGet)
	api.HandleFunc("/repositories/{repositoryId}", s.handleEnsureRepository).Methods(http.MethodPost)
	api.HandleFunc("/repositories/{repositoryId}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/repositories/{repositoryId}/sessions", s.handleCloseSessions).Methods(http.MethodDelete)

	router.HandleFunc("/ws", s.handleChannel).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	failures := s.service.Ping(ctx)
	for _, name := range s.service.CheckNames() {
		if err, failed := failures[name]; failed {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":       status == "ready",
		"status":   status,
		"checks":   checks,
		"sessions": len(s.service.Hub().Registry().Sessions()),
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	items := s.service.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	repositoryID := mux.Vars(r)["repositoryId"]
	items, err := s.service.History(repositoryID, queryInt(r, "limit", 50))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositoryId": repositoryID, "items": items})
}

func (s *HTTPServer) handleSaves(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	items, err := s.service.ListSaves(r.Context(), store.SaveFilter{
		RepositoryID: query.Get("repositoryId"),
		FilePath:     query.Get("filePath"),
		Limit:        queryInt(r, "limit", 50),
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleEnsureRepository(w http.ResponseWriter, r *http.Request) {
	repositoryID := mux.Vars(r)["repositoryId"]
	created, err := s.service.EnsureRepository(repositoryID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"repositoryId": repositoryID, "created": created})
}

func (s *HTTPServer) handleCloseSessions(w http.ResponseWriter, r *http.Request) {
	repositoryID := mux.Vars(r)["repositoryId"]
	closed := s.service.CloseRepositorySessions(r.Context(), repositoryID, r.URL.Query().Get("reason"))
	writeJSON(w, http.StatusOK, map[string]any{"repositoryId": repositoryID, "closed": closed})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func originChecker(corsOrigin string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if corsOrigin == "" || corsOrigin == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || strings.EqualFold(origin, corsOrigin)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
