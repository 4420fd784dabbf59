package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/google/uuid"
)

// Server is the HTTP front-end for a Tracker, listening on the configured
// IPC port (spec.md §4.4, §6). It is addressed by url-encoded
// panic_location segments: "/sim/{loc}/started" etc.
type Server struct {
	Tracker *Tracker
	Port    int
}

// NewServer returns a Server bound to tracker, listening on port.
func NewServer(tracker *Tracker, port int) *Server {
	return &Server{Tracker: tracker, Port: port}
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/trackers", s.handleDebugTrackers)
	// /sim/ routes are parsed manually (not via ServeMux pattern matching)
	// because panic_location segments are percent-encoded and may contain
	// an escaped "/" (%2F): net/http's mux matches against the decoded
	// path, which would otherwise split a location like "src/vdbe.c:1234"
	// into extra path segments. See spec.md §8 "URL-encoding".
	mux.HandleFunc("/sim/", s.handleSim)

	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           requestIDMiddleware(compressMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("ipc timer server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleSim dispatches POST /sim/{loc}/started and /sim/{loc}/finished.
// Unknown panic_location values and unknown suffixes are accepted with 200
// to avoid coupling the simulator's liveness to the orchestrator's
// (spec.md §4.4).
func (s *Server) handleSim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, dto.BadRequest("method "+r.Method+" not allowed on "+r.URL.Path))
		return
	}
	loc, action, ok := parseSimPath(r.URL.EscapedPath())
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	switch action {
	case "started":
		s.Tracker.started(loc)
	case "finished":
		s.Tracker.finished(loc)
	}
	w.WriteHeader(http.StatusOK)
}

// parseSimPath splits "/sim/<encoded-loc>/<action>" into the decoded
// panic_location and the action, using the escaped path so %2F/%3A survive
// intact through decoding.
func parseSimPath(escaped string) (loc, action string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(escaped, "/"), "/")
	if len(parts) != 3 || parts[0] != "sim" {
		return "", "", false
	}
	decoded, err := url.PathUnescape(parts[1])
	if err != nil || decoded == "" {
		return "", "", false
	}
	return decoded, parts[2], true
}

type healthResp struct {
	Status        string `json:"status"`
	TrackedPanics int    `json:"trackedPanics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResp{Status: "ok", TrackedPanics: s.Tracker.count()})
}

func (s *Server) handleDebugTrackers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Tracker.snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode ipc timer response", "err", err)
	}
}

// requestIDMiddleware stamps every response with an X-Request-Id, reusing
// one supplied by the caller (e.g. a simulator proxy chaining requests) or
// minting a fresh one otherwise. This lets a human correlate a single
// `/sim/{loc}/...` call across the orchestrator's own logs when debugging a
// pause/resume discrepancy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// writeError writes a structured JSON error response in the same envelope
// shape as the rest of the orchestrator's error handling (internal/dto).
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := dto.CodeInternalError
	var details map[string]any

	var ews dto.ErrorWithStatus
	if errors.As(err, &ews) {
		statusCode = ews.StatusCode()
		code = ews.Code()
		details = ews.Details()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := dto.ErrorResponse{
		Error:   dto.ErrorDetails{Code: code, Message: err.Error()},
		Details: details,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("failed to encode ipc timer error response", "err", encErr)
	}
}
