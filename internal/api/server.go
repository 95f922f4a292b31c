// Package api is the HTTP boundary: a small chi router in front of the
// dispatch engine. Handlers only translate between HTTP and the engine;
// authorization decisions live behind it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskpilot/internal/dispatch"
	"github.com/basket/taskpilot/internal/identity"
	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/store"
)

const maxChatBodySize = 64 << 10 // 64KB

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// Deps carries the handler dependencies.
type Deps struct {
	Engine *dispatch.Engine
	Logger *slog.Logger
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))

	r.Get("/healthz", handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", handleChat(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/turns", handleListTurns(deps))
	})
	return r
}

// requestLogger assigns a trace id and logs one line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))
			logger.Info("http request",
				"trace_id", shared.TraceID(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, dispatch.CodeInvalid, "invalid request body: %v", err)
			return
		}

		resp, err := deps.Engine.HandleMessage(r.Context(), dispatch.Request{
			Token:          token,
			ConversationID: req.ConversationID,
			Message:        req.Message,
		})
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Engine.ListConversations(r.Context(), bearerToken(r))
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		if convs == nil {
			convs = []store.Conversation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

func handleListTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, dispatch.CodeInvalid, "invalid limit %q", raw)
				return
			}
			limit = n
		}

		turns, err := deps.Engine.ListTurns(r.Context(), bearerToken(r), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		if turns == nil {
			turns = []store.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
	}
}

// bearerToken extracts the bearer token; an empty string lets the engine
// report the missing credential uniformly.
func bearerToken(r *http.Request) string {
	token, err := identity.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return token
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var derr *dispatch.Error
	if !errors.As(err, &derr) {
		httpError(w, http.StatusInternalServerError, dispatch.CodeInternal, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch derr.Code {
	case dispatch.CodeAuthMissing, dispatch.CodeAuthInvalid:
		status = http.StatusUnauthorized
	case dispatch.CodeAccessDenied:
		status = http.StatusForbidden
	case dispatch.CodeInvalid:
		status = http.StatusBadRequest
	case dispatch.CodeNotFound:
		status = http.StatusNotFound
	}
	httpError(w, status, derr.Code, "%s", derr.Message)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    errType,
			"message": msg,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
