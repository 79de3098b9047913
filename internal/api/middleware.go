package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"orderwizard/internal/fsm"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	log.Warn("API error", zap.Int("status", code), zap.String("code", errCode), zap.String("message", message))
	writeJSON(w, code, ErrorResponse{
		Error:   errCode,
		Code:    errCode,
		Message: message,
	})
}

type errorMapping struct {
	status int
	name   string
}

var taxonomyStatus = map[string]errorMapping{
	fsm.CodeSessionNotFound:        {http.StatusNotFound, "not_found"},
	fsm.CodeSessionExpired:         {http.StatusGone, "expired"},
	fsm.CodeIllegalTransition:      {http.StatusConflict, "illegal_transition"},
	fsm.CodeGuardRejected:          {http.StatusUnprocessableEntity, "guard_rejected"},
	fsm.CodeConcurrentModification: {http.StatusConflict, "concurrent_modification"},
	fsm.CodeValidationFailed:       {http.StatusBadRequest, "validation_failed"},
}

// writeServiceError maps wizard errors onto HTTP statuses. Anything outside
// the taxonomy is logged and reported as a 500 without details.
func writeServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	code := fsm.Code(err)
	m, ok := taxonomyStatus[code]
	if !ok {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Request body too large", log)
			return
		}
		log.Error("Unhandled service error", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal", "Internal server error", log)
		return
	}
	if m.status >= 500 {
		log.Error("API error", zap.String("code", code), zap.Error(err))
	} else {
		log.Debug("API error", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, m.status, ErrorResponse{
		Error:   m.name,
		Code:    code,
		Message: fsm.Message(err),
		Field:   fsm.Meta(err, "field"),
		Reason:  fsm.Meta(err, "reason"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the upgrader needs the raw ResponseWriter
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
