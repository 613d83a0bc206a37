package gateway

import (
	"net/http"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

// statusRecorder captures the response status and keeps streaming working
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.NewRequestContext(r.Context())
		w.Header().Set("X-Request-ID", tracing.GetRequestID(ctx))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// authenticated resolves the caller and checks its access to the addressed thread
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := s.auth.Authenticate(r)
		if err != nil {
			observability.RecordSecurityAudit(ctx, "authenticate", r.RemoteAddr, "denied", map[string]interface{}{
				"path":   r.URL.Path,
				"reason": err.Error(),
			})
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if threadID := r.PathValue("threadID"); threadID != "" {
			if err := s.authorize(ctx, id, threadID); err != nil {
				observability.RecordSecurityAudit(ctx, "thread_access", id.Subject, "denied", map[string]interface{}{
					"thread_id": threadID,
					"reason":    err.Error(),
				})
				writeError(w, http.StatusForbidden, ErrForbidden.Error())
				return
			}
		}

		next(w, r.WithContext(withIdentity(ctx, id)))
	})
}
