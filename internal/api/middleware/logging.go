package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// Logging logs every request with its request ID. Probe traffic is logged
// at debug so it does not drown the worker's own logs.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		log := logger.L().Info
		if rw.status < http.StatusBadRequest && (r.URL.Path == "/healthz" || r.URL.Path == "/metrics") {
			log = logger.L().Debug
		}
		log("request",
			zap.String("id", GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }
