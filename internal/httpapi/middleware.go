package httpapi

import (
	"net/http"
	"time"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
)

// requestLogger propagates or assigns an X-Request-ID, attaches a request
// logger to the context and logs each completed request at debug level.
func requestLogger(base logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(logging.RequestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("http_method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(logging.RequestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		reqLog.Debug(ctx, "request served",
			logging.Int("status", rec.code),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
