package log

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chainproof/chainproof/pkg/requestid"
)

// Logger returns chi middleware that logs one line per served request.
// Probe traffic (health checks, metric scrapes) logs at debug so an
// idle agent stays quiet.
func Logger(l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.Logger received a nil *zap.Logger")
	}
	logger := l.WithOptions(zap.AddCallerSkip(1)).Named(name)

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				fields := []zap.Field{
					zap.String("request_id", requestid.FromRequest(r)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
				}

				switch {
				case status >= 500:
					logger.Error("request served", fields...)
				case status >= 400:
					logger.Warn("request served", fields...)
				case isProbe(r):
					logger.Debug("request served", fields...)
				default:
					logger.Info("request served", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func isProbe(r *http.Request) bool {
	return r.Method == http.MethodGet && (r.URL.Path == "/healthz" || r.URL.Path == "/metrics")
}
