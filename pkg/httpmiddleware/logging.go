package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// InjectLogger returns a middleware that makes lg available to handlers via
// zctx.From on the request context.
func InjectLogger(lg *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}

// Instrument returns a middleware that traces and measures requests with
// OpenTelemetry under the given operation name.
func Instrument(operation string, m *app.Telemetry) Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operation,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		)
	}
}

// statusRecorder captures the response status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LogRequests returns a middleware that logs one line per completed request
// with method, path, status, duration, and the request ID when present.
func LogRequests() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			zctx.From(r.Context()).Info("http request", fields...)
		})
	}
}
