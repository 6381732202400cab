package app

import (
	"net/http"

	"github.com/cam3ron2/bugfind/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
)

const httpTracerName = "bugfind/internal/app"

// Handlers are the endpoints served while a crawl runs.
type Handlers struct {
	Metrics http.Handler
	Health  http.Handler
	// Summary serves the live crawl counters as JSON.
	Summary http.Handler
}

// NewHTTPHandler routes the metrics, probe and summary endpoints.
func NewHTTPHandler(handlers Handlers) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Method(http.MethodGet, "/metrics", traceRoute("metrics", handlers.Metrics))
	for _, probe := range []string{"livez", "readyz", "healthz"} {
		router.Method(http.MethodGet, "/"+probe, traceRoute(probe, handlers.Health))
	}
	router.Method(http.MethodGet, "/summary", traceRoute("summary", handlers.Summary))
	return router
}

// traceRoute wraps handler in a server span unless tracing is off.
func traceRoute(route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if telemetry.CurrentMode() == telemetry.ModeOff {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), httpTracerName, "http.server."+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.Fail(errStatus(recorder.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

type errStatus int

func (e errStatus) Error() string {
	return http.StatusText(int(e))
}
