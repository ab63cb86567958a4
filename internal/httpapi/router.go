// Package httpapi is the thin host-side HTTP surface over the flow service.
// Routing, logging middleware and error mapping live here; the core packages
// never see an *http.Request.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/flow"
	"github.com/fedgate/fedgate/internal/observability/logger"
)

// Deps wires the router.
type Deps struct {
	Flow *flow.Service
}

// New builds the chi router.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := &handlers{flow: d.Flow}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Get("/start", h.start)
		r.Get("/callback", h.callback)
	})
	return r
}

// requestLogger injects a request-scoped logger and emits one summary line
// per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		l := logger.L().With(
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), l)))
		l.Info("request",
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
