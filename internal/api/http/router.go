package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/release"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
	"github.com/mind-engage/mindengage-exams/internal/tracing"
)

type Deps struct {
	Sessions *session.Manager
	Review   *review.Service
	Release  *release.Engine
	Checker  *rbac.Checker
	Auth     *auth.AuthService
	// Login is mounted at /auth/login when set.
	Login *auth.LocalLogin
	Log   *zap.Logger

	CORSOrigins   []string
	RatePerMinute int
	// Ready backs /readyz, typically a DB ping.
	Ready func(ctx context.Context) error
	// Stop ends background helpers such as the rate limiter janitor.
	Stop <-chan struct{}
}

// NewRouter wires the exam API: JWT → role in context → RBAC → handler.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Checker == nil {
		d.Checker = rbac.NewChecker(nil)
	}
	h := &handlers{d: d, log: d.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(d.Log), middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware, tracing.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	if d.Login != nil {
		r.With(RateLimiter(d.RatePerMinute, d.Stop)).Post("/auth/login", d.Login.Handler())
	}

	c := d.Checker
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))
		pr.Use(RateLimiter(d.RatePerMinute, d.Stop))

		// Staff: exam definitions
		pr.With(c.Require(rbac.PermExamCreate)).Post("/exams", h.putExam)
		pr.With(c.Require(rbac.PermExamEdit)).Patch("/exams/{examID}/duration", h.updateDuration)

		// Candidate flow
		pr.With(c.Require(rbac.PermAttemptCreate)).Post("/exams/{examID}/attempts", h.startAttempt)
		pr.With(c.Require(rbac.PermAttemptSave)).Put("/submissions/{id}/draft", h.saveDraft)
		pr.With(c.Require(rbac.PermAttemptSubmit)).Post("/submissions/{id}/submit", h.submit)
		pr.With(c.Require(rbac.PermAttemptSave)).Get("/submissions/{id}/clock", h.clock)

		// ownership is checked by the session manager
		pr.With(c.RequireAny(rbac.PermViewOwn, rbac.PermViewAll)).Get("/submissions/{id}", h.getSubmission)
		pr.With(c.RequireAny(rbac.PermViewOwn, rbac.PermViewAll)).Get("/submissions", h.listSubmissions)

		// Grading & release
		pr.With(c.Require(rbac.PermGrade)).Post("/submissions/{id}/grades", h.manualGrade)
		pr.With(c.Require(rbac.PermRegrade)).Post("/regrade", h.regradeAll)
		pr.With(c.Require(rbac.PermRelease)).Post("/submissions/{id}/release", h.releaseOne)
		pr.With(c.Require(rbac.PermRelease)).Post("/exams/{examID}/release", h.releaseExam)
		pr.With(c.Require(rbac.PermRelease)).Post("/release/sweep", h.sweep)
	})
	return r
}

// requestLogger is chi's request logging on top of zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr))
		})
	}
}
