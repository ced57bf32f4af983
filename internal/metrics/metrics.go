package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	AttemptsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_attempts_started_total",
			Help: "Attempts started or resumed",
		},
		[]string{"resumed"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_submissions_total",
			Help: "Final submits by resulting status; duplicate submits are counted as status=duplicate",
		},
		[]string{"status"},
	)

	DraftsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_drafts_saved_total",
		Help: "Draft answer sets persisted",
	})

	ManualGrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_manual_grades_total",
		Help: "Manual grades applied",
	})

	Regraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_regrade_records_total",
			Help: "Regrade outcomes per record",
		},
		[]string{"outcome"},
	)

	Released = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_results_released_total",
			Help: "Submissions whose results became visible, by trigger",
		},
		[]string{"trigger"},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(RequestCounter, RequestDuration, AttemptsStarted, Submissions,
			DraftsSaved, ManualGrades, Regraded, Released)
	})
}

// Middleware records request counts and latencies keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
