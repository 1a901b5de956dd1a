package httpx

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/logging"
)

// Middleware counts and times every request and logs it at debug level:
//   - vitalsync_http_requests_total (counter): by method, path, status
//   - vitalsync_http_request_duration_seconds (histogram): by method, path
//
// Create it once per registry; registering twice panics.
func Middleware(reg prometheus.Registerer, logger *zap.Logger) mux.MiddlewareFunc {
	log := logging.OrNop(logger)
	factory := promauto.With(reg)
	requests := factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalsync_http_requests_total",
		Help: "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})
	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitalsync_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := routePath(r)
			elapsed := time.Since(start)
			requests.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			duration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", path),
				zap.Int("status", rw.statusCode),
				zap.Duration("took", elapsed))
		})
	}
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// routePath prefers the matched mux route template, so label cardinality
// stays bounded.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces whole numeric and UUID segments with {id}.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
