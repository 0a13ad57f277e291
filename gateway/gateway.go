package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/health"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/router"
)

// StatusClientClosedRequest reports a request cancelled before it resolved.
const StatusClientClosedRequest = 499

// Server exposes a Router over HTTP.
type Server struct {
	router   *router.Router
	health   *health.Aggregator
	logger   observe.Logger
	validate *validator.Validate

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPrometheus registers gateway metrics on reg and serves gatherer on
// /metrics. Defaults to the process-wide registry.
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = gatherer
	}
}

// New creates a gateway over rt. agg may be nil, in which case only liveness
// is served.
func New(rt *router.Router, agg *health.Aggregator, opts ...Option) (*Server, error) {
	if agg == nil {
		agg = health.NewAggregator()
	}
	s := &Server{
		router:     rt,
		health:     agg,
		logger:     observe.Nop(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infergate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Gateway submissions by outcome.",
	}, []string{"outcome"})
	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "infergate",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Gateway submission latency by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
	for _, c := range []prometheus.Collector{s.requests, s.latency} {
		if err := s.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	health.RegisterHandlers(r, s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", s.handleSubmit)
		r.Delete("/requests/{id}", s.handleCancel)
		r.Put("/connectivity", s.handleConnectivity)
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/providers", s.handleProviders)
		r.Get("/stats", s.handleStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http request",
			observe.F("method", r.Method),
			observe.F("path", r.URL.Path),
			observe.F("status", ww.Status()),
			observe.F("duration", time.Since(start)),
			observe.F("http_request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeFault maps a routing failure onto an HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch fe.Kind {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindProvider:
		status = http.StatusBadGateway
	case fault.KindCircuitOpen, fault.KindOffline:
		status = http.StatusServiceUnavailable
	case fault.KindQueueFull:
		status = http.StatusTooManyRequests
	case fault.KindCancelled:
		status = StatusClientClosedRequest
	case fault.KindDeferred:
		status = http.StatusAccepted
	}
	if fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(fe.RetryAfter))
	}
	writeJSON(w, status, ErrorResponse{
		Error:    fe.Kind.String(),
		Message:  fe.Error(),
		Provider: fe.Provider,
		Attempts: fe.Attempts,
		Ref:      fe.Ref,
	})
}
