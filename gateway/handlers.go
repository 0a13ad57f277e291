package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
	"github.com/jonwraymond/infergate/resilience"
)

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 8 << 20

// SubmitRequest is the body of POST /v1/requests. Payload is forwarded to
// the provider verbatim.
type SubmitRequest struct {
	ID       string          `json:"id,omitempty" validate:"omitempty,max=128"`
	Provider string          `json:"provider,omitempty" validate:"omitempty,max=128"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
	Priority string          `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	Timeout  string          `json:"timeout,omitempty"`
	CacheTTL string          `json:"cache_ttl,omitempty"`
	NoCache  bool            `json:"no_cache,omitempty"`
}

// SubmitResponse is the body of a successful submission.
type SubmitResponse struct {
	RequestID   string          `json:"request_id"`
	Provider    string          `json:"provider,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Text        string          `json:"text,omitempty"`
	Cached      bool            `json:"cached"`
	Shared      bool            `json:"shared"`
	Attempts    int             `json:"attempts"`
	LatencyMS   int64           `json:"latency_ms"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := s.decodeSubmit(w, r)
	if err != nil {
		s.observe(start, err)
		writeFault(w, err)
		return
	}

	res, err := s.router.Submit(r.Context(), req)
	s.observe(start, err)
	if err != nil {
		if fault.KindOf(err) != fault.KindDeferred {
			s.logger.Warn(r.Context(), "submission failed",
				observe.F("request_id", req.ID), observe.F("error", err))
		}
		writeFault(w, err)
		return
	}

	out := SubmitResponse{
		RequestID:   res.RequestID,
		Provider:    res.Provider,
		Fingerprint: res.Fingerprint,
		Cached:      res.Cached,
		Shared:      res.Shared,
		Attempts:    res.Attempts,
		LatencyMS:   res.Latency.Milliseconds(),
	}
	if json.Valid(res.Payload) {
		out.Payload = res.Payload
	} else {
		out.Text = string(res.Payload)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (*request.Request, error) {
	var body SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return nil, fault.Validation("invalid request body: %v", err)
	}
	if err := s.validate.Struct(body); err != nil {
		return nil, fault.Validation("%v", err)
	}

	prio, err := request.ParsePriority(body.Priority)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("timeout", body.Timeout)
	if err != nil {
		return nil, err
	}
	ttl, err := parseDuration("cache_ttl", body.CacheTTL)
	if err != nil {
		return nil, err
	}

	id := body.ID
	if id == "" {
		// Only a client-sent header counts; chi's generated IDs stay in the
		// request context.
		id = r.Header.Get(middleware.RequestIDHeader)
	}
	return &request.Request{
		ID:       id,
		Provider: body.Provider,
		Payload:  []byte(body.Payload),
		Priority: prio,
		Timeout:  timeout,
		CacheTTL: ttl,
		NoCache:  body.NoCache,
	}, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fault.Validation("invalid %s %q", field, v)
	}
	return d, nil
}

func (s *Server) observe(start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = fault.KindOf(err).String()
	}
	s.requests.WithLabelValues(outcome).Inc()
	s.latency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.router.Cancel(id) {
		writeError(w, http.StatusNotFound, "not_found", "no active or persisted request "+strconv.Quote(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectivityRequest is the body of PUT /v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "online is required")
		return
	}
	s.router.OnConnectivityChange(*body.Online)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateRequest is the body of POST /v1/cache/invalidate.
type InvalidateRequest struct {
	Prefix string `json:"prefix" validate:"required"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || s.validate.Struct(body) != nil {
		writeError(w, http.StatusBadRequest, "validation", "prefix is required")
		return
	}
	n, err := s.router.Invalidate(r.Context(), body.Prefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ProviderStatus describes one registered provider.
type ProviderStatus struct {
	Name          string            `json:"name"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Priority      int               `json:"priority"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Breaker       resilience.Health `json:"breaker"`
	Lane          *LaneStatus       `json:"lane,omitempty"`
}

// LaneStatus is the dispatch concurrency of one provider.
type LaneStatus struct {
	Active    int   `json:"active"`
	Available int   `json:"available"`
	Rejected  int64 `json:"rejected"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	breakers := s.router.Breakers()
	lanes := s.router.QueueStats().Lanes

	entries := s.router.Registry().Entries()
	out := make([]ProviderStatus, 0, len(entries))
	for _, e := range entries {
		d := e.Descriptor
		ps := ProviderStatus{
			Name:          d.Name,
			Endpoint:      d.Endpoint,
			Priority:      d.Priority,
			MaxConcurrent: d.MaxConcurrent,
			Breaker:       breakers.Get(d.Name).Health(),
		}
		if m, ok := lanes[d.Name]; ok {
			ps.Lane = &LaneStatus{Active: m.Active, Available: m.Available, Rejected: m.Rejected}
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Capacity int  `json:"capacity"`
	Admitted int  `json:"admitted"`
	Pending  int  `json:"pending"`
	Running  int  `json:"running"`
	Online   bool `json:"online"`
	Backlog  int  `json:"backlog"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs := s.router.QueueStats()
	out := StatsResponse{
		Capacity: qs.Capacity,
		Admitted: qs.Admitted,
		Pending:  qs.Pending,
		Running:  qs.Running,
		Online:   true,
	}
	if b := s.router.Backlog(); b != nil {
		out.Online = b.Online()
		n, err := b.Pending(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "offline", "backlog store unavailable")
			return
		}
		out.Backlog = n
	}
	writeJSON(w, http.StatusOK, out)
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int((d + time.Second - 1) / time.Second))
}
