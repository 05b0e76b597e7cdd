package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netfabriclabs/netem-core/internal/broadcast"
)

// Collector bundles Prometheus metrics for the session core and the
// gateway, and provides a /metrics handler. It satisfies the recorder
// interfaces of the broadcast, session, and stream packages so those
// drive gauge and counter values directly from their mutators.
type Collector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	EventsPublished *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	Sessions      prometheus.Gauge
	ActiveStreams prometheus.Gauge
	SessionNodes  *prometheus.GaugeVec
	SessionLinks  *prometheus.GaugeVec
}

// NewCollector registers the core metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of handled gateway HTTP requests, labeled by method, pattern, and status code.",
	}, []string{"method", "pattern", "code"})
	httpRequests, err := registerCounterVec(reg, httpRequests, "gateway_requests_total")
	if err != nil {
		return nil, err
	}

	httpDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Gateway HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method", "pattern"})
	httpDurations, err = registerHistogramVec(reg, httpDurations, "gateway_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_events_published_total",
		Help: "Total number of events published to session broadcast hubs, labeled by event type.",
	}, []string{"type"})
	published, err = registerCounterVec(reg, published, "broadcast_events_published_total")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_handler_failures_total",
		Help: "Total number of broadcast handlers that panicked during delivery, labeled by event type.",
	}, []string{"type"})
	failures, err = registerCounterVec(reg, failures, "broadcast_handler_failures_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_events_dropped_total",
		Help: "Total number of events dropped because a consumer queue was full.",
	}), "stream_events_dropped_total")
	if err != nil {
		return nil, err
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of live emulation sessions.",
	}), "sessions_active")
	if err != nil {
		return nil, err
	}
	streams, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streams_active",
		Help: "Current number of open event stream consumers.",
	}), "streams_active")
	if err != nil {
		return nil, err
	}

	nodes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_nodes",
		Help: "Current number of nodes in each session's topology.",
	}, []string{"session"})
	nodes, err = registerGaugeVec(reg, nodes, "session_nodes")
	if err != nil {
		return nil, err
	}
	links := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_links",
		Help: "Current number of links in each session's topology.",
	}, []string{"session"})
	links, err = registerGaugeVec(reg, links, "session_links")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		HTTPRequests:    httpRequests,
		HTTPDurations:   httpDurations,
		EventsPublished: published,
		HandlerFailures: failures,
		EventsDropped:   dropped,
		Sessions:        sessions,
		ActiveStreams:   streams,
		SessionNodes:    nodes,
		SessionLinks:    links,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations for the gateway.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c == nil {
			return
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.code)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.code = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// EventPublished satisfies the broadcast recorder interface.
func (c *Collector) EventPublished(t broadcast.Type) {
	if c == nil || c.EventsPublished == nil {
		return
	}
	c.EventsPublished.WithLabelValues(t.String()).Inc()
}

// HandlerFailure satisfies the broadcast recorder interface.
func (c *Collector) HandlerFailure(t broadcast.Type) {
	if c == nil || c.HandlerFailures == nil {
		return
	}
	c.HandlerFailures.WithLabelValues(t.String()).Inc()
}

// SetTopologyCounts satisfies the session recorder interface.
func (c *Collector) SetTopologyCounts(sessionID int32, nodes, links int) {
	if c == nil {
		return
	}
	label := strconv.FormatInt(int64(sessionID), 10)
	if c.SessionNodes != nil {
		c.SessionNodes.WithLabelValues(label).Set(float64(nodes))
	}
	if c.SessionLinks != nil {
		c.SessionLinks.WithLabelValues(label).Set(float64(links))
	}
}

// SetSessionCount satisfies the session manager recorder interface.
func (c *Collector) SetSessionCount(n int) {
	if c == nil || c.Sessions == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// StreamOpened satisfies the stream recorder interface.
func (c *Collector) StreamOpened() {
	if c == nil || c.ActiveStreams == nil {
		return
	}
	c.ActiveStreams.Inc()
}

// StreamClosed satisfies the stream recorder interface.
func (c *Collector) StreamClosed() {
	if c == nil || c.ActiveStreams == nil {
		return
	}
	c.ActiveStreams.Dec()
}

// EventDropped satisfies the stream recorder interface.
func (c *Collector) EventDropped() {
	if c == nil || c.EventsDropped == nil {
		return
	}
	c.EventsDropped.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
