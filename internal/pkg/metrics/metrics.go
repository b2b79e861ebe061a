package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banking/aml-agents/internal/pkg/logger"
)

// Collector holds the service's Prometheus instruments on a private registry
type Collector struct {
	registry *prometheus.Registry

	screenings        *prometheus.CounterVec
	screeningDuration prometheus.Histogram
	riskScores        prometheus.Histogram
	ruleMatches       *prometheus.CounterVec
	ruleErrors        prometheus.Counter
	patterns          *prometheus.CounterVec
	agentCalls        *prometheus.CounterVec
	agentDuration     *prometheus.HistogramVec
	alerts            *prometheus.CounterVec
	ruleSetVersion    prometheus.Gauge

	log *logger.Logger
}

// New registers all instruments. A nil logger is replaced with a no-op one.
func New(log *logger.Logger) *Collector {
	if log == nil {
		log = logger.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		screenings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aml_screenings_total",
			Help: "Screened transactions by outcome",
		}, []string{"outcome"}),
		screeningDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aml_screening_duration_seconds",
			Help:    "End-to-end screening latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		riskScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aml_risk_score_distribution",
			Help:    "Distribution of aggregated risk scores",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		ruleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aml_rule_matches_total",
			Help: "Rule matches by rule id",
		}, []string{"rule_id"}),
		ruleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aml_rule_errors_total",
			Help: "Rules that failed to evaluate",
		}),
		patterns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aml_patterns_detected_total",
			Help: "Pattern matches by typology",
		}, []string{"typology"}),
		agentCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aml_agent_calls_total",
			Help: "Agent invocations by role and result",
		}, []string{"role", "result"}),
		agentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aml_agent_call_duration_seconds",
			Help:    "Agent call latency by role",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aml_alerts_total",
			Help: "Alert writes by kind (created, updated)",
		}, []string{"kind"}),
		ruleSetVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aml_rule_set_version",
			Help: "Version of the active rule set",
		}),
		log: log.Named("metrics"),
	}
}

// RecordScreening records one completed screening
func (c *Collector) RecordScreening(duration time.Duration, riskScore int, degraded bool) {
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	c.screenings.WithLabelValues(outcome).Inc()
	c.screeningDuration.Observe(duration.Seconds())
	c.riskScores.Observe(float64(riskScore))
}

// RecordScreeningFailure counts a transaction that could not be screened
func (c *Collector) RecordScreeningFailure() {
	c.screenings.WithLabelValues("failed").Inc()
}

func (c *Collector) RecordRuleMatch(ruleID string) {
	c.ruleMatches.WithLabelValues(ruleID).Inc()
}

func (c *Collector) RecordRuleErrors(n int) {
	c.ruleErrors.Add(float64(n))
}

func (c *Collector) RecordPattern(typology string) {
	c.patterns.WithLabelValues(typology).Inc()
}

// RecordAgentCall records one agent invocation; result is ok, timeout, schema or unavailable
func (c *Collector) RecordAgentCall(role, result string, duration time.Duration) {
	c.agentCalls.WithLabelValues(role, result).Inc()
	c.agentDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func (c *Collector) RecordAlert(created bool) {
	if created {
		c.alerts.WithLabelValues("created").Inc()
		return
	}
	c.alerts.WithLabelValues("updated").Inc()
}

func (c *Collector) SetRuleSetVersion(v int64) {
	c.ruleSetVersion.Set(float64(v))
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.log.Info("starting metrics server", logger.StringField("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("metrics server failed", logger.ErrorField(err))
		}
	}()

	return server
}

// Shutdown stops a server returned by StartServer
func (c *Collector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
