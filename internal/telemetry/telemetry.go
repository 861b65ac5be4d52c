package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
)

// Telemetry provides metrics and oracle cost tracking for the pipeline.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	registry    *prometheus.Registry
	costTracker *CostTracker

	pagesFetched    *prometheus.CounterVec
	siteErrors      *prometheus.CounterVec
	emptySites      *prometheus.CounterVec
	oracleRequests  *prometheus.CounterVec
	oracleTokens    *prometheus.CounterVec
	oracleLatency   *prometheus.HistogramVec
	synthesisRounds prometheus.Counter
	recipesPassed   prometheus.Counter
	recipesExhaust  prometheus.Counter
	ordersCompleted prometheus.Counter
	recipesSkipped  prometheus.Counter
}

// CostTracker accumulates oracle spend across models and operations.
type CostTracker struct {
	mu             sync.RWMutex
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// OracleEvent records one oracle round trip.
type OracleEvent struct {
	Task     string // ranking, cleaning, synthesis, naming
	Model    string
	Duration time.Duration
	Tokens   int64
	Cost     float64
	Success  bool
}

// New creates a telemetry instance with its own prometheus registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}

	t.pagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cookbook_crawler_pages_fetched_total",
		Help: "Recipe pages fetched and parsed, per site.",
	}, []string{"site"})
	t.siteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cookbook_crawler_site_errors_total",
		Help: "Sites whose search or page fetch failed during a crawl.",
	}, []string{"site"})
	t.emptySites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cookbook_crawler_empty_sites_total",
		Help: "Sites that answered a search with zero candidates.",
	}, []string{"site"})
	t.oracleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cookbook_oracle_requests_total",
		Help: "Oracle round trips by task and model.",
	}, []string{"task", "model"})
	t.oracleTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cookbook_oracle_tokens_total",
		Help: "Tokens consumed per model.",
	}, []string{"model"})
	t.oracleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cookbook_oracle_request_seconds",
		Help:    "Oracle round-trip latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	t.synthesisRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_synthesis_rounds_total",
		Help: "Synthesis-analysis rounds executed.",
	})
	t.recipesPassed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_recipes_passed_total",
		Help: "Synthesized recipes that met the quality gate.",
	})
	t.recipesExhaust = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_recipes_exhausted_total",
		Help: "Synthesized recipes delivered after the round budget ran out.",
	})
	t.ordersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_orders_completed_total",
		Help: "Cookbook orders fully processed.",
	})
	t.recipesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_recipes_skipped_total",
		Help: "Recipe names abandoned after relaxation attempts were exhausted.",
	})

	t.registry.MustRegister(
		t.pagesFetched, t.siteErrors, t.emptySites,
		t.oracleRequests, t.oracleTokens, t.oracleLatency,
		t.synthesisRounds, t.recipesPassed, t.recipesExhaust,
		t.ordersCompleted, t.recipesSkipped,
	)
	return t
}

// Handler exposes the metrics registry for an optional metrics listener.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordPageFetched counts a successfully parsed recipe page.
func (t *Telemetry) RecordPageFetched(site string) { t.pagesFetched.WithLabelValues(site).Inc() }

// RecordSiteError counts a site that failed mid-crawl.
func (t *Telemetry) RecordSiteError(site string) { t.siteErrors.WithLabelValues(site).Inc() }

// RecordEmptySite counts a site that returned zero candidates. Distinguished
// from errors so broken selectors stay visible.
func (t *Telemetry) RecordEmptySite(site string) { t.emptySites.WithLabelValues(site).Inc() }

// RecordOracleEvent records one oracle round trip and its cost.
func (t *Telemetry) RecordOracleEvent(ev OracleEvent) {
	t.oracleRequests.WithLabelValues(ev.Task, ev.Model).Inc()
	t.oracleTokens.WithLabelValues(ev.Model).Add(float64(ev.Tokens))
	t.oracleLatency.WithLabelValues(ev.Task).Observe(ev.Duration.Seconds())

	if !t.config.CostTracking {
		return
	}
	t.costTracker.mu.Lock()
	t.costTracker.TotalCost += ev.Cost
	t.costTracker.TotalTokens += ev.Tokens
	t.costTracker.ModelCosts[ev.Model] += ev.Cost
	t.costTracker.OperationCosts[ev.Task] += ev.Cost
	t.costTracker.mu.Unlock()

	if t.config.Enabled {
		t.logger.Printf("Oracle Event: task=%s model=%s success=%t duration=%v tokens=%d cost=$%.4f",
			ev.Task, ev.Model, ev.Success, ev.Duration, ev.Tokens, ev.Cost)
	}
}

// RecordSynthesisRound counts one loop round.
func (t *Telemetry) RecordSynthesisRound() { t.synthesisRounds.Inc() }

// RecordSynthesisOutcome counts a finished loop.
func (t *Telemetry) RecordSynthesisOutcome(passed bool) {
	if passed {
		t.recipesPassed.Inc()
	} else {
		t.recipesExhaust.Inc()
	}
}

// RecordOrderCompleted counts a finished order and its skipped names.
func (t *Telemetry) RecordOrderCompleted(skipped int) {
	t.ordersCompleted.Inc()
	t.recipesSkipped.Add(float64(skipped))
}

// CostSummary returns a snapshot of accumulated oracle spend.
func (t *Telemetry) CostSummary() (total float64, tokens int64, perModel map[string]float64) {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	perModel = make(map[string]float64, len(t.costTracker.ModelCosts))
	for k, v := range t.costTracker.ModelCosts {
		perModel[k] = v
	}
	return t.costTracker.TotalCost, t.costTracker.TotalTokens, perModel
}
