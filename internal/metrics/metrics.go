package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"backbone/internal/domain"
	"backbone/internal/networkrule"
)

const namespace = "backbone"

var (
	Registry = prometheus.NewRegistry()

	factory = promauto.With(Registry)

	AccessDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network_rules",
		Name:      "access_decisions_total",
		Help:      "Network rule permission checks by outcome.",
	}, []string{"decision"})

	RuleChanges = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network_rules",
		Name:      "changes_total",
		Help:      "Persisted network rule changes by action and resulting status.",
	}, []string{"action", "status"})

	ContactSubmissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "contacts",
		Name:      "submissions_total",
		Help:      "Contact form submissions by outcome.",
	}, []string{"outcome"})

	MaintenanceRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Maintenance task runs by task and result.",
	}, []string{"task", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"

	OutcomeAccepted = "accepted"
	OutcomeBanned   = "banned"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// AuditSink counts every network rule change.
func AuditSink() networkrule.AuditSink {
	return networkrule.AuditFunc(func(_ context.Context, event networkrule.Event) error {
		RuleChanges.WithLabelValues(string(event.Action), event.Status.String()).Inc()
		return nil
	})
}

// RuleCounter reports active rules per stored status.
type RuleCounter func(ctx context.Context) (map[domain.NetworkRuleStatus]int64, error)

type ruleCollector struct {
	count RuleCounter
	desc  *prometheus.Desc
}

// NewRuleCollector exposes the number of active rules at scrape time.
func NewRuleCollector(count RuleCounter) prometheus.Collector {
	return &ruleCollector{
		count: count,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "network_rules", "active"),
			"Active network rules by stored status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *ruleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *ruleCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		log.Warn("metrics: counting network rules failed", "error", err)
		return
	}
	for _, status := range []domain.NetworkRuleStatus{domain.StatusNone, domain.StatusWhitelisted, domain.StatusBlacklisted} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), status.String())
	}
}

// NewInstanceGauge reports the number of live backend instances at scrape time.
func NewInstanceGauge(count func(ctx context.Context) (int, error)) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances",
		Help:      "Backend instances with a live heartbeat.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := count(ctx)
		if err != nil {
			log.Warn("metrics: counting instances failed", "error", err)
			return 0
		}
		return float64(n)
	})
}
