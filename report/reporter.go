package report

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	metricsNamespace string = "imagecache"

	eventHit     string = "hit"
	eventMiss    string = "miss"
	eventExpire  string = "expire"
	eventEvict   string = "evict"
	eventClear   string = "clear"
	eventReject  string = "reject"
	eventPromote string = "promote"
)

// PrometheusReporter reports cache events as prometheus counters, implements CacheReportClient
type PrometheusReporter struct {
	registerer prometheus.Registerer
	events     *prometheus.CounterVec
	registered bool
}

// NewPrometheusReporter creates a new PrometheusReporter and registers its collectors.
// With ignoreError, a registration failure is logged and a working but unregistered reporter is returned.
func NewPrometheusReporter(registerer prometheus.Registerer, ignoreError bool) (*PrometheusReporter, error) {
	logger := log.WithFields(log.Fields{
		"package":  "report",
		"function": "NewPrometheusReporter",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_total",
		Help:      "The total number of cache events by tier and event type.",
	}, []string{"tier", "event"})

	reporter := &PrometheusReporter{
		registerer: registerer,
		events:     events,
		registered: false,
	}

	if registerer == nil {
		return reporter, nil
	}

	err := registerer.Register(events)
	if err != nil {
		alreadyRegisteredErr := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &alreadyRegisteredErr) {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				// share counters with another cache in the same process
				reporter.events = existing
				return reporter, nil
			}
		}

		registerErr := xerrors.Errorf("failed to register cache metrics: %w", err)
		if ignoreError {
			logger.WithError(registerErr).Warn("reporting without registered metrics")
			return reporter, nil
		}
		return nil, registerErr
	}

	reporter.registered = true
	return reporter, nil
}

// Release unregisters collectors
func (reporter *PrometheusReporter) Release() {
	if reporter.registered && reporter.registerer != nil {
		reporter.registerer.Unregister(reporter.events)
		reporter.registered = false
	}
}

// GetCollector returns the underlying counter vector
func (reporter *PrometheusReporter) GetCollector() *prometheus.CounterVec {
	return reporter.events
}

// Hit reports a cache hit
func (reporter *PrometheusReporter) Hit(tier CacheTier) {
	reporter.events.WithLabelValues(string(tier), eventHit).Inc()
}

// Miss reports a cache miss
func (reporter *PrometheusReporter) Miss(tier CacheTier) {
	reporter.events.WithLabelValues(string(tier), eventMiss).Inc()
}

// Expire reports removal of an expired entry
func (reporter *PrometheusReporter) Expire(tier CacheTier) {
	reporter.events.WithLabelValues(string(tier), eventExpire).Inc()
}

// Evict reports eviction of entries
func (reporter *PrometheusReporter) Evict(tier CacheTier, count int) {
	if count <= 0 {
		return
	}
	reporter.events.WithLabelValues(string(tier), eventEvict).Add(float64(count))
}

// Clear reports a full clear
func (reporter *PrometheusReporter) Clear(tier CacheTier) {
	reporter.events.WithLabelValues(string(tier), eventClear).Inc()
}

// Reject reports an entry that could not be stored
func (reporter *PrometheusReporter) Reject(tier CacheTier) {
	reporter.events.WithLabelValues(string(tier), eventReject).Inc()
}

// Promote reports a disk hit copied into memory
func (reporter *PrometheusReporter) Promote() {
	reporter.events.WithLabelValues(string(CacheTierMemory), eventPromote).Inc()
}
