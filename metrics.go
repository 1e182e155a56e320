package streamstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks store operation counters. All record methods are nil-safe
// so instrumentation can be disabled by passing a nil *Metrics.
type Metrics struct {
	appendsTotal         *prometheus.CounterVec
	messagesAppended     prometheus.Counter
	readsTotal           *prometheus.CounterVec
	expiredFiltered      prometheus.Counter
	purgesScheduled      prometheus.Counter
	purgeFailures        prometheus.Counter
	notifierPollsTotal   *prometheus.CounterVec
	metadataCacheLookups *prometheus.CounterVec
}

// NewMetrics registers the store's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		appendsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamstore_appends_total",
			Help: "Total append operations by result",
		}, []string{"result"}),
		messagesAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamstore_messages_appended_total",
			Help: "Total messages appended",
		}),
		readsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamstore_reads_total",
			Help: "Total read operations by kind",
		}, []string{"op"}),
		expiredFiltered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamstore_expired_messages_filtered_total",
			Help: "Messages excluded from reads because they exceeded max age",
		}),
		purgesScheduled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamstore_purges_scheduled_total",
			Help: "Expired-message purges scheduled on the task queue",
		}),
		purgeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamstore_purge_failures_total",
			Help: "Scheduled purges that failed and will be retried on a later read",
		}),
		notifierPollsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamstore_notifier_polls_total",
			Help: "Head-position polls by result",
		}, []string{"result"}),
		metadataCacheLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamstore_metadata_cache_lookups_total",
			Help: "Max-age cache lookups by outcome",
		}, []string{"outcome"}),
	}
}

// RecordAppend records an append outcome: "ok", "conflict" or "error".
func (m *Metrics) RecordAppend(result string, messageCount int) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(result).Inc()
	if messageCount > 0 {
		m.messagesAppended.Add(float64(messageCount))
	}
}

// RecordRead records a read operation by kind, e.g. "stream" or "all".
func (m *Metrics) RecordRead(op string) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(op).Inc()
}

// RecordExpired records messages filtered out of a read as expired.
func (m *Metrics) RecordExpired(count int) {
	if m == nil || count == 0 {
		return
	}
	m.expiredFiltered.Add(float64(count))
}

// RecordPurgeScheduled records a purge handed to the task queue.
func (m *Metrics) RecordPurgeScheduled() {
	if m == nil {
		return
	}
	m.purgesScheduled.Inc()
}

// RecordPurgeFailure records a scheduled purge that failed.
func (m *Metrics) RecordPurgeFailure() {
	if m == nil {
		return
	}
	m.purgeFailures.Inc()
}

// RecordNotifierPoll records a head-position poll: "ok" or "error".
func (m *Metrics) RecordNotifierPoll(result string) {
	if m == nil {
		return
	}
	m.notifierPollsTotal.WithLabelValues(result).Inc()
}

// RecordMetadataCacheLookup records a cache lookup outcome.
func (m *Metrics) RecordMetadataCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.metadataCacheLookups.WithLabelValues(outcome).Inc()
}
