package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Queue store
	queueRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_queue_requests_total",
			Help: "Total number of queue store requests by operation.",
		},
		[]string{"operation"},
	)
	queueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_queue_errors_total",
			Help: "Total number of failed queue store requests by operation.",
		},
		[]string{"operation"},
	)
	queueDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "receiptflow_queue_request_duration_seconds",
			Help:    "Queue store request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "receiptflow_queue_depth",
			Help: "Current number of entries waiting in a queue.",
		},
		[]string{"queue"},
	)
	queueItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_queue_items_total",
			Help: "Total number of entries pushed to or popped from a queue.",
		},
		[]string{"queue", "direction"},
	)

	// Mailbox
	mailboxReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receiptflow_mailbox_reconnects_total",
			Help: "Total number of mailbox reconnect attempts after a transport failure.",
		},
	)
	mailboxIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receiptflow_mailbox_messages_ingested_total",
			Help: "Total number of messages parsed and pushed to the raw-mail queue.",
		},
	)

	// Extraction
	extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_extractions_total",
			Help: "Total number of extraction attempts by outcome.",
		},
		[]string{"outcome"},
	)
	extractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "receiptflow_extraction_duration_seconds",
			Help:    "Time spent waiting for the extraction service (seconds).",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// Dead letters
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_dead_letters_total",
			Help: "Total number of items moved to a dead-letter queue by stage.",
		},
		[]string{"stage"},
	)

	// Sink
	sinkInserts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receiptflow_sink_inserts_total",
			Help: "Total number of transactions persisted by the sink.",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			queueRequests,
			queueErrors,
			queueDuration,
			queueDepth,
			queueItems,
			mailboxReconnects,
			mailboxIngested,
			extractions,
			extractionDuration,
			deadLetters,
			sinkInserts,
		)
	})
}

func IncQueueRequest(op string) { queueRequests.WithLabelValues(op).Inc() }

func IncQueueError(op string) { queueErrors.WithLabelValues(op).Inc() }

func ObserveQueueDuration(op string, d time.Duration) {
	queueDuration.WithLabelValues(op).Observe(d.Seconds())
}

func SetQueueDepth(queue string, n int64) { queueDepth.WithLabelValues(queue).Set(float64(n)) }

func IncQueuePushed(queue string) { queueItems.WithLabelValues(queue, "push").Inc() }

func IncQueuePopped(queue string) { queueItems.WithLabelValues(queue, "pop").Inc() }

func IncMailboxReconnect() { mailboxReconnects.Inc() }

func IncMailboxIngested() { mailboxIngested.Inc() }

// Extraction outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeDecodeError   = "decode_error"
	OutcomeCallError     = "call_error"
	OutcomeResponseError = "response_error"
	OutcomeDateError     = "date_error"
	OutcomePushError     = "push_error"
)

func IncExtraction(outcome string) { extractions.WithLabelValues(outcome).Inc() }

func ObserveExtractionDuration(d time.Duration) { extractionDuration.Observe(d.Seconds()) }

func IncDeadLetter(stage string) { deadLetters.WithLabelValues(stage).Inc() }

func IncSinkInsert() { sinkInserts.Inc() }
