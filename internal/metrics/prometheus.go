package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal *prometheus.CounterVec

	// Queue metrics
	queueDepth *prometheus.GaugeVec

	// Anti-spam metrics
	spfChecksTotal     *prometheus.CounterVec
	dkimChecksTotal    *prometheus.CounterVec
	dmarcChecksTotal   *prometheus.CounterVec
	spamScoredTotal    *prometheus.CounterVec
	rblHitsTotal       *prometheus.CounterVec
	rateLimitHitsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perchd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perchd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perchd_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_messages_received_total",
			Help: "Total number of messages received.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perchd_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_deliveries_total",
			Help: "Total number of delivery attempts.",
		}, []string{"recipient_domain", "result"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perchd_queue_depth",
			Help: "Number of messages in each queue set.",
		}, []string{"queue"}),

		spfChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_spf_checks_total",
			Help: "Total number of SPF checks performed.",
		}, []string{"sender_domain", "result"}),
		dkimChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_dkim_checks_total",
			Help: "Total number of DKIM checks performed.",
		}, []string{"sender_domain", "result"}),
		dmarcChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_dmarc_checks_total",
			Help: "Total number of DMARC checks performed.",
		}, []string{"sender_domain", "result"}),
		spamScoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_spam_scored_total",
			Help: "Total number of messages scored by the spam filter.",
		}, []string{"result"}),
		rblHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_rbl_hits_total",
			Help: "Total number of RBL/DNSBL hits.",
		}, []string{"list"}),
		rateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perchd_rate_limit_hits_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"limit"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveriesTotal,
		c.queueDepth,
		c.spfChecksTotal,
		c.dkimChecksTotal,
		c.dmarcChecksTotal,
		c.spamScoredTotal,
		c.rblHitsTotal,
		c.rateLimitHitsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(authDomain, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// DeliveryCompleted increments the delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// SPFCheckCompleted increments the SPF check counter.
func (c *PrometheusCollector) SPFCheckCompleted(senderDomain string, result string) {
	c.spfChecksTotal.WithLabelValues(senderDomain, result).Inc()
}

// DKIMCheckCompleted increments the DKIM check counter.
func (c *PrometheusCollector) DKIMCheckCompleted(senderDomain string, result string) {
	c.dkimChecksTotal.WithLabelValues(senderDomain, result).Inc()
}

// DMARCCheckCompleted increments the DMARC check counter.
func (c *PrometheusCollector) DMARCCheckCompleted(senderDomain string, result string) {
	c.dmarcChecksTotal.WithLabelValues(senderDomain, result).Inc()
}

// QueueDepth records the current depth of a queue set.
func (c *PrometheusCollector) QueueDepth(queue string, depth int64) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SpamScored increments the spam scoring counter.
func (c *PrometheusCollector) SpamScored(result string) {
	c.spamScoredTotal.WithLabelValues(result).Inc()
}

// RBLHit increments the RBL hits counter.
func (c *PrometheusCollector) RBLHit(listName string) {
	c.rblHitsTotal.WithLabelValues(listName).Inc()
}

// RateLimitExceeded increments the rate limit rejection counter.
func (c *PrometheusCollector) RateLimitExceeded(limit string) {
	c.rateLimitHitsTotal.WithLabelValues(limit).Inc()
}
