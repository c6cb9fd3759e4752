package ssh

import "github.com/prometheus/client_golang/prometheus"

// MetricsSink is the consumed external interface for the optional metrics
// described below. A caller that doesn't want Prometheus can
// pass NoopMetricsSink{}.
type MetricsSink interface {
	PacketFramed(direction string, bytes int)
	RekeyCompleted()
	AuthAttempt(method string, success bool)
	ForwardedChannelOpened(channelType string)
}

// NoopMetricsSink discards every observation.
type NoopMetricsSink struct{}

func (NoopMetricsSink) PacketFramed(direction string, bytes int)       {}
func (NoopMetricsSink) RekeyCompleted()                                {}
func (NoopMetricsSink) AuthAttempt(method string, success bool)        {}
func (NoopMetricsSink) ForwardedChannelOpened(channelType string)      {}

// PrometheusMetricsSink is the Prometheus-backed, ready-to-register
// implementation of MetricsSink.
type PrometheusMetricsSink struct {
	packetsFramed          *prometheus.CounterVec
	bytesFramed            *prometheus.CounterVec
	rekeysCompleted        prometheus.Counter
	authAttempts           *prometheus.CounterVec
	forwardedChannelsOpen  *prometheus.CounterVec
}

// NewPrometheusMetricsSink constructs and registers the counters/gauges
// named in MetricsSink against reg. Passing prometheus.NewRegistry()
// keeps this connection's metrics isolated from the process default
// registry; passing prometheus.DefaultRegisterer matches typical exporter
// wiring.
func NewPrometheusMetricsSink(reg prometheus.Registerer) *PrometheusMetricsSink {
	s := &PrometheusMetricsSink{
		packetsFramed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssh_client",
			Name:      "packets_framed_total",
			Help:      "Packets framed, by direction.",
		}, []string{"direction"}),
		bytesFramed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssh_client",
			Name:      "bytes_framed_total",
			Help:      "Bytes framed, by direction.",
		}, []string{"direction"}),
		rekeysCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh_client",
			Name:      "rekeys_completed_total",
			Help:      "Key exchanges completed after the initial handshake.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssh_client",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts, by method and outcome.",
		}, []string{"method", "outcome"}),
		forwardedChannelsOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssh_client",
			Name:      "forwarded_channels_opened_total",
			Help:      "Inbound forwarded channels opened, by channel type.",
		}, []string{"channel_type"}),
	}
	reg.MustRegister(s.packetsFramed, s.bytesFramed, s.rekeysCompleted, s.authAttempts, s.forwardedChannelsOpen)
	return s
}

func (s *PrometheusMetricsSink) PacketFramed(direction string, bytes int) {
	s.packetsFramed.WithLabelValues(direction).Inc()
	s.bytesFramed.WithLabelValues(direction).Add(float64(bytes))
}

func (s *PrometheusMetricsSink) RekeyCompleted() {
	s.rekeysCompleted.Inc()
}

func (s *PrometheusMetricsSink) AuthAttempt(method string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	s.authAttempts.WithLabelValues(method, outcome).Inc()
}

func (s *PrometheusMetricsSink) ForwardedChannelOpened(channelType string) {
	s.forwardedChannelsOpen.WithLabelValues(channelType).Inc()
}
