package p2p

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Prometheus collectors this package registers when an
// embedder supplies a registry. Every method is nil-receiver safe: a nil
// *Metrics is what components hold when the embedder opted out of metrics
// entirely, and every call site treats that as a no-op rather than
// branching itself (testable property 10).
type Metrics struct {
	quotaThrottle    *prometheus.CounterVec
	poolPeers        *prometheus.GaugeVec
	gossipValidation *prometheus.CounterVec
	connectorDial    *prometheus.CounterVec
	peerScore        prometheus.Histogram
	reqResp          *prometheus.CounterVec
}

// NewMetrics registers the p2p collector set against reg and returns the
// recorder. Pass a fresh *prometheus.Registry (or prometheus.DefaultRegisterer
// wrapped as one) from the embedder; this package never reaches for the
// global default registerer itself.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		quotaThrottle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_quota_throttle_total",
			Help: "Number of times a request had to wait for quota replenishment, by protocol.",
		}, []string{"protocol"}),
		poolPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2p_pool_peers",
			Help: "Current number of peers held in the pool, by direction.",
		}, []string{"direction"}),
		gossipValidation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_gossip_validation_total",
			Help: "Gossip message validation results, by topic and result.",
		}, []string{"topic", "result"}),
		connectorDial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_connector_dial_total",
			Help: "Connector dial outcomes, by result.",
		}, []string{"result"}),
		peerScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_peer_score",
			Help:    "Distribution of peer scores sampled on update.",
			Buckets: []float64{-100, -75, -50, -25, -10, 0, 10, 25, 50, 75, 100},
		}),
		reqResp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_reqresp_total",
			Help: "Req/Resp outcomes, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
	}
	reg.MustRegister(m.quotaThrottle, m.poolPeers, m.gossipValidation, m.connectorDial, m.peerScore, m.reqResp)
	return m
}

func (m *Metrics) IncQuotaThrottle(protocol string) {
	if m == nil {
		return
	}
	m.quotaThrottle.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SetPoolPeers(direction string, n int) {
	if m == nil {
		return
	}
	m.poolPeers.WithLabelValues(direction).Set(float64(n))
}

func (m *Metrics) IncGossipValidation(topic string, result ValidationResult) {
	if m == nil {
		return
	}
	m.gossipValidation.WithLabelValues(topic, result.String()).Inc()
}

func (m *Metrics) IncConnectorDial(result string) {
	if m == nil {
		return
	}
	m.connectorDial.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePeerScore(score int) {
	if m == nil {
		return
	}
	m.peerScore.Observe(float64(score))
}

func (m *Metrics) IncReqResp(protocol, outcome string) {
	if m == nil {
		return
	}
	m.reqResp.WithLabelValues(protocol, outcome).Inc()
}
