package p2p

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilReceiverMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IncQuotaThrottle("proto")
		m.SetPoolPeers("inbound", 3)
		m.IncGossipValidation("topic", ValidationAccept)
		m.IncConnectorDial("ok")
		m.ObservePeerScore(10)
		m.IncReqResp("proto", "success")
	})
}

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.IncQuotaThrottle("proto")
	m.SetPoolPeers("inbound", 1)
	m.IncGossipValidation("topic", ValidationReject)
	m.IncConnectorDial("ok")
	m.ObservePeerScore(-5)
	m.IncReqResp("proto", "error")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
