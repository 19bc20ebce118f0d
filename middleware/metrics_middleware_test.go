package middleware

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenDeepin/pymolcode/message"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := Metrics(reg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = mw(echoHandler)(ctx, request("scene.load", 1))
	require.NoError(t, err)
	_, err = mw(echoHandler)(ctx, request("scene.load", 2))
	require.NoError(t, err)
	_, err = mw(failingHandler)(ctx, request("scene.render", 3))
	require.Error(t, err)
	_, err = mw(echoHandler)(ctx, &message.Request{JSONRPC: message.Version, Method: "scene.log"})
	require.NoError(t, err)

	series := map[string]int{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		series[f.GetName()] = len(f.GetMetric())
	}
	assert.Equal(t, map[string]int{
		"pymolcode_bridge_requests_total":  3,
		"pymolcode_bridge_handler_seconds": 3,
	}, series)
}

func TestMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := Metrics(reg)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		_, _ = mw(failingHandler)(context.Background(), request("scene.render", i))
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "pymolcode_bridge_requests_total" {
			continue
		}
		require.Len(t, f.GetMetric(), 1)
		m := f.GetMetric()[0]
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, map[string]string{"method": "scene.render", "outcome": OutcomeError}, labels)
		assert.Equal(t, float64(4), m.GetCounter().GetValue())
		found = true
	}
	assert.True(t, found)
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := Metrics(reg)
	require.NoError(t, err)
	_, err = Metrics(reg)
	assert.Error(t, err)
}
