package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetProviderStatusIsOneHot(t *testing.T) {
	SetProviderStatus("fs", "connected")

	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderStatus.WithLabelValues("fs", "connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ProviderStatus.WithLabelValues("fs", "failed")))

	SetProviderStatus("fs", "failed")
	assert.Equal(t, float64(0), testutil.ToFloat64(ProviderStatus.WithLabelValues("fs", "connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderStatus.WithLabelValues("fs", "failed")))
}

func TestConnectionStateGaugeSettable(t *testing.T) {
	ConnectionState.Set(StateConnected)
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(ConnectionState))
}
