package metrics

import (
	"errors"
	"testing"
	"time"

	"pvgateway/pkg/channel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = "sim://TEST:AI"

func TestObserveOperation(t *testing.T) {
	obs, err := NewPromObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	obs.ObserveOperation(source, channel.OpGetValue, time.Millisecond, nil)
	obs.ObserveOperation(source, channel.OpGetValue, time.Millisecond, nil)
	obs.ObserveOperation(source, channel.OpPut, time.Millisecond, errors.New("rejected"))

	assert.Equal(t, 2.0, testutil.ToFloat64(obs.operations.WithLabelValues(source, channel.OpGetValue, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.operations.WithLabelValues(source, channel.OpPut, "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.latency))
}

func TestObserveState(t *testing.T) {
	obs, err := NewPromObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	obs.ObserveState(source, channel.StateConnecting)
	obs.ObserveState(source, channel.StateConnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.state.WithLabelValues(source, "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.state.WithLabelValues(source, "connecting")))

	obs.Forget(source)
	assert.Equal(t, 0, testutil.CollectAndCount(obs.state))
}

func TestObserveMonitorEvent(t *testing.T) {
	obs, err := NewPromObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	obs.ObserveMonitorEvent(source, false)
	obs.ObserveMonitorEvent(source, true)
	obs.ObserveMonitorEvent(source, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.events.WithLabelValues(source, "delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.events.WithLabelValues(source, "dropped")))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPromObserver(reg)
	require.NoError(t, err)

	_, err = NewPromObserver(reg)
	assert.Error(t, err)
}
