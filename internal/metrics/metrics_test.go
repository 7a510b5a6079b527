package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Notification(OutcomeAccepted)
	m.Notification(OutcomeAccepted)
	m.Notification(OutcomeStale)
	m.Delivered()
	m.RecoveryStarted()
	m.RecoveryFinished(3, 10*time.Millisecond, nil)
	m.RecoveryFinished(0, time.Millisecond, errors.New("down"))
	m.PendingDropped(4)
	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()
	m.TransportMessage("kafka", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues(OutcomeStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recoveredItems))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.overflowDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportMessages.WithLabelValues("kafka", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Notification(OutcomeAccepted)
	m.RecoveryFinished(1, time.Second, nil)
	m.ChannelOpened()
	m.HistoryAppend(nil)
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
