package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_RegistersPipelineCollectors(t *testing.T) {
	reg, m := NewRegistry()
	require.NotNil(t, m)

	m.FramesCaptured.Inc()
	m.Notifications.WithLabelValues("discord_webhook", OutcomeDelivered).Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["catwatch_stream_frames_captured_total"])
	assert.True(t, names["catwatch_notifier_notifications_total"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesCaptured))
}

func TestNew_Unregistered(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Reconnects.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Reconnects))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Reconnects))
}
