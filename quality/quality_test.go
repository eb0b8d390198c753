package quality

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRollingStatMean(t *testing.T) {
	var r RollingStat
	r.Add(2)
	r.Add(4)
	r.Add(6)
	require.InDelta(t, 4.0, r.Mean(), 0.0001)
}

func TestRollingStatEvictsOldest(t *testing.T) {
	var r RollingStat
	for i := 0; i < 64; i++ {
		r.Add(1)
	}
	require.InDelta(t, 1.0, r.Mean(), 0.0001)
	r.Add(65) // evicts one of the 64 "1" samples
	require.InDelta(t, (63.0+65.0)/64.0, r.Mean(), 0.0001)
	require.Equal(t, 64, r.SampleCount())
}

func TestLossWindowRate(t *testing.T) {
	var w LossWindow
	for i := 0; i < 10; i++ {
		w.Record(true)
	}
	for i := 0; i < 5; i++ {
		w.Record(false)
	}
	require.InDelta(t, 5.0/15.0, w.LossRate(), 0.0001)
}

func TestMonitorDisconnectsOnSingleMessageExceedingMax(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	require.True(t, m.ShouldDisconnect(15))
	require.False(t, m.ShouldDisconnect(1))
}

func TestMonitorDisconnectsOnSustainedHighAvgAttempts(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	for i := 0; i < 64; i++ {
		m.RecordSendAttempts(10)
	}
	require.True(t, m.ShouldDisconnect(1))
}

func TestMonitorIgnoresBriefSpikeBelowResilience(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	for i := 0; i < 10; i++ {
		m.RecordSendAttempts(10)
	}
	require.False(t, m.ShouldDisconnect(1))
}

func TestMonitorDisabledByCanQualityDisconnect(t *testing.T) {
	th := DefaultThresholds()
	th.CanQualityDisconnect = false
	m := NewMonitor(th)
	require.False(t, m.ShouldDisconnect(9999))
}

func TestMonitorDisconnectsOnSustainedNotifyLoss(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	for i := 0; i < 64; i++ {
		m.RecordNotifyOutcome(i%2 == 0) // 50% loss, well above 5% threshold
	}
	require.True(t, m.ShouldDisconnect(1))
}
