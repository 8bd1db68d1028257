package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	var runs int32
	manager := NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	manager.Register(func() { atomic.AddInt32(&runs, 1) }, 10*time.Millisecond, "refresh")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)

	timedOut := manager.StopAll(time.Second)
	assert.False(t, timedOut)

	stopped := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&runs))
}

func TestBackgroundTaskManager_RegistersLatencyHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	manager := NewBackgroundTaskManager("test_", registry)
	manager.Register(func() {}, time.Hour, "refresh")
	defer manager.StopAll(time.Second)

	assert.Eventually(t, func() bool {
		families, err := registry.Gather()
		if err != nil {
			return false
		}
		for _, family := range families {
			if family.GetName() == "test_refresh_latency_seconds" {
				return family.GetMetric()[0].GetHistogram().GetSampleCount() >= 1
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
