package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingParked struct{ calls atomic.Int32 }

func (c *countingParked) CountParked(context.Context) (int, error) {
	c.calls.Add(1)
	return 2, nil
}

type fixedHead uint64

func (f fixedHead) Head() uint64 { return uint64(f) }

func TestCollectorSamplesOnStart(t *testing.T) {
	parked := &countingParked{}
	mc := NewMetricsCollector(parked, fixedHead(9), time.Hour)
	mc.Start()

	assert.Eventually(t, func() bool { return parked.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	mc.Stop()
}

func TestNoopMetricsWithoutRegistry(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())

	c := NewCounterVec("unused_total", "unused", []string{"kind"})
	assert.NotPanics(t, func() { c.With("x").Inc() })
}
