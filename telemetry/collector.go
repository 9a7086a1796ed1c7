package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ParkedCounter reports how many tables are parked awaiting a key mapping
type ParkedCounter interface {
	CountParked(ctx context.Context) (int, error)
}

// HeadReader reports the last assigned event log sequence
type HeadReader interface {
	Head() uint64
}

// MetricsCollector periodically samples state that is cheaper to poll than to push
type MetricsCollector struct {
	parked   ParkedCounter
	head     HeadReader
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either source may be nil.
func NewMetricsCollector(parked ParkedCounter, head HeadReader, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		parked:   parked,
		head:     head,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.head != nil {
		EventLogHeadSequence.Set(float64(mc.head.Head()))
	}

	if mc.parked != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
		defer cancel()

		n, err := mc.parked.CountParked(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to count parked tables")
			return
		}
		ReconcilerParkedTables.Set(float64(n))
	}
}
