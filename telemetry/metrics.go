package telemetry

// Histogram bucket definitions
var (
	// ApplyBuckets for vault batch writes
	ApplyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// PollBuckets for event log round trips including long polls
	PollBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
)

// Event log metrics
var (
	// EventLogAppendsTotal counts appends by kind and result (ok, invalid, failed)
	EventLogAppendsTotal CounterVec = noopCounterVec{}

	// EventLogHeadSequence tracks the last assigned sequence number
	EventLogHeadSequence Gauge = NoopStat{}

	// EventLogReadsTotal counts read requests served
	EventLogReadsTotal Counter = NoopStat{}
)

// Controller metrics
var (
	// ControllerPollsTotal counts polls by result (ok, transport_error)
	ControllerPollsTotal CounterVec = noopCounterVec{}

	// ControllerPollSeconds measures event log round trips
	ControllerPollSeconds Histogram = NoopStat{}

	// ControllerDispatchTotal counts dispatched notifications by kind and result (ok, skipped, failed)
	ControllerDispatchTotal CounterVec = noopCounterVec{}

	// ControllerCursor tracks the last handled sequence
	ControllerCursor Gauge = NoopStat{}

	// ControllerSequenceGapsTotal counts reads whose next sequence skipped past cursor+1
	ControllerSequenceGapsTotal Counter = NoopStat{}

	// ControllerCursorAhead is 1 while the cursor is past the event log head
	ControllerCursorAhead Gauge = NoopStat{}
)

// Reconciler and vault metrics
var (
	// VaultMutationsTotal counts applied mutations by kind
	VaultMutationsTotal CounterVec = noopCounterVec{}

	// VaultApplySeconds measures batch apply latency
	VaultApplySeconds Histogram = NoopStat{}

	// ReconcilerParkedTables tracks tables waiting for a key mapping
	ReconcilerParkedTables Gauge = NoopStat{}

	// SnapshotCacheTotal counts decoded snapshot cache lookups by result (hit, miss)
	SnapshotCacheTotal CounterVec = noopCounterVec{}
)

// Change stream metrics
var (
	// ChangeStreamPublishedTotal counts records handed to the transport by result
	ChangeStreamPublishedTotal CounterVec = noopCounterVec{}

	// ChangeStreamAppliedTotal counts records written to the vault by op
	ChangeStreamAppliedTotal CounterVec = noopCounterVec{}

	// ChangeStreamDecodeFailures counts undecodable records that were skipped
	ChangeStreamDecodeFailures Counter = NoopStat{}

	// ChangeStreamRetriesTotal counts apply retries
	ChangeStreamRetriesTotal Counter = NoopStat{}
)

// Watcher metrics
var (
	// WatcherChecksTotal counts source checks by source and result (unchanged, changed, failed)
	WatcherChecksTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventLogAppendsTotal = NewCounterVec(
		"eventlog_appends_total",
		"Event log appends by kind and result",
		[]string{"kind", "result"},
	)
	EventLogHeadSequence = NewGauge(
		"eventlog_head_sequence",
		"Last sequence assigned by the event log",
	)
	EventLogReadsTotal = NewCounter(
		"eventlog_reads_total",
		"Event log read requests served",
	)

	ControllerPollsTotal = NewCounterVec(
		"controller_polls_total",
		"Controller polls by result",
		[]string{"result"},
	)
	ControllerPollSeconds = NewHistogramWithBuckets(
		"controller_poll_seconds",
		"Event log poll duration in seconds",
		PollBuckets,
	)
	ControllerDispatchTotal = NewCounterVec(
		"controller_dispatch_total",
		"Dispatched notifications by kind and result",
		[]string{"kind", "result"},
	)
	ControllerCursor = NewGauge(
		"controller_cursor",
		"Last sequence handled by the controller",
	)
	ControllerSequenceGapsTotal = NewCounter(
		"controller_sequence_gaps_total",
		"Event log reads that skipped sequences after the cursor",
	)
	ControllerCursorAhead = NewGauge(
		"controller_cursor_ahead",
		"1 while the controller cursor is past the event log head",
	)

	VaultMutationsTotal = NewCounterVec(
		"vault_mutations_total",
		"Vault mutations applied by kind",
		[]string{"kind"},
	)
	VaultApplySeconds = NewHistogramWithBuckets(
		"vault_apply_seconds",
		"Vault batch apply duration in seconds",
		ApplyBuckets,
	)
	ReconcilerParkedTables = NewGauge(
		"reconciler_parked_tables",
		"Tables parked for lack of a business key",
	)
	SnapshotCacheTotal = NewCounterVec(
		"snapshot_cache_total",
		"Applied snapshot cache lookups by result",
		[]string{"result"},
	)

	ChangeStreamPublishedTotal = NewCounterVec(
		"changestream_published_total",
		"Row change records published by result",
		[]string{"result"},
	)
	ChangeStreamAppliedTotal = NewCounterVec(
		"changestream_applied_total",
		"Row change records applied to the vault by op",
		[]string{"op"},
	)
	ChangeStreamDecodeFailures = NewCounter(
		"changestream_decode_failures_total",
		"Undecodable row change records skipped",
	)
	ChangeStreamRetriesTotal = NewCounter(
		"changestream_retries_total",
		"Vault apply retries in the change stream consumer",
	)

	WatcherChecksTotal = NewCounterVec(
		"watcher_checks_total",
		"Source schema checks by source and result",
		[]string{"source", "result"},
	)
}
