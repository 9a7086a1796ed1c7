package changestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/maxpert/vaultsync/vault"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed vault writes
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default consumer group
	DefaultGroup = "vaultsync"
)

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	Transport       Transport     // Keyed topic
	Codec           Codec         // Record format (default json)
	Store           vault.Store   // Destination vault; only needed to consume
	Group           string        // Consumer group
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
}

// Pipeline publishes row changes to the topic and applies them to the vault.
type Pipeline struct {
	config PipelineConfig
}

// NewPipeline creates a pipeline.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Codec == nil {
		config.Codec = jsonCodec{}
	}
	if config.Group == "" {
		config.Group = DefaultGroup
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	return &Pipeline{config: config}, nil
}

// StreamChanges publishes each change keyed by its entity. Either every record is
// valid and handed to the transport in order, or nothing is published.
func (p *Pipeline) StreamChanges(ctx context.Context, changes []RowChange) error {
	values := make([][]byte, len(changes))
	for i, rc := range changes {
		if err := rc.Validate(); err != nil {
			return err
		}
		data, err := p.config.Codec.Encode(rc)
		if err != nil {
			return common.Validationf("encode row change for %s: %v", rc.Table, err)
		}
		values[i] = data
	}

	for i, rc := range changes {
		if err := p.config.Transport.Publish(ctx, rc.PartitionKey(), values[i]); err != nil {
			telemetry.ChangeStreamPublishedTotal.With("failed").Inc()
			return common.Transport("publish row change", err)
		}
		telemetry.ChangeStreamPublishedTotal.With("ok").Inc()
	}
	return nil
}

// ProcessChanges consumes the topic until ctx is done. Each record is committed
// only after it was applied; undecodable records are logged, committed and skipped.
func (p *Pipeline) ProcessChanges(ctx context.Context) error {
	if p.config.Store == nil {
		return fmt.Errorf("vault store is required to process changes")
	}

	consumer, err := p.config.Transport.Consumer(p.config.Group)
	if err != nil {
		return common.Transport("join consumer group", err)
	}
	defer consumer.Close()

	log.Info().Str("group", p.config.Group).Str("format", p.config.Codec.Name()).Msg("Change stream consumer started")
	defer log.Info().Str("group", p.config.Group).Msg("Change stream consumer stopped")

	delay := p.config.RetryInitial
	for {
		msg, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			log.Warn().Err(err).Dur("retry_delay", delay).Msg("Failed to fetch change record")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = p.backoff(delay)
			continue
		}
		delay = p.config.RetryInitial

		if err := p.handleMessage(ctx, msg); err != nil {
			// Shut down before the record was applied; it is redelivered to the next consumer
			return nil
		}

		if err := consumer.Commit(context.WithoutCancel(ctx), msg); err != nil {
			log.Warn().
				Err(err).
				Int64("offset", msg.Offset).
				Msg("Failed to commit change record - it may be redelivered")
		}
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, msg Message) error {
	rc, err := p.config.Codec.Decode(msg.Value)
	if err != nil {
		telemetry.ChangeStreamDecodeFailures.Inc()
		log.Error().
			Err(err).
			Str("key", msg.Key).
			Int64("offset", msg.Offset).
			Msg("Skipping undecodable change record")
		return nil
	}

	batch := vault.Batch{SourceID: rc.SourceID, Mutations: rc.Mutations()}
	delay := p.config.RetryInitial
	attempts := 0
	for {
		// The write itself is not interrupted by shutdown
		_, err := p.config.Store.Apply(context.WithoutCancel(ctx), batch)
		if err == nil {
			telemetry.ChangeStreamAppliedTotal.With(string(rc.Op)).Inc()
			return nil
		}

		attempts++
		telemetry.ChangeStreamRetriesTotal.Inc()
		log.Warn().
			Err(err).
			Str("source_id", rc.SourceID).
			Str("table", rc.Table).
			Str("key", rc.BusinessKey()).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to apply change record, retrying")

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = p.backoff(delay)
	}
}

func (p *Pipeline) backoff(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
	if delay > p.config.RetryMax {
		delay = p.config.RetryMax
	}
	return delay
}

// sleepCtx sleeps for d. Returns false if ctx finished first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
