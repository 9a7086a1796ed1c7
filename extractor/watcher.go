package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultInterval between drift checks of one source.
const DefaultInterval = 60 * time.Second

// Appender publishes snapshots to the event log. eventlog.Client implements it.
type Appender interface {
	AppendMetadata(ctx context.Context, sourceID string, snap schema.Snapshot) (uint64, error)
	LatestMetadata(ctx context.Context, sourceID string) (schema.Snapshot, bool, error)
}

type watchedSource struct {
	config    cfg.SourceConfiguration
	extractor Extractor
	filter    *TableFilter
	interval  time.Duration

	mu        sync.Mutex
	connected bool
}

// Watcher extracts each source periodically and appends its snapshot when it drifted.
type Watcher struct {
	sources  []*watchedSource
	appender Appender

	// Last published snapshot hash per source
	published *xsync.MapOf[string, string]
}

// NewWatcher creates extractors for every source.
func NewWatcher(sources []cfg.SourceConfiguration, appender Appender) (*Watcher, error) {
	w := &Watcher{appender: appender, published: newPublished()}
	for _, sc := range sources {
		ex, err := New(sc)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		if err := w.Add(sc, ex); err != nil {
			ex.Close()
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

func newPublished() *xsync.MapOf[string, string] {
	return xsync.NewMapOf[string, string]()
}

// Add watches a source with an already constructed extractor.
func (w *Watcher) Add(config cfg.SourceConfiguration, ex Extractor) error {
	if config.ID == "" {
		return ConfigurationError("source id is required")
	}
	filter, err := NewTableFilter(config.IncludeTables, config.ExcludeTables)
	if err != nil {
		return fmt.Errorf("source %s: %w", config.ID, err)
	}
	interval := time.Duration(config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultInterval
	}
	w.sources = append(w.sources, &watchedSource{config: config, extractor: ex, filter: filter, interval: interval})
	return nil
}

// Run checks every source on its own interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range w.sources {
		wg.Add(1)
		go func(src *watchedSource) {
			defer wg.Done()
			w.watch(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (w *Watcher) watch(ctx context.Context, src *watchedSource) {
	log.Info().
		Str("source_id", src.config.ID).
		Str("type", src.config.Type).
		Dur("interval", src.interval).
		Msg("Watching source for schema drift")

	ticker := time.NewTicker(src.interval)
	defer ticker.Stop()

	for {
		if _, err := w.check(ctx, src); err != nil {
			log.Warn().Err(err).Str("source_id", src.config.ID).Msg("Schema drift check failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckOnce checks one source and reports whether a new snapshot was appended.
func (w *Watcher) CheckOnce(ctx context.Context, sourceID string) (bool, error) {
	for _, src := range w.sources {
		if src.config.ID == sourceID {
			return w.check(ctx, src)
		}
	}
	return false, ConfigurationError("unknown source %q", sourceID)
}

func (w *Watcher) check(ctx context.Context, src *watchedSource) (bool, error) {
	id := src.config.ID
	snap, err := w.extract(ctx, src)
	if err != nil {
		telemetry.WatcherChecksTotal.With(id, "failed").Inc()
		return false, err
	}

	hash := snap.Hash()
	last, known := w.published.Load(id)
	if !known {
		// After a restart, compare against what the event log already holds
		prev, found, err := w.appender.LatestMetadata(ctx, id)
		if err != nil {
			telemetry.WatcherChecksTotal.With(id, "failed").Inc()
			return false, err
		}
		if found {
			last, known = prev.Hash(), true
			w.published.Store(id, last)
		}
	}
	if known && last == hash {
		telemetry.WatcherChecksTotal.With(id, "unchanged").Inc()
		return false, nil
	}

	seq, err := w.appender.AppendMetadata(ctx, id, snap)
	if err != nil {
		telemetry.WatcherChecksTotal.With(id, "failed").Inc()
		return false, err
	}
	w.published.Store(id, hash)
	telemetry.WatcherChecksTotal.With(id, "changed").Inc()

	log.Info().
		Str("source_id", id).
		Uint64("seq", seq).
		Int("tables", len(snap.Tables)).
		Str("hash", hash).
		Msg("Schema drift published")
	return true, nil
}

func (w *Watcher) extract(ctx context.Context, src *watchedSource) (schema.Snapshot, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if !src.connected {
		if err := src.extractor.Connect(ctx); err != nil {
			return schema.Snapshot{}, err
		}
		src.connected = true
	}

	snap, err := src.extractor.ExtractSnapshot(ctx)
	if err != nil {
		// Reconnect on the next check
		src.extractor.Close()
		src.connected = false
		return schema.Snapshot{}, err
	}

	snap = src.filter.Apply(snap)
	snap.SourceID = src.config.ID
	if src.config.Database != "" {
		snap.Database = src.config.Database
	}
	return snap, nil
}

// Close closes every extractor.
func (w *Watcher) Close() error {
	var firstErr error
	for _, src := range w.sources {
		if err := src.extractor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
