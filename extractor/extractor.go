// Package extractor reads schema snapshots from source databases.
//
// Every source system gets its own Extractor implementation, registered by type
// name from its subpackage's init. The Watcher polls extractors and appends a
// schema_changed notification to the event log whenever a source drifts.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/schema"
)

// Error kinds every extractor translates its driver errors into.
var (
	// ErrConnectionFailed means the source could not be reached, or Connect was not called.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConfigurationInvalid means the source configuration cannot work.
	ErrConfigurationInvalid = errors.New("invalid extractor configuration")
	// ErrQueryFailed means a metadata or data query failed.
	ErrQueryFailed = errors.New("query failed")
)

// Extractor is the capability set each source system implements.
type Extractor interface {
	Connect(ctx context.Context) error
	// ExtractSnapshot describes every table of the source.
	ExtractSnapshot(ctx context.Context) (schema.Snapshot, error)
	// Read runs a query and returns each row keyed by column name.
	Read(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
	Close() error
}

// Factory creates an Extractor from a source configuration.
type Factory func(cfg.SourceConfiguration) (Extractor, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a factory for a source type.
func Register(sourceType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sourceType] = factory
}

// New creates the extractor registered for config.Type.
func New(config cfg.SourceConfiguration) (Extractor, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: unknown source type %q", ErrConfigurationInvalid, config.Type)
	}
	return factory(config)
}

// Types lists the registered source types.
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	return out
}

// ConnectionError wraps err as ErrConnectionFailed.
func ConnectionError(source string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, source, err)
}

// ConfigurationError builds an ErrConfigurationInvalid error.
func ConfigurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

// QueryError wraps err as ErrQueryFailed.
func QueryError(query string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrQueryFailed, query, err)
}
