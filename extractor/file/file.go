// Package file reads schema snapshots from YAML (or JSON) files, for sources
// whose schema is maintained by hand or exported by another tool.
package file

import (
	"context"
	"errors"
	"os"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/maxpert/vaultsync/schema"
	"gopkg.in/yaml.v3"
)

func init() {
	extractor.Register("file", func(config cfg.SourceConfiguration) (extractor.Extractor, error) {
		return New(config)
	})
}

// Extractor loads a snapshot document from disk on every extraction.
type Extractor struct {
	path      string
	database  string
	connected bool
}

// New creates a file extractor for config.Path.
func New(config cfg.SourceConfiguration) (*Extractor, error) {
	if config.Path == "" {
		return nil, extractor.ConfigurationError("file source %s needs a path", config.ID)
	}
	return &Extractor{path: config.Path, database: config.Database}, nil
}

func (e *Extractor) Connect(ctx context.Context) error {
	info, err := os.Stat(e.path)
	if err != nil {
		return extractor.ConnectionError(e.path, err)
	}
	if info.IsDir() {
		return extractor.ConfigurationError("%s is a directory", e.path)
	}
	e.connected = true
	return nil
}

func (e *Extractor) ExtractSnapshot(ctx context.Context) (schema.Snapshot, error) {
	if !e.connected {
		return schema.Snapshot{}, extractor.ConnectionError(e.path, errors.New("not connected"))
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return schema.Snapshot{}, extractor.ConnectionError(e.path, err)
	}

	var snap schema.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return schema.Snapshot{}, extractor.QueryError(e.path, err)
	}
	if err := snap.Validate(); err != nil {
		return schema.Snapshot{}, extractor.QueryError(e.path, err)
	}
	if snap.Database == "" {
		snap.Database = e.database
	}
	return snap, nil
}

// Read is not supported; a schema file holds no rows.
func (e *Extractor) Read(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, extractor.QueryError(query, errors.New("file sources hold no rows"))
}

func (e *Extractor) Close() error {
	e.connected = false
	return nil
}
