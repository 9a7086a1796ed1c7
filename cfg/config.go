package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Process roles selectable with -role.
const (
	RoleAll        = "all"
	RoleEventLog   = "eventlog"
	RoleController = "controller"
	RoleConsumer   = "consumer"
	RoleWatcher    = "watcher"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration controls the admin/metrics HTTP listener
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // empty disables auth
}

// EventLogConfiguration controls the event log service
type EventLogConfiguration struct {
	BindAddress    string `toml:"bind_address"`
	Port           int    `toml:"port"`
	MaxReadBatch   int    `toml:"max_read_batch"`
	LongPollMaxMS  int    `toml:"long_poll_max_ms"`
	MaxRequestSize int64  `toml:"max_request_bytes"`
}

// ControllerConfiguration controls the polling controller
type ControllerConfiguration struct {
	Name             string `toml:"name"` // cursor name
	EventLogURL      string `toml:"event_log_url"`
	PollIntervalMS   int    `toml:"poll_interval_ms"`
	RetryBackoffMS   int    `toml:"retry_backoff_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
	HandlerTimeoutMS int    `toml:"handler_timeout_ms"`
	BatchSize        int    `toml:"batch_size"`
	LongPollMS       int    `toml:"long_poll_ms"`
}

// VaultConfiguration selects the Data Vault store
type VaultConfiguration struct {
	Driver         string `toml:"driver"` // "sqlite3" or "mysql"
	DSN            string `toml:"dsn"`    // sqlite3 defaults to {data_dir}/vault.db
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
}

// KeyMapping supplies the business key for a table without a declared primary key
type KeyMapping struct {
	SourceID string   `toml:"source_id"` // empty matches every source
	Table    string   `toml:"table"`
	Columns  []string `toml:"columns"`
}

// ReconcilerConfiguration controls snapshot reconciliation
type ReconcilerConfiguration struct {
	KeyMappings       []KeyMapping `toml:"key_mappings"`
	SnapshotCacheSize int          `toml:"snapshot_cache_size"`
}

// ChangeStreamConfiguration controls the row-level change pipeline
type ChangeStreamConfiguration struct {
	Enabled         bool     `toml:"enabled"`
	Transport       string   `toml:"transport"` // "kafka", "nats" or "memory"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	Topic           string   `toml:"topic"`
	ConsumerGroup   string   `toml:"consumer_group"`
	Format          string   `toml:"format"` // "json" or "msgpack"
	BatchSize       int      `toml:"batch_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// SourceConfiguration describes one source database watched for schema drift
type SourceConfiguration struct {
	ID              string   `toml:"id"`
	Type            string   `toml:"type"` // "mysql", "postgres", "sqlite" or "file"
	DSN             string   `toml:"dsn"`
	Path            string   `toml:"path"` // file extractor
	Database        string   `toml:"database"`
	IncludeTables   []string `toml:"include_tables"`
	ExcludeTables   []string `toml:"exclude_tables"`
	IntervalSeconds int      `toml:"interval_seconds"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`
	Role    string `toml:"role"`

	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Admin        AdminConfiguration        `toml:"admin"`
	EventLog     EventLogConfiguration     `toml:"event_log"`
	Controller   ControllerConfiguration   `toml:"controller"`
	Vault        VaultConfiguration        `toml:"vault"`
	Reconciler   ReconcilerConfiguration   `toml:"reconciler"`
	ChangeStream ChangeStreamConfiguration `toml:"change_stream"`
	Sources      []SourceConfiguration     `toml:"sources"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag      = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	RoleFlag        = flag.String("role", "", "Process role: all, eventlog, controller, consumer, watcher")
	EventLogURLFlag = flag.String("event-log-url", "", "Event log base URL (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./vaultsync-data",
	Role:    RoleAll,

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        9090,
	},

	EventLog: EventLogConfiguration{
		BindAddress:    "0.0.0.0",
		Port:           5000,
		MaxReadBatch:   1000,
		LongPollMaxMS:  30000,
		MaxRequestSize: 16 << 20,
	},

	Controller: ControllerConfiguration{
		Name:             "controller",
		EventLogURL:      "http://127.0.0.1:5000",
		PollIntervalMS:   5000,  // original controller slept 5s between polls
		RetryBackoffMS:   5000,  // fixed backoff after a transport failure
		RequestTimeoutMS: 10000, // bound on every event log call
		HandlerTimeoutMS: 10000,
		BatchSize:        100,
	},

	Vault: VaultConfiguration{
		Driver:         "sqlite3",
		BusyTimeoutMS:  5000,
		WriteTimeoutMS: 10000,
	},

	Reconciler: ReconcilerConfiguration{
		SnapshotCacheSize: 256,
	},

	ChangeStream: ChangeStreamConfiguration{
		Enabled:         false,
		Transport:       "memory",
		Topic:           "cdc_topic",
		ConsumerGroup:   "vaultsync",
		Format:          "json",
		BatchSize:       100,
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *RoleFlag != "" {
		Config.Role = *RoleFlag
	}
	if *EventLogURLFlag != "" {
		Config.Controller.EventLogURL = *EventLogURLFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a stable node ID from the machine ID, falling back to the hostname
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("vaultsync")
	if err != nil {
		hostname, herr := os.Hostname()
		if herr != nil {
			return 0, fmt.Errorf("machine id: %v, hostname: %w", err, herr)
		}
		log.Debug().Err(err).Msg("Machine ID unavailable, deriving node ID from hostname")
		id = hostname
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum, nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Role {
	case RoleAll, RoleEventLog, RoleController, RoleConsumer, RoleWatcher:
	default:
		return fmt.Errorf("invalid role: %q", Config.Role)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.EventLog.Port < 1 || Config.EventLog.Port > 65535 {
		return fmt.Errorf("invalid event log port: %d", Config.EventLog.Port)
	}

	if Config.EventLog.MaxReadBatch < 1 {
		return fmt.Errorf("event log max read batch must be >= 1")
	}

	if Config.EventLog.LongPollMaxMS < 0 {
		return fmt.Errorf("event log long poll max must be >= 0")
	}

	// Validate controller configuration
	if Config.Controller.Name == "" {
		return fmt.Errorf("controller name is required")
	}

	if _, err := url.ParseRequestURI(Config.Controller.EventLogURL); err != nil {
		return fmt.Errorf("invalid controller event log url %q: %w", Config.Controller.EventLogURL, err)
	}

	if Config.Controller.PollIntervalMS < 1 {
		return fmt.Errorf("controller poll interval must be >= 1ms")
	}

	if Config.Controller.RetryBackoffMS < 1 {
		return fmt.Errorf("controller retry backoff must be >= 1ms")
	}

	if Config.Controller.RequestTimeoutMS < 1 {
		return fmt.Errorf("controller request timeout must be >= 1ms")
	}

	if Config.Controller.HandlerTimeoutMS < 1 {
		return fmt.Errorf("controller handler timeout must be >= 1ms")
	}

	if Config.Controller.BatchSize < 1 {
		return fmt.Errorf("controller batch size must be >= 1")
	}

	// Validate vault configuration
	switch Config.Vault.Driver {
	case "sqlite3":
	case "mysql":
		if Config.Vault.DSN == "" {
			return fmt.Errorf("vault dsn is required for mysql")
		}
	default:
		return fmt.Errorf("invalid vault driver: %q", Config.Vault.Driver)
	}

	for i, m := range Config.Reconciler.KeyMappings {
		if m.Table == "" || len(m.Columns) == 0 {
			return fmt.Errorf("key mapping %d needs a table and at least one column", i)
		}
	}

	// Validate change stream configuration
	if Config.ChangeStream.Enabled {
		switch Config.ChangeStream.Transport {
		case "kafka":
			if len(Config.ChangeStream.Brokers) == 0 {
				return fmt.Errorf("kafka change stream requires brokers")
			}
		case "nats":
			if Config.ChangeStream.NatsURL == "" {
				return fmt.Errorf("nats change stream requires nats_url")
			}
		case "memory":
		default:
			return fmt.Errorf("invalid change stream transport: %q", Config.ChangeStream.Transport)
		}

		if Config.ChangeStream.Topic == "" {
			return fmt.Errorf("change stream topic is required")
		}
		if Config.ChangeStream.ConsumerGroup == "" {
			return fmt.Errorf("change stream consumer group is required")
		}
		if Config.ChangeStream.Format != "json" && Config.ChangeStream.Format != "msgpack" {
			return fmt.Errorf("invalid change stream format: %q", Config.ChangeStream.Format)
		}
	}

	seen := make(map[string]bool, len(Config.Sources))
	for _, src := range Config.Sources {
		if src.ID == "" {
			return fmt.Errorf("source id is required")
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id: %s", src.ID)
		}
		seen[src.ID] = true

		switch src.Type {
		case "mysql", "postgres", "sqlite":
			if src.DSN == "" {
				return fmt.Errorf("source %s: dsn is required for %s", src.ID, src.Type)
			}
		case "file":
			if src.Path == "" {
				return fmt.Errorf("source %s: path is required for file sources", src.ID)
			}
		default:
			return fmt.Errorf("source %s: unknown type %q", src.ID, src.Type)
		}

		if src.IntervalSeconds < 0 {
			return fmt.Errorf("source %s: interval must be >= 0", src.ID)
		}
	}

	return nil
}

// VaultDSN returns the configured vault DSN, defaulting sqlite3 to the data directory
func VaultDSN() string {
	if Config.Vault.DSN != "" || Config.Vault.Driver != "sqlite3" {
		return Config.Vault.DSN
	}
	return filepath.Join(Config.DataDir, "vault.db")
}

// EventLogDir returns the Pebble directory of the event log
func EventLogDir() string {
	return filepath.Join(Config.DataDir, "event_log")
}

// CursorDir returns the Pebble directory of the controller cursor store
func CursorDir() string {
	return filepath.Join(Config.DataDir, "cursors")
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
