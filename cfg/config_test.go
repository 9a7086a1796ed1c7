package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Role:    RoleAll,
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    9090,
		},
		EventLog: EventLogConfiguration{
			Port:          5000,
			MaxReadBatch:  100,
			LongPollMaxMS: 1000,
		},
		Controller: ControllerConfiguration{
			Name:             "controller",
			EventLogURL:      "http://127.0.0.1:5000",
			PollIntervalMS:   5000,
			RetryBackoffMS:   5000,
			RequestTimeoutMS: 10000,
			HandlerTimeoutMS: 10000,
			BatchSize:        10,
		},
		Vault: VaultConfiguration{
			Driver: "sqlite3",
		},
		ChangeStream: ChangeStreamConfiguration{
			Transport:     "memory",
			Topic:         "cdc_topic",
			ConsumerGroup: "vaultsync",
			Format:        "json",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	// Save original config
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	copied := *original
	Config = &copied

	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidRole(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Role = "leader"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestValidate_InvalidEventLogPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.EventLog.Port = 70000

	if err := Validate(); err == nil {
		t.Error("Expected error for invalid event log port")
	}
}

func TestValidate_AdminPortIgnoredWhenDisabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_ControllerSettings(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *ControllerConfiguration)
	}{
		{"empty name", func(c *ControllerConfiguration) { c.Name = "" }},
		{"bad url", func(c *ControllerConfiguration) { c.EventLogURL = "not a url" }},
		{"zero poll interval", func(c *ControllerConfiguration) { c.PollIntervalMS = 0 }},
		{"zero retry backoff", func(c *ControllerConfiguration) { c.RetryBackoffMS = 0 }},
		{"zero request timeout", func(c *ControllerConfiguration) { c.RequestTimeoutMS = 0 }},
		{"zero handler timeout", func(c *ControllerConfiguration) { c.HandlerTimeoutMS = 0 }},
		{"zero batch size", func(c *ControllerConfiguration) { c.BatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(&Config.Controller)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_VaultDriver(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Vault.Driver = "oracle"
	if err := Validate(); err == nil {
		t.Error("Expected error for unsupported vault driver")
	}

	Config.Vault.Driver = "mysql"
	if err := Validate(); err == nil {
		t.Error("Expected error for mysql without dsn")
	}

	Config.Vault.DSN = "root@tcp(127.0.0.1:3306)/vault"
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for mysql with dsn, got: %v", err)
	}
}

func TestValidate_KeyMappings(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Reconciler.KeyMappings = []KeyMapping{{Table: "audit_log"}}

	if err := Validate(); err == nil {
		t.Error("Expected error for key mapping without columns")
	}

	Config.Reconciler.KeyMappings[0].Columns = []string{"event_id"}
	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidate_ChangeStream(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ChangeStream.Enabled = true

	if err := Validate(); err != nil {
		t.Errorf("Expected memory transport to validate, got: %v", err)
	}

	Config.ChangeStream.Transport = "kafka"
	if err := Validate(); err == nil {
		t.Error("Expected error for kafka without brokers")
	}

	Config.ChangeStream.Brokers = []string{"localhost:9092"}
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for kafka with brokers, got: %v", err)
	}

	Config.ChangeStream.Transport = "nats"
	if err := Validate(); err == nil {
		t.Error("Expected error for nats without url")
	}

	Config.ChangeStream.Transport = "memory"
	Config.ChangeStream.Format = "avro"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestValidate_Sources(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Sources = []SourceConfiguration{
		{ID: "crm", Type: "mysql", DSN: "root@tcp(localhost:3306)/crm"},
		{ID: "files", Type: "file", Path: "/etc/vaultsync/schema.yaml"},
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	Config.Sources = append(Config.Sources, SourceConfiguration{ID: "crm", Type: "sqlite", DSN: "x.db"})
	if err := Validate(); err == nil {
		t.Error("Expected error for duplicate source id")
	}

	Config.Sources = []SourceConfiguration{{ID: "x", Type: "file"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for file source without path")
	}

	Config.Sources = []SourceConfiguration{{ID: "x", Type: "oracle", DSN: "x"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown source type")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	copied := *original
	Config = &copied
	Config.DataDir = filepath.Join(tmpDir, "data")

	err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Errorf("Expected no error for nonexistent file, got: %v", err)
	}
	if Config.NodeID == 0 {
		t.Error("Expected node ID to be generated")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	copied := *original
	Config = &copied

	configPath := filepath.Join(tmpDir, "config.toml")
	content := `
node_id = 7
data_dir = "` + filepath.Join(tmpDir, "data") + `"

[controller]
name = "vault-writer"
poll_interval_ms = 250

[vault]
driver = "sqlite3"

[[reconciler.key_mappings]]
source_id = "crm"
table = "audit_log"
columns = ["event_id"]

[[sources]]
id = "crm"
type = "file"
path = "schema.yaml"
include_tables = ["orders*"]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node ID 7, got %d", Config.NodeID)
	}
	if Config.Controller.Name != "vault-writer" || Config.Controller.PollIntervalMS != 250 {
		t.Errorf("Controller section not decoded: %+v", Config.Controller)
	}
	if Config.Controller.RetryBackoffMS != 5000 {
		t.Errorf("Expected default retry backoff to survive, got %d", Config.Controller.RetryBackoffMS)
	}
	if len(Config.Reconciler.KeyMappings) != 1 || Config.Reconciler.KeyMappings[0].Columns[0] != "event_id" {
		t.Errorf("Key mappings not decoded: %+v", Config.Reconciler.KeyMappings)
	}
	if len(Config.Sources) != 1 || Config.Sources[0].IncludeTables[0] != "orders*" {
		t.Errorf("Sources not decoded: %+v", Config.Sources)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "new-data-dir")

	copied := *original
	Config = &copied
	Config.DataDir = dataDir
	Config.NodeID = 1

	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		t.Error("Expected data directory to be created")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	copied := *original
	Config = &copied
	Config.NodeID = 1

	dataDir := filepath.Join(tmpDir, "override")
	*DataDirFlag = dataDir
	*RoleFlag = RoleController
	*EventLogURLFlag = "http://eventlog:5000"
	defer func() {
		*DataDirFlag = ""
		*RoleFlag = ""
		*EventLogURLFlag = ""
	}()

	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.DataDir != dataDir {
		t.Errorf("Expected data dir %s, got %s", dataDir, Config.DataDir)
	}
	if Config.Role != RoleController {
		t.Errorf("Expected role %s, got %s", RoleController, Config.Role)
	}
	if Config.Controller.EventLogURL != "http://eventlog:5000" {
		t.Errorf("Expected event log url override, got %s", Config.Controller.EventLogURL)
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Fatalf("generateNodeID failed: %v", err)
	}
	id2, err := generateNodeID()
	if err != nil {
		t.Fatalf("generateNodeID failed: %v", err)
	}

	if id1 == 0 {
		t.Error("Expected non-zero node ID")
	}
	if id1 != id2 {
		t.Error("Expected node ID to be stable")
	}
}

func TestVaultDSNDefaultsToDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = "/var/lib/vaultsync"

	if got := VaultDSN(); got != filepath.Join("/var/lib/vaultsync", "vault.db") {
		t.Errorf("Unexpected default dsn: %s", got)
	}

	Config.Vault.DSN = "/tmp/other.db"
	if got := VaultDSN(); got != "/tmp/other.db" {
		t.Errorf("Expected explicit dsn, got %s", got)
	}
}
