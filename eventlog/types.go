package eventlog

import (
	"encoding/json"

	"github.com/maxpert/vaultsync/common"
)

// Kind classifies a notification.
type Kind string

const (
	KindSchemaChanged Kind = "schema_changed"
	KindRowChanged    Kind = "row_changed"
)

// Valid reports whether the kind is one the controller can dispatch.
func (k Kind) Valid() bool {
	return k == KindSchemaChanged || k == KindRowChanged
}

// Notification is one immutable entry of the event log.
// Sequence and AppendedAt are assigned by Append.
type Notification struct {
	Sequence   uint64          `json:"sequence"`
	SourceID   string          `json:"source_id"`
	Kind       Kind            `json:"kind"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	AppendedAt int64           `json:"appended_at"`
}

// Validate rejects notifications missing a source or carrying an unknown kind.
func (n Notification) Validate() error {
	if n.SourceID == "" {
		return common.Validationf("source_id is required")
	}
	if n.Kind == "" {
		return common.Validationf("kind is required")
	}
	if !n.Kind.Valid() {
		return common.Validationf("unknown kind %q", n.Kind)
	}
	return nil
}

// MetadataRequest is the body of POST /metadata.
type MetadataRequest struct {
	SourceID string          `json:"source_id"`
	Metadata json.RawMessage `json:"metadata"`
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	SourceID string          `json:"source_id"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// AppendResponse is returned by both append endpoints.
type AppendResponse struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Head   uint64 `json:"head"`
}
