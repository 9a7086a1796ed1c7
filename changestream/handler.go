package changestream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/rs/zerolog/log"
)

// RowChangedPayload is the payload of a row_changed notification.
type RowChangedPayload struct {
	Records []RowChange `json:"records"`
}

// RowHandler forwards row_changed notifications to the change topic.
type RowHandler struct {
	pipeline *Pipeline
}

// NewRowHandler creates a handler publishing through p.
func NewRowHandler(p *Pipeline) *RowHandler {
	return &RowHandler{pipeline: p}
}

// Handle publishes every record of n. Records missing a source inherit the
// notification's, and records without a change id are identified by the
// notification sequence and their position, so handling n again writes nothing new.
func (h *RowHandler) Handle(ctx context.Context, n eventlog.Notification) error {
	if n.Kind != eventlog.KindRowChanged {
		return common.Validationf("row handler cannot handle %q notifications", n.Kind)
	}

	var payload RowChangedPayload
	if err := json.Unmarshal(n.Payload, &payload); err != nil {
		return common.Validationf("decode row_changed payload: %v", err)
	}
	for i := range payload.Records {
		if payload.Records[i].SourceID == "" {
			payload.Records[i].SourceID = n.SourceID
		}
		if payload.Records[i].ChangeID == "" && n.Sequence > 0 {
			payload.Records[i].ChangeID = ChangeID(n.Sequence, i)
		}
	}

	if err := h.pipeline.StreamChanges(ctx, payload.Records); err != nil {
		return err
	}

	log.Debug().
		Str("source_id", n.SourceID).
		Uint64("seq", n.Sequence).
		Int("records", len(payload.Records)).
		Msg("Row changes published")
	return nil
}

// ChangeID names the record at index of the notification with sequence seq.
func ChangeID(seq uint64, index int) string {
	return fmt.Sprintf("%d:%d", seq, index)
}
