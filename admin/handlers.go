package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/vaultsync/controller"
	"github.com/maxpert/vaultsync/vault"
	"github.com/rs/zerolog/log"
)

// StatusReporter reports the state of a running controller.
type StatusReporter interface {
	Status() controller.Status
}

// HeadReader reports the last sequence assigned by the event log.
type HeadReader interface {
	Head() uint64
}

// AdminHandlers serves read-only views of the vault and the controllers.
type AdminHandlers struct {
	store       vault.Store
	controllers []StatusReporter
	head        HeadReader
}

// NewAdminHandlers creates a new AdminHandlers instance. head may be nil when
// the event log runs in another process.
func NewAdminHandlers(store vault.Store, head HeadReader, controllers ...StatusReporter) *AdminHandlers {
	return &AdminHandlers{
		store:       store,
		controllers: controllers,
		head:        head,
	}
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]controller.Status, 0, len(h.controllers))
	for _, c := range h.controllers {
		statuses = append(statuses, c.Status())
	}

	response := map[string]interface{}{
		"controllers": statuses,
	}
	if h.head != nil {
		response["event_log_head"] = h.head.Head()
	}
	if h.store != nil {
		parked, err := h.store.CountParked(r.Context())
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response["parked_tables"] = parked
	}
	writeJSONResponse(w, response, false, "")
}

func (h *AdminHandlers) handleParked(w http.ResponseWriter, r *http.Request) {
	parked, err := h.store.ParkedTables(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, parked, false, "")
}

func (h *AdminHandlers) handleHubs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	hubs, err := h.store.Hubs(r.Context(), r.URL.Query().Get("entity_type"))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Hubs come back in load order, so resume after the last key seen
	start := 0
	if from := parseFrom(r); from != "" {
		for i, hub := range hubs {
			if hub.HubID == from {
				start = i + 1
				break
			}
		}
	}
	page, hasMore := paginate(hubs[start:], limit)
	lastKey := ""
	if hasMore {
		lastKey = page[len(page)-1].HubID
	}
	writeJSONResponse(w, page, hasMore, lastKey)
}

func (h *AdminHandlers) handleLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.store.Links(r.Context(), r.URL.Query().Get("link_type"))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, links, false, "")
}

func (h *AdminHandlers) handleSatellites(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "parentID")
	if parentID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "parent id is required")
		return
	}

	sats, err := h.store.Satellites(r.Context(), parentID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(sats) == 0 {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("no satellites for %s", parentID))
		return
	}
	writeJSONResponse(w, sats, false, "")
}

func (h *AdminHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	snap, err := h.store.AppliedSnapshot(r.Context(), sourceID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("nothing applied for source %s", sourceID))
		return
	}
	writeJSONResponse(w, snap, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 10000 {
		return 10000, nil
	}

	return limit, nil
}

// parseFrom returns the exclusive start key for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

func paginate(hubs []vault.Hub, limit int) ([]vault.Hub, bool) {
	if len(hubs) <= limit {
		return hubs, false
	}
	return hubs[:limit], true
}
