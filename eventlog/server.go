package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/rs/zerolog/log"
)

// ServerConfig tunes the HTTP boundary.
type ServerConfig struct {
	MaxReadBatch   int
	LongPollMax    time.Duration
	MaxRequestSize int64
}

// Server exposes a Log over HTTP.
type Server struct {
	log    *Log
	config ServerConfig
	router chi.Router
	http   *http.Server
}

// NewServer builds the router for l. Zero config fields fall back to defaults.
func NewServer(l *Log, config ServerConfig) *Server {
	if config.MaxReadBatch <= 0 {
		config.MaxReadBatch = 1000
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 16 << 20
	}

	s := &Server{log: l, config: config}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/metadata", s.handleAppendMetadata)
	r.Get("/metadata/{sourceID}", s.handleLatestMetadata)
	r.Post("/events", s.handleAppendEvent)
	r.Get("/events", s.handleReadEvents)
	s.router = r

	return s
}

// Handler returns the HTTP handler, for mounting or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Event log server failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Event log server listening")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Head: s.log.Head()})
}

func (s *Server) handleAppendMetadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.SourceID == "" || isEmptyJSON(req.Metadata) {
		writeError(w, http.StatusBadRequest, "source_id and metadata are required")
		return
	}

	// Reject metadata the reconciler could never diff
	if _, err := schema.Decode(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.appendAndRespond(w, r, Notification{
		SourceID: req.SourceID,
		Kind:     KindSchemaChanged,
		Payload:  req.Metadata,
	})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Kind == KindSchemaChanged {
		if _, err := schema.Decode(req.Payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.appendAndRespond(w, r, Notification{
		SourceID: req.SourceID,
		Kind:     req.Kind,
		Payload:  req.Payload,
	})
}

func (s *Server) appendAndRespond(w http.ResponseWriter, r *http.Request, n Notification) {
	seq, err := s.log.Append(r.Context(), n)
	if err != nil {
		if errors.Is(err, common.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("source_id", n.SourceID).Msg("Failed to append notification")
		writeError(w, http.StatusInternalServerError, "failed to append notification")
		return
	}

	writeJSON(w, http.StatusCreated, AppendResponse{Status: "ok", Sequence: seq})
}

func (s *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since uint64
	if v := q.Get("since"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = parsed
	}

	limit := s.config.MaxReadBatch
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, s.config.MaxReadBatch)
	}

	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		parsed, err := parseWait(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(parsed, s.config.LongPollMax)
	}

	telemetry.EventLogReadsTotal.Inc()
	out, err := s.log.WaitSince(r.Context(), since, limit, wait)
	if err != nil {
		log.Error().Err(err).Uint64("since", since).Msg("Failed to read event log")
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatestMetadata(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	meta, ok, err := s.log.LatestMetadata(sourceID)
	if err != nil {
		log.Error().Err(err).Str("source_id", sourceID).Msg("Failed to read metadata")
		writeError(w, http.StatusInternalServerError, "failed to read metadata")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no metadata for source "+sourceID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(meta)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return common.Validationf("invalid request body: %v", err)
	}
	return nil
}

// parseWait accepts a Go duration ("5s") or plain milliseconds ("5000").
func parseWait(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		if ms < 0 {
			return 0, strconv.ErrRange
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, strconv.ErrSyntax
	}
	return d, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
