// Package controller turns the event log into an exactly-once-effective dispatch
// stream.
//
// A Controller polls the log for notifications after its durable cursor,
// dispatches them in sequence order to the handler registered for their kind,
// and saves the cursor only after a handler returned nil. A crash between the
// handler and the cursor save redelivers one notification; handlers are
// idempotent, so the redelivery has no effect.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/rs/zerolog/log"
)

// State is the controller's position in its poll cycle.
type State int

const (
	Idle State = iota
	Polling
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Dispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRetryBackoff   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultHandlerTimeout = 10 * time.Second
	DefaultBatchSize      = 100
)

// Source reads notifications after a sequence. eventlog.Client implements it.
type Source interface {
	ReadSince(ctx context.Context, since uint64, limit int) ([]eventlog.Notification, error)
}

// HeadSource reports the last sequence in the event log. A Source that also
// implements it lets the controller notice a cursor left past a reset log.
type HeadSource interface {
	Head(ctx context.Context) (uint64, error)
}

// ErrCursorAhead is recorded while the saved cursor is past the event log head.
var ErrCursorAhead = errors.New("controller cursor is ahead of the event log head")

// Handler applies one notification. Returning an error wrapping
// common.ErrValidation skips the notification; any other error retries it.
type Handler interface {
	Handle(ctx context.Context, n eventlog.Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n eventlog.Notification) error

func (f HandlerFunc) Handle(ctx context.Context, n eventlog.Notification) error {
	return f(ctx, n)
}

// Config configures a Controller
type Config struct {
	Name           string                    // Cursor name
	Source         Source                    // Event log
	Cursors        *CursorStore              // Durable cursor
	Handlers       map[eventlog.Kind]Handler // Dispatch table
	PollInterval   time.Duration             // Sleep when caught up
	RetryBackoff   time.Duration             // Sleep after a failed cycle
	RequestTimeout time.Duration             // Bound on one event log read
	HandlerTimeout time.Duration             // Bound on one handler call
	BatchSize      int                       // Notifications per read

	// OnStart runs once before the first poll. A failure is logged and recorded
	// in Status but does not stop the controller.
	OnStart func(ctx context.Context) error
}

// Status is a point-in-time view of a controller. Gaps counts reads that skipped
// sequences; Head is the event log head seen on the last caught-up poll.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Cursor      uint64    `json:"cursor"`
	Dispatched  uint64    `json:"dispatched"`
	Skipped     uint64    `json:"skipped"`
	Gaps        uint64    `json:"gaps"`
	Head        uint64    `json:"head,omitempty"`
	CursorAhead bool      `json:"cursor_ahead"`
	LastError   string    `json:"last_error,omitempty"`
	LastPollAt  time.Time `json:"last_poll_at"`
}

// Controller is the polling dispatch loop.
type Controller struct {
	config Config

	mu         sync.RWMutex
	state      State
	cursor     uint64
	dispatched uint64
	skipped    uint64
	gaps       uint64
	head       uint64
	ahead      bool
	lastErr    error
	lastPollAt time.Time
}

// New creates a controller resuming from its saved cursor.
func New(config Config) (*Controller, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("controller name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultHandlerTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	cursor, err := config.Cursors.Load(config.Name)
	if err != nil {
		return nil, err
	}
	telemetry.ControllerCursor.Set(float64(cursor))

	return &Controller{config: config, cursor: cursor}, nil
}

// Run polls until ctx is done. A notification being handled when ctx ends is
// finished, and its cursor saved, before Run returns. Only cursor corruption
// ends Run with an error.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().
		Str("controller", c.config.Name).
		Uint64("cursor", c.Cursor()).
		Msg("Controller started")
	defer log.Info().Str("controller", c.config.Name).Msg("Controller stopped")

	if c.config.OnStart != nil {
		if err := c.config.OnStart(ctx); err != nil {
			c.recordError(err)
			log.Warn().Err(err).Str("controller", c.config.Name).Msg("Startup task failed")
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := c.PollOnce(ctx)
		wait := c.config.PollInterval
		switch {
		case errors.Is(err, ErrCursorCorrupt):
			return err
		case err != nil:
			wait = c.config.RetryBackoff
		case n >= c.config.BatchSize:
			// Backlog remains
			wait = 0
		}

		if wait > 0 && !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// PollOnce runs one Polling and Dispatching cycle and returns the number of
// notifications the cursor moved past.
func (c *Controller) PollOnce(ctx context.Context) (int, error) {
	defer c.setState(Idle)

	c.setState(Polling)
	cursor := c.Cursor()

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	batch, err := c.config.Source.ReadSince(rctx, cursor, c.config.BatchSize)
	cancel()
	telemetry.ControllerPollSeconds.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.lastPollAt = time.Now()
	c.mu.Unlock()

	if err != nil {
		err = common.Transport("poll event log", err)
		telemetry.ControllerPollsTotal.With("transport_error").Inc()
		c.recordError(err)
		log.Warn().
			Err(err).
			Str("controller", c.config.Name).
			Uint64("cursor", cursor).
			Dur("retry_backoff", c.config.RetryBackoff).
			Msg("Failed to poll event log")
		return 0, err
	}
	telemetry.ControllerPollsTotal.With("ok").Inc()

	if len(batch) == 0 {
		c.recordError(c.checkHead(ctx, cursor))
		return 0, nil
	}
	c.setAhead(false)

	c.setState(Dispatching)
	advanced := 0
	for _, n := range batch {
		// Stop at a notification boundary on shutdown
		if ctx.Err() != nil {
			break
		}
		if n.Sequence <= cursor {
			continue
		}
		if n.Sequence != cursor+1 {
			c.mu.Lock()
			c.gaps++
			c.mu.Unlock()
			telemetry.ControllerSequenceGapsTotal.Inc()
			log.Warn().
				Str("controller", c.config.Name).
				Uint64("cursor", cursor).
				Uint64("seq", n.Sequence).
				Msg("Sequence gap in event log read")
		}

		if err := c.dispatch(ctx, n); err != nil {
			c.recordError(err)
			return advanced, err
		}
		if err := c.advance(n.Sequence); err != nil {
			c.recordError(err)
			return advanced, err
		}
		cursor = n.Sequence
		advanced++
	}

	c.recordError(nil)
	return advanced, nil
}

// checkHead compares the cursor with the event log head after an empty read.
// A cursor past the head means the log was reset or replaced and nothing will
// be dispatched until the log grows past the cursor again.
func (c *Controller) checkHead(ctx context.Context, cursor uint64) error {
	hs, ok := c.config.Source.(HeadSource)
	if !ok || cursor == 0 {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	head, err := hs.Head(rctx)
	cancel()
	if err != nil {
		// The read itself succeeded, try again on the next empty poll
		log.Debug().Err(err).Str("controller", c.config.Name).Msg("Failed to read event log head")
		return nil
	}

	c.mu.Lock()
	c.head = head
	c.mu.Unlock()

	if head >= cursor {
		c.setAhead(false)
		return nil
	}

	c.setAhead(true)
	log.Warn().
		Str("controller", c.config.Name).
		Uint64("cursor", cursor).
		Uint64("head", head).
		Msg("Cursor is ahead of the event log head, waiting for the log to catch up")
	return fmt.Errorf("%w: cursor %d, head %d", ErrCursorAhead, cursor, head)
}

func (c *Controller) setAhead(ahead bool) {
	c.mu.Lock()
	c.ahead = ahead
	c.mu.Unlock()
	if ahead {
		telemetry.ControllerCursorAhead.Set(1)
	} else {
		telemetry.ControllerCursorAhead.Set(0)
	}
}

// dispatch returns nil when the cursor may move past n.
func (c *Controller) dispatch(ctx context.Context, n eventlog.Notification) error {
	logger := log.With().
		Str("controller", c.config.Name).
		Uint64("seq", n.Sequence).
		Str("source_id", n.SourceID).
		Str("kind", string(n.Kind)).
		Logger()

	if err := n.Validate(); err != nil {
		c.skip(n, "malformed")
		logger.Warn().Err(err).Msg("Skipping malformed notification")
		return nil
	}

	handler, ok := c.config.Handlers[n.Kind]
	if !ok {
		c.skip(n, "unhandled")
		logger.Warn().Msg("Skipping notification with no handler for its kind")
		return nil
	}

	// The handler runs to completion even if ctx is cancelled mid-call
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.HandlerTimeout)
	err := handler.Handle(hctx, n)
	cancel()

	switch {
	case err == nil:
		c.mu.Lock()
		c.dispatched++
		c.mu.Unlock()
		telemetry.ControllerDispatchTotal.With(string(n.Kind), "ok").Inc()
		return nil
	case errors.Is(err, common.ErrValidation):
		c.skip(n, "invalid")
		logger.Warn().Err(err).Msg("Skipping notification rejected by handler")
		return nil
	default:
		telemetry.ControllerDispatchTotal.With(string(n.Kind), "failed").Inc()
		logger.Error().Err(err).Msg("Handler failed, notification will be retried")
		return fmt.Errorf("handle seq %d: %w", n.Sequence, err)
	}
}

func (c *Controller) advance(seq uint64) error {
	if err := c.config.Cursors.Save(c.config.Name, seq); err != nil {
		return err
	}
	c.mu.Lock()
	c.cursor = seq
	c.mu.Unlock()
	telemetry.ControllerCursor.Set(float64(seq))
	return nil
}

func (c *Controller) skip(n eventlog.Notification, reason string) {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
	telemetry.ControllerDispatchTotal.With(string(n.Kind), "skipped_"+reason).Inc()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Cursor returns the last processed sequence.
func (c *Controller) Cursor() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Status returns a snapshot for the admin API.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Name:        c.config.Name,
		State:       c.state.String(),
		Cursor:      c.cursor,
		Dispatched:  c.dispatched,
		Skipped:     c.skipped,
		Gaps:        c.gaps,
		Head:        c.head,
		CursorAhead: c.ahead,
		LastPollAt:  c.lastPollAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
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
