// Package commit performs the booking write against the calendar
// records system with bounded retries and a circuit breaker. Every
// attempt outcome is visible in the returned BookingOutcome; nothing
// is swallowed.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/audit"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
	"github.com/veridianhealth/scheduling-engine/pkg/logging"
)

// Status is the tagged outcome of a commit call.
type Status string

const (
	// StatusCreated means the booking was written.
	StatusCreated Status = "created"
	// StatusValidationFailed means the request was rejected before or
	// by the remote system without consuming the retry budget.
	StatusValidationFailed Status = "validation_failed"
	// StatusFailed means every attempt was exhausted.
	StatusFailed Status = "failed"
	// StatusCircuitOpen means the breaker refused the final attempt;
	// callers can phrase this as "try again shortly" rather than a
	// generic failure.
	StatusCircuitOpen Status = "circuit_open"
	// StatusPendingRetry is the graceful-degradation outcome produced
	// by Fallback when the caller chooses to queue the booking for
	// later instead of failing outright.
	StatusPendingRetry Status = "pending_retry"
)

// BookingOutcome is what every commit call resolves to. Exactly one
// Status is set; Record is non-nil only for StatusCreated.
type BookingOutcome struct {
	Status     Status                  `json:"status"`
	Record     *schedule.BookingRecord `json:"record,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Attempts   int                     `json:"attempts"`
	RetryAfter time.Duration           `json:"retry_after,omitempty"`
}

// RetryConfig tunes the commit retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches the production booking path.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Backoff:      2.0,
		MaxDelay:     30 * time.Second,
	}
}

// AttemptObserver receives the result of each finished commit call.
type AttemptObserver interface {
	ObserveBookingAttempt(result string)
}

// Committer owns the booking write path: validation, retry loop, and
// the circuit breaker guarding the remote call.
type Committer struct {
	client   schedule.Client
	breaker  *CircuitBreaker
	retry    RetryConfig
	recorder audit.Recorder
	logger   *logging.Logger
	observer AttemptObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

// CommitterOption configures optional collaborators.
type CommitterOption func(*Committer)

// WithAttemptObserver wires booking metrics into the committer.
func WithAttemptObserver(o AttemptObserver) CommitterOption {
	return func(c *Committer) { c.observer = o }
}

// WithSleep replaces the backoff sleep; tests use it to run the retry
// loop without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CommitterOption {
	return func(c *Committer) { c.sleep = sleep }
}

// NewCommitter builds a committer. A nil breaker gets the default
// tuning; a nil recorder discards audit events.
func NewCommitter(client schedule.Client, breaker *CircuitBreaker, retry RetryConfig, recorder audit.Recorder, logger *logging.Logger, opts ...CommitterOption) *Committer {
	defaults := DefaultRetryConfig()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaults.MaxAttempts
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = defaults.InitialDelay
	}
	if retry.Backoff < 1 {
		retry.Backoff = defaults.Backoff
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaults.MaxDelay
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultBreakerConfig())
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Committer{
		client:   client,
		breaker:  breaker,
		retry:    retry,
		recorder: recorder,
		logger:   logger.WithComponent("commit"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the breaker for state inspection.
func (c *Committer) Breaker() *CircuitBreaker { return c.breaker }

// Commit validates the request and performs the booking write with
// retries. Validation failures short-circuit with no remote calls and
// no breaker interaction.
func (c *Committer) Commit(ctx context.Context, req schedule.CreateBookingRequest, sessionID string) BookingOutcome {
	if err := validateRequest(&req); err != nil {
		c.audit(ctx, audit.Event{
			EventType:    audit.EventBookingValidationFailed,
			SessionID:    sessionID,
			PatientHash:  audit.HashIdentifier(req.PatientID),
			ProviderHash: audit.HashIdentifier(req.ProviderID),
			Outcome:      string(StatusValidationFailed),
			Details:      detailsJSON(map[string]any{"error": err.Error()}),
		})
		c.observe(string(StatusValidationFailed))
		return BookingOutcome{Status: StatusValidationFailed, Reason: err.Error()}
	}

	patientHash := audit.HashIdentifier(req.PatientID)
	providerHash := audit.HashIdentifier(req.ProviderID)

	delay := c.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if !c.breaker.Allow() {
			c.audit(ctx, audit.Event{
				EventType:    audit.EventCircuitOpen,
				SessionID:    sessionID,
				PatientHash:  patientHash,
				ProviderHash: providerHash,
				Attempt:      attempt,
				Outcome:      string(c.breaker.State()),
			})

			if attempt == c.retry.MaxAttempts {
				c.observe(string(StatusCircuitOpen))
				return BookingOutcome{
					Status:     StatusCircuitOpen,
					Reason:     "calendar system unavailable, circuit breaker open",
					Attempts:   attempt,
					RetryAfter: c.breaker.RetryAfter(),
				}
			}
			if err := c.sleep(ctx, delay); err != nil {
				return c.cancelled(attempt, err)
			}
			delay = nextDelay(delay, c.retry)
			continue
		}

		record, err := c.client.CreateBooking(ctx, req)
		if err == nil {
			c.breaker.RecordSuccess()
			c.audit(ctx, audit.Event{
				EventType:    audit.EventBookingCreated,
				SessionID:    sessionID,
				PatientHash:  patientHash,
				ProviderHash: providerHash,
				Attempt:      attempt,
				Outcome:      string(StatusCreated),
				Details:      detailsJSON(map[string]any{"record_id": record.RecordID}),
			})
			c.observe(string(StatusCreated))
			return BookingOutcome{Status: StatusCreated, Record: record, Attempts: attempt}
		}

		lastErr = err
		category := schedule.CategoryOf(err)

		// remote validation rejections map to validation_failed and do
		// not consume the retry budget or feed the breaker
		if category == schedule.CategoryBadRequest {
			c.audit(ctx, audit.Event{
				EventType:    audit.EventBookingValidationFailed,
				SessionID:    sessionID,
				PatientHash:  patientHash,
				ProviderHash: providerHash,
				Attempt:      attempt,
				Outcome:      string(StatusValidationFailed),
				Details:      detailsJSON(map[string]any{"error": err.Error()}),
			})
			c.observe(string(StatusValidationFailed))
			return BookingOutcome{Status: StatusValidationFailed, Reason: err.Error(), Attempts: attempt}
		}

		// permanent rejections (auth) are not retried either
		if category == schedule.CategoryUnauthorized {
			c.auditFailure(ctx, sessionID, patientHash, providerHash, attempt, err)
			c.observe(string(StatusFailed))
			return BookingOutcome{Status: StatusFailed, Reason: err.Error(), Attempts: attempt}
		}

		c.breaker.RecordFailure()
		c.audit(ctx, audit.Event{
			EventType:    audit.EventBookingAttempt,
			SessionID:    sessionID,
			PatientHash:  patientHash,
			ProviderHash: providerHash,
			Attempt:      attempt,
			Outcome:      string(StatusFailed),
			Details:      detailsJSON(map[string]any{"error": err.Error()}),
		})

		if attempt < c.retry.MaxAttempts {
			c.logger.Warn("booking attempt failed, retrying",
				"attempt", attempt,
				"delay", delay.String(),
				"error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return c.cancelled(attempt, err)
			}
			delay = nextDelay(delay, c.retry)
		}
	}

	c.auditFailure(ctx, sessionID, patientHash, providerHash, c.retry.MaxAttempts, lastErr)
	c.observe(string(StatusFailed))
	reason := "all booking attempts failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return BookingOutcome{Status: StatusFailed, Reason: reason, Attempts: c.retry.MaxAttempts}
}

// Fallback produces the pending-retry outcome offered when the
// calendar system is unavailable and the caller prefers queueing the
// booking over failing the conversation.
func (c *Committer) Fallback() BookingOutcome {
	retryAfter := c.breaker.RetryAfter()
	if retryAfter <= 0 {
		retryAfter = c.breaker.cfg.RecoveryTimeout
	}
	return BookingOutcome{
		Status:     StatusPendingRetry,
		Reason:     "booking will be created when the calendar system becomes available",
		RetryAfter: retryAfter,
	}
}

func (c *Committer) cancelled(attempt int, err error) BookingOutcome {
	c.observe(string(StatusFailed))
	return BookingOutcome{
		Status:   StatusFailed,
		Reason:   fmt.Sprintf("commit cancelled: %v", err),
		Attempts: attempt,
	}
}

func (c *Committer) auditFailure(ctx context.Context, sessionID, patientHash, providerHash string, attempts int, err error) {
	details := map[string]any{}
	if err != nil {
		details["error"] = err.Error()
	}
	c.audit(ctx, audit.Event{
		EventType:    audit.EventBookingFailed,
		SessionID:    sessionID,
		PatientHash:  patientHash,
		ProviderHash: providerHash,
		Attempt:      attempts,
		Outcome:      string(StatusFailed),
		Details:      detailsJSON(details),
	})
}

// audit failures are logged, never propagated; losing an audit row
// must not lose a booking
func (c *Committer) audit(ctx context.Context, event audit.Event) {
	if err := c.recorder.Record(ctx, event); err != nil {
		c.logger.Error("audit record failed", "event_type", string(event.EventType), "error", err)
	}
}

func (c *Committer) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveBookingAttempt(result)
	}
}

// validateRequest checks required fields and derives the end time from
// the duration.
func validateRequest(req *schedule.CreateBookingRequest) error {
	switch {
	case req.PatientID == "":
		return fmt.Errorf("patient_id is required")
	case req.ProviderID == "":
		return fmt.Errorf("provider_id is required")
	case req.Start.IsZero():
		return fmt.Errorf("start_time is required")
	case req.AppointmentType == "":
		return fmt.Errorf("appointment_type is required")
	case req.DurationMinutes <= 0:
		return fmt.Errorf("duration_minutes must be a positive integer, got %d", req.DurationMinutes)
	}
	req.End = req.Start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	return nil
}

func nextDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(delay) * cfg.Backoff)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func detailsJSON(details map[string]any) json.RawMessage {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}
