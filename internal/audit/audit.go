// Package audit records scheduling events for compliance review.
// Events carry masked identifiers only; callers hash patient and
// provider IDs before handing them over.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// EventType labels a scheduling audit event.
type EventType string

const (
	// EventConflictCheck is logged for every conflict evaluation.
	EventConflictCheck EventType = "scheduling.conflict_check"
	// EventSuggestionsGenerated is logged when alternatives are produced.
	EventSuggestionsGenerated EventType = "scheduling.suggestions_generated"
	// EventBookingAttempt is logged for each booking create attempt.
	EventBookingAttempt EventType = "scheduling.booking_attempt"
	// EventBookingCreated is logged when a booking write succeeds.
	EventBookingCreated EventType = "scheduling.booking_created"
	// EventBookingFailed is logged when the retry budget is exhausted.
	EventBookingFailed EventType = "scheduling.booking_failed"
	// EventBookingValidationFailed is logged when a request is rejected
	// before any remote call.
	EventBookingValidationFailed EventType = "scheduling.booking_validation_failed"
	// EventCircuitOpen is logged when the breaker refuses a call.
	EventCircuitOpen EventType = "scheduling.circuit_open"
	// EventRulesUpdated is logged when provider rules change.
	EventRulesUpdated EventType = "scheduling.rules_updated"
)

// Event is one immutable audit record. PatientHash and ProviderHash
// hold masked identifiers produced by HashIdentifier, never raw IDs.
type Event struct {
	ID           string          `json:"id"`
	EventType    EventType       `json:"event_type"`
	SessionID    string          `json:"session_id,omitempty"`
	PatientHash  string          `json:"patient_hash,omitempty"`
	ProviderHash string          `json:"provider_hash,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HashIdentifier masks an identifier for audit storage: the first 16
// hex characters of its SHA-256 digest.
func HashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])[:16]
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NopRecorder discards events; used in tests and when no audit sink is
// configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }

// Service writes audit events to Postgres.
type Service struct {
	db *sql.DB
}

// Open connects to the audit database using the pgx driver.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return db, nil
}

// NewService creates an audit service over an existing database handle.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record persists one audit event, assigning an ID and timestamp when
// the caller left them empty.
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO scheduling_audit_events (
			id, event_type, session_id, patient_hash, provider_hash,
			attempt, outcome, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		nullString(event.SessionID),
		nullString(event.PatientHash),
		nullString(event.ProviderHash),
		event.Attempt,
		nullString(event.Outcome),
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// Filter narrows a QueryEvents call.
type Filter struct {
	EventType EventType
	SessionID string
	Since     time.Time
	Limit     int
}

// QueryEvents retrieves audit events matching the filter, newest first.
func (s *Service) QueryEvents(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, event_type, session_id, patient_hash, provider_hash,
			   attempt, outcome, details, created_at
		FROM scheduling_audit_events
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                          Event
			sessionID, patientHash, providerHash, outc sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &sessionID, &patientHash,
			&providerHash, &e.Attempt, &outc, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.PatientHash = patientHash.String
		e.ProviderHash = providerHash.String
		e.Outcome = outc.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
