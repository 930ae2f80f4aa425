// Package engine is the in-process facade the surrounding service
// calls: conflict checks, alternative-time suggestions, booking
// commits, and rule updates. It assembles the scheduling components
// and owns the cross-cutting concerns at the boundary: tracing, audit
// events, and cache invalidation after successful writes.
package engine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridianhealth/scheduling-engine/internal/audit"
	"github.com/veridianhealth/scheduling-engine/internal/availability"
	"github.com/veridianhealth/scheduling-engine/internal/commit"
	"github.com/veridianhealth/scheduling-engine/internal/config"
	"github.com/veridianhealth/scheduling-engine/internal/conflict"
	"github.com/veridianhealth/scheduling-engine/internal/observability/metrics"
	"github.com/veridianhealth/scheduling-engine/internal/rules"
	"github.com/veridianhealth/scheduling-engine/internal/schedule"
	"github.com/veridianhealth/scheduling-engine/internal/suggest"
	"github.com/veridianhealth/scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("veridian/scheduling-engine")

// Engine wires the scheduling components behind one call surface.
type Engine struct {
	detector  *conflict.Detector
	suggester *suggest.Suggester
	committer *commit.Committer
	cache     *availability.Cache
	rules     *rules.Store
	recorder  audit.Recorder
	logger    *logging.Logger

	suggestMax  int
	suggestDays int
}

// Option adjusts engine assembly.
type Option func(*builder)

type builder struct {
	recorder  audit.Recorder
	metrics   *metrics.SchedulingMetrics
	logger    *logging.Logger
	settings  rules.Settings
	persister rules.Persister
	store     availability.Store
}

// WithRecorder attaches an audit sink. Without one, events are
// discarded.
func WithRecorder(r audit.Recorder) Option {
	return func(b *builder) { b.recorder = r }
}

// WithMetrics attaches Prometheus metrics to every component.
func WithMetrics(m *metrics.SchedulingMetrics) Option {
	return func(b *builder) { b.metrics = m }
}

// WithLogger overrides the logger built from config.
func WithLogger(l *logging.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// WithRulesSettings seeds the rules store from the configuration
// collaborator instead of system defaults.
func WithRulesSettings(s rules.Settings) Option {
	return func(b *builder) { b.settings = s }
}

// WithRulesPersister persists rule updates back to the configuration
// collaborator.
func WithRulesPersister(p rules.Persister) Option {
	return func(b *builder) { b.persister = p }
}

// WithCacheStore overrides the availability cache backend; otherwise
// Redis is used when configured, an in-process map when not.
func WithCacheStore(s availability.Store) Option {
	return func(b *builder) { b.store = s }
}

// New assembles an engine from configuration and a calendar client.
func New(cfg *config.Config, client schedule.Client, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if client == nil {
		return nil, fmt.Errorf("engine: calendar client is required")
	}

	b := &builder{settings: rules.DefaultSettings()}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.New(cfg.LogLevel)
	}
	if b.recorder == nil {
		b.recorder = audit.NopRecorder{}
	}
	if b.store == nil {
		if cfg.RedisAddr != "" {
			b.store = availability.NewRedisStore(redis.NewClient(redisOptions(cfg)), cfg.CacheMaxAge)
		} else {
			b.store = availability.NewMemoryStore()
		}
	}

	ruleStore := rules.NewStore(b.settings, b.persister)

	var cacheOpts []availability.CacheOption
	if b.metrics != nil {
		cacheOpts = append(cacheOpts, availability.WithObserver(b.metrics))
	}
	cache := availability.NewCache(b.store, client, cfg.CacheTTL, cfg.CacheMaxAge, b.logger, cacheOpts...)

	var detectorOpts []conflict.DetectorOption
	if b.metrics != nil {
		detectorOpts = append(detectorOpts, conflict.WithObserver(b.metrics))
	}
	detector := conflict.NewDetector(ruleStore, cache, b.logger, detectorOpts...)

	var suggestOpts []suggest.SuggesterOption
	if b.metrics != nil {
		suggestOpts = append(suggestOpts, suggest.WithObserver(b.metrics))
	}
	suggester := suggest.NewSuggester(detector, cache, ruleStore, b.logger, suggestOpts...)

	var breakerOpts []commit.BreakerOption
	if b.metrics != nil {
		breakerOpts = append(breakerOpts, commit.WithStateObserver(b.metrics))
	}
	breaker := commit.NewCircuitBreaker(commit.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}, breakerOpts...)

	var commitOpts []commit.CommitterOption
	if b.metrics != nil {
		commitOpts = append(commitOpts, commit.WithAttemptObserver(b.metrics))
	}
	committer := commit.NewCommitter(client, breaker, commit.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Backoff:      cfg.RetryBackoff,
		MaxDelay:     cfg.RetryMaxDelay,
	}, b.recorder, b.logger, commitOpts...)

	return &Engine{
		detector:    detector,
		suggester:   suggester,
		committer:   committer,
		cache:       cache,
		rules:       ruleStore,
		recorder:    b.recorder,
		logger:      b.logger.WithComponent("engine"),
		suggestMax:  cfg.SuggestMaxResults,
		suggestDays: cfg.SuggestSearchDays,
	}, nil
}

func redisOptions(cfg *config.Config) *redis.Options {
	options := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return options
}

// Cache exposes the availability cache so callers can run its
// background sweeper.
func (e *Engine) Cache() *availability.Cache { return e.cache }

// Rules exposes the rules store for read-side queries.
func (e *Engine) Rules() *rules.Store { return e.rules }

// Breaker exposes the commit circuit breaker for state inspection.
func (e *Engine) Breaker() *commit.CircuitBreaker { return e.committer.Breaker() }

// CheckConflicts evaluates a candidate slot against all scheduling
// rules and records an audit event with the outcome.
func (e *Engine) CheckConflicts(ctx context.Context, providerID string, interval schedule.TimeInterval, appointmentType string) (*conflict.Report, error) {
	ctx, span := tracer.Start(ctx, "scheduling.check_conflicts")
	defer span.End()

	report, err := e.detector.Check(ctx, conflict.Request{
		ProviderID:      providerID,
		Interval:        interval,
		AppointmentType: appointmentType,
	})
	if err != nil {
		return nil, err
	}

	annotateReport(span, report)

	e.auditEvent(ctx, audit.Event{
		EventType:    audit.EventConflictCheck,
		ProviderHash: audit.HashIdentifier(providerID),
		Outcome:      reportOutcome(report),
		Details: detailsJSON(map[string]any{
			"conflicts": len(report.Conflicts),
			"degraded":  report.Degraded,
		}),
	})
	return report, nil
}

// SuggestAlternatives produces ranked alternative times for a slot
// that could not be booked.
func (e *Engine) SuggestAlternatives(ctx context.Context, req suggest.Request) ([]suggest.Suggestion, error) {
	ctx, span := tracer.Start(ctx, "scheduling.suggest_alternatives")
	defer span.End()

	if req.MaxSuggestions == 0 {
		req.MaxSuggestions = e.suggestMax
	}
	if req.SearchDays == 0 {
		req.SearchDays = e.suggestDays
	}
	suggestions, err := e.suggester.Suggest(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("suggestions", len(suggestions)))

	topScore := 0.0
	if len(suggestions) > 0 {
		topScore = suggestions[0].RankingScore
	}
	e.auditEvent(ctx, audit.Event{
		EventType:    audit.EventSuggestionsGenerated,
		ProviderHash: audit.HashIdentifier(req.ProviderID),
		Outcome:      fmt.Sprintf("%d", len(suggestions)),
		Details: detailsJSON(map[string]any{
			"count":     len(suggestions),
			"top_score": topScore,
		}),
	})
	return suggestions, nil
}

// CommitBooking writes the booking and, on success, invalidates the
// provider's cached day so the next conflict check sees it.
func (e *Engine) CommitBooking(ctx context.Context, req schedule.CreateBookingRequest, sessionID string) commit.BookingOutcome {
	ctx, span := tracer.Start(ctx, "scheduling.commit_booking")
	defer span.End()

	outcome := e.committer.Commit(ctx, req, sessionID)
	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("attempts", outcome.Attempts),
	)

	if outcome.Status == commit.StatusCreated {
		if err := e.cache.Invalidate(ctx, req.ProviderID, req.Start); err != nil {
			e.logger.Warn("cache invalidation after booking failed",
				"provider", req.ProviderID, "error", err)
		}
	}
	return outcome
}

// UpdateProviderRules applies a validated patch to one provider's
// scheduling rules.
func (e *Engine) UpdateProviderRules(ctx context.Context, providerID string, patch map[string]any) error {
	ctx, span := tracer.Start(ctx, "scheduling.update_provider_rules")
	defer span.End()

	if err := e.rules.UpdateProviderRules(ctx, providerID, patch); err != nil {
		return err
	}
	e.auditEvent(ctx, audit.Event{
		EventType:    audit.EventRulesUpdated,
		ProviderHash: audit.HashIdentifier(providerID),
		Outcome:      "applied",
	})
	return nil
}

func (e *Engine) auditEvent(ctx context.Context, event audit.Event) {
	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.Error("audit record failed", "event_type", string(event.EventType), "error", err)
	}
}

func annotateReport(span trace.Span, report *conflict.Report) {
	span.SetAttributes(
		attribute.Int("conflicts", len(report.Conflicts)),
		attribute.Bool("can_book", report.CanBook()),
	)
}

func reportOutcome(report *conflict.Report) string {
	switch {
	case report.HasBlocking():
		return "blocked"
	case report.HasConflicts():
		return "warning"
	default:
		return "clear"
	}
}

func detailsJSON(details map[string]any) json.RawMessage {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}
