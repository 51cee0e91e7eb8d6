// Package audit implements the audit bridge: a sequence numbered, SHA-256
// sealed trail of everything the funding services do, with per-ledger
// anchoring evidence.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/services"
	"go.uber.org/zap"
)

const (
	component     = "audit"
	checkpointKey = "audit-bridge"
)

// Config holds configuration for the audit bridge
type Config struct {
	Network       models.Network
	MaxEvents     int // events kept before FIFO eviction
	RetentionDays int // informational, reported in the summary
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Network:       models.NetworkTestnet,
		MaxEvents:     100000,
		RetentionDays: 2555,
	}
}

// RecordParams describes an event to record. A nil LedgerEvidence records
// an empty evidence slot for both ledgers; an empty AnchorTarget means both.
type RecordParams struct {
	Category       models.AuditCategory
	Severity       models.AuditSeverity
	Source         string
	Actor          models.AuditActor
	Operation      models.AuditOperation
	Details        map[string]interface{}
	LedgerEvidence *models.AuditLedgerEvidence
	AnchorTarget   models.AnchorTarget
	Compliance     models.AuditCompliance
	References     models.AuditReferences
}

// Service is the audit bridge
type Service struct {
	repos  *repositories.Repositories
	bus    events.Publisher
	clock  shared.Clock
	ids    shared.IDGenerator
	logger *zap.Logger
	config Config

	mu      sync.Mutex
	events  []*models.AuditEvent
	counter int64
	stats   models.AuditStats
}

// NewService creates an audit bridge. Call Load to restore persisted state.
func NewService(repos *repositories.Repositories, bus events.Publisher, config Config, clock shared.Clock, ids shared.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = DefaultConfig().MaxEvents
	}
	if config.Network == "" {
		config.Network = DefaultConfig().Network
	}
	return &Service{
		repos:  repos,
		bus:    bus,
		clock:  clock,
		ids:    ids,
		logger: logger.With(zap.String("component", component)),
		config: config,
		stats:  models.AuditStats{CategoryCounts: make(map[models.AuditCategory]int64)},
	}
}

// Load restores events and the sequence counter. Failures are logged and
// published as load_error.
func (s *Service) Load(ctx context.Context) {
	stored, err := s.repos.AuditEvents.List(ctx)
	if err != nil {
		s.report(ctx, events.TopicLoadError, s.failure("list_events", "", err))
	}
	checkpoint, err := s.repos.AuditCheckpoints.Get(ctx, checkpointKey)
	if err != nil && !isNotFound(err) {
		s.report(ctx, events.TopicLoadError, s.failure("get_checkpoint", checkpointKey, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = stored
	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}
	if checkpoint != nil {
		s.counter = checkpoint.SequenceCounter
		s.stats = checkpoint.Stats
		if s.stats.CategoryCounts == nil {
			s.stats.CategoryCounts = make(map[models.AuditCategory]int64)
		}
	}
	// a checkpoint write may have been lost; never reuse a stored sequence
	if n := len(s.events); n > 0 && s.events[n-1].SequenceNumber > s.counter {
		s.counter = s.events[n-1].SequenceNumber
	}
	s.logger.Info("audit bridge loaded",
		zap.Int("events", len(s.events)),
		zap.Int64("sequence", s.counter))
}

// Record seals and stores a new event
func (s *Service) Record(ctx context.Context, p RecordParams) (*models.AuditEvent, error) {
	if p.Category == "" || p.Severity == "" {
		return nil, services.ErrInvalidInput.Newf("category and severity are required")
	}
	target := p.AnchorTarget
	if target == "" {
		target = models.AnchorBoth
	}
	evidence := models.AuditLedgerEvidence{
		XRPL:    &models.LedgerEvidence{Network: s.config.Network},
		Stellar: &models.LedgerEvidence{Network: s.config.Network},
	}
	if p.LedgerEvidence != nil {
		evidence = *p.LedgerEvidence
	}
	compliance := p.Compliance
	if compliance.Result == "" {
		compliance.Result = models.ComplianceNotApplicable
	}
	compliance.GatesChecked = append([]string{}, compliance.GatesChecked...)
	details := models.CloneDetails(p.Details)
	if details == nil {
		details = map[string]interface{}{}
	}

	s.mu.Lock()
	s.counter++
	event := &models.AuditEvent{
		ID:             s.ids.NewID(shared.PrefixAuditEvent),
		SequenceNumber: s.counter,
		Timestamp:      s.clock.Now(),
		Category:       p.Category,
		Severity:       p.Severity,
		Source:         p.Source,
		Actor:          p.Actor,
		Operation:      p.Operation,
		Details:        details,
		LedgerEvidence: evidence,
		Attestation:    models.AuditAttestation{AnchorTarget: target},
		Compliance:     compliance,
		References:     p.References,
	}
	hash, err := Seal(event)
	if err != nil {
		s.counter--
		s.mu.Unlock()
		return nil, services.WrapInternal("failed to seal audit event", err)
	}
	event.Attestation.SHA256 = hash

	s.events = append(s.events, event)
	s.updateStats(event)
	var evicted *models.AuditEvent
	if len(s.events) > s.config.MaxEvents {
		evicted = s.events[0]
		s.events = s.events[1:]
	}
	failure := s.persist(ctx, event, evicted)
	out := event.Clone()
	s.mu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	s.publish(ctx, events.TopicAuditRecorded, out)
	if evicted != nil {
		s.publish(ctx, events.TopicAuditEvicted, evicted.Clone())
	}
	return out, nil
}

// MarkAnchored records that the event hash was written to ledger. Evidence is
// kept for any ledger, with a later hash replacing an earlier one. The event
// is stamped anchored once its target is covered; later calls never re-stamp
// it, and an event targeting no ledger is never anchored.
func (s *Service) MarkAnchored(ctx context.Context, eventID string, ledger models.Ledger, txHash string) (*models.AuditEvent, error) {
	if !ledger.Valid() {
		return nil, services.ErrInvalidLedger.Newf("ledger %q", ledger)
	}
	if txHash == "" {
		return nil, services.ErrInvalidInput.Newf("tx hash is required")
	}

	s.mu.Lock()
	event := s.find(eventID)
	if event == nil {
		s.mu.Unlock()
		return nil, services.ErrAuditEventNotFound.Newf("event %s", eventID)
	}

	now := s.clock.Now()
	if event.Attestation.Anchors == nil {
		event.Attestation.Anchors = make(map[models.Ledger]models.AnchorRecord)
	}
	event.Attestation.Anchors[ledger] = models.AnchorRecord{TxHash: txHash, AnchoredAt: now}
	newlyAnchored := false
	if !event.Attestation.Anchored && event.Attestation.Satisfied() {
		event.Attestation.Anchored = true
		event.Attestation.AnchoredAt = &now
		s.stats.EventsAnchored++
		newlyAnchored = true
	}
	failure := s.persist(ctx, event, nil)
	out := event.Clone()
	s.mu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	if newlyAnchored {
		s.logger.Info("audit event anchored", zap.String("event_id", eventID), zap.Int64("sequence", out.SequenceNumber))
		s.publish(ctx, events.TopicAuditAnchored, out)
	}
	return out, nil
}

// Seal computes the hex SHA-256 over the canonical JSON of the sealed form
// of event
func Seal(event *models.AuditEvent) (string, error) {
	sealed := event.Sealed()
	raw, err := json.Marshal(&sealed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerificationResult is the outcome of re-sealing one event
type VerificationResult struct {
	EventID        string `json:"event_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Valid          bool   `json:"valid"`
	Expected       string `json:"expected"`
	Actual         string `json:"actual"`
}

// Verify recomputes the seal of one event
func (s *Service) Verify(eventID string) (*VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := s.find(eventID)
	if event == nil {
		return nil, services.ErrAuditEventNotFound.Newf("event %s", eventID)
	}
	return verify(event)
}

// VerifyAll recomputes every seal and returns the events that no longer
// match
func (s *Service) VerifyAll() ([]VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []VerificationResult{}
	for _, e := range s.events {
		res, err := verify(e)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			out = append(out, *res)
		}
	}
	return out, nil
}

func verify(event *models.AuditEvent) (*VerificationResult, error) {
	actual, err := Seal(event)
	if err != nil {
		return nil, services.WrapInternal("failed to seal audit event", err)
	}
	return &VerificationResult{
		EventID:        event.ID,
		SequenceNumber: event.SequenceNumber,
		Valid:          actual == event.Attestation.SHA256,
		Expected:       event.Attestation.SHA256,
		Actual:         actual,
	}, nil
}

// find must be called with s.mu held
func (s *Service) find(eventID string) *models.AuditEvent {
	for _, e := range s.events {
		if e.ID == eventID {
			return e
		}
	}
	return nil
}

// updateStats must be called with s.mu held
func (s *Service) updateStats(e *models.AuditEvent) {
	s.stats.EventsRecorded++
	s.stats.CategoryCounts[e.Category]++
	if e.Severity == models.AuditSeverityCritical {
		s.stats.CriticalEvents++
	}
	switch e.Compliance.Result {
	case models.CompliancePass:
		s.stats.CompliancePasses++
	case models.ComplianceFail:
		s.stats.ComplianceFails++
	}
}

// persist writes the event, the eviction and the checkpoint as one batch.
// It must be called with s.mu held.
func (s *Service) persist(ctx context.Context, event, evicted *models.AuditEvent) *events.StorageFailure {
	checkpoint := &models.AuditCheckpoint{
		Key:             checkpointKey,
		SequenceCounter: s.counter,
		Stats:           cloneStats(s.stats),
		SavedAt:         s.clock.Now(),
	}
	err := repositories.RunBatch(ctx, s.repos.Store, func(ctx context.Context) error {
		if err := s.repos.AuditEvents.Put(ctx, event); err != nil {
			return err
		}
		if evicted != nil {
			if err := s.repos.AuditEvents.Delete(ctx, repositories.SequenceKey(evicted.SequenceNumber)); err != nil {
				return err
			}
		}
		return s.repos.AuditCheckpoints.Put(ctx, checkpoint)
	})
	if err != nil {
		return s.failure("put_event", event.ID, err)
	}
	return nil
}

func (s *Service) failure(op, key string, err error) *events.StorageFailure {
	s.logger.Error("audit bridge storage failure",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
	return &events.StorageFailure{
		Component: component,
		Operation: op,
		Key:       key,
		Err:       err,
		Message:   fmt.Sprintf("%s: %v", op, err),
	}
}

func (s *Service) report(ctx context.Context, topic string, failure *events.StorageFailure) {
	if failure != nil {
		s.publish(ctx, topic, *failure)
	}
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.Event{
		Topic:   topic,
		Source:  component,
		Payload: payload,
		At:      s.clock.Now(),
	})
}
