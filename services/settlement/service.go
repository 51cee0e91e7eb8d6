// Package settlement tracks delivery-versus-payment settlements whose asset
// and payment legs execute independently on XRPL and Stellar.
package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

const component = "settlement"

// Config holds the connector defaults
type Config struct {
	DefaultModel         models.SettlementModel
	DefaultDeadlineHours int
	SettlementDays       int
}

// DefaultConfig returns RTGS with a 96 hour deadline and same-day settlement
func DefaultConfig() Config {
	return Config{
		DefaultModel:         models.SettlementModelRTGS,
		DefaultDeadlineHours: 96,
	}
}

// CreateParams creates a settlement for a confirmed funding transaction.
// When TxHash is set the funding is already confirmed on FundingLedger, or
// on every ledger the legs use when FundingLedger is empty.
type CreateParams struct {
	models.SettlementTerms
	TxID          string        `json:"tx_id" validate:"required"`
	PipelineID    string        `json:"pipeline_id,omitempty"`
	InstructionID string        `json:"instruction_id,omitempty"`
	TxHash        string        `json:"tx_hash,omitempty"`
	FundingLedger models.Ledger `json:"funding_ledger,omitempty" validate:"omitempty,oneof=xrpl stellar"`
}

// Filter selects settlements; zero fields match everything
type Filter struct {
	Phase       models.SettlementPhase
	Model       models.SettlementModel
	PipelineID  string
	Participant string
}

func (f Filter) matches(s *models.ConnectedSettlement) bool {
	return (f.Phase == "" || s.Phase == f.Phase) &&
		(f.Model == "" || s.Model == f.Model) &&
		(f.PipelineID == "" || s.PipelineID == f.PipelineID) &&
		(f.Participant == "" || s.Involves(f.Participant))
}

// Service is the settlement connector
type Service struct {
	repos  *repositories.Repositories
	bus    events.Publisher
	clock  shared.Clock
	ids    shared.IDGenerator
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	items    map[string]*models.ConnectedSettlement
	order    []string
	eventLog []models.SettlementEvent
}

// NewService creates a settlement connector. Call Load to restore persisted
// settlements.
func NewService(repos *repositories.Repositories, bus events.Publisher, config Config, clock shared.Clock, ids shared.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultConfig().DefaultModel
	}
	if config.DefaultDeadlineHours <= 0 {
		config.DefaultDeadlineHours = DefaultConfig().DefaultDeadlineHours
	}
	return &Service{
		repos:  repos,
		bus:    bus,
		clock:  clock,
		ids:    ids,
		logger: logger.With(zap.String("component", component)),
		config: config,
		items:  make(map[string]*models.ConnectedSettlement),
	}
}

// Load restores settlements and rebuilds the global event log
func (s *Service) Load(ctx context.Context) {
	stored, err := s.repos.Settlements.List(ctx)
	if err != nil {
		s.report(ctx, events.TopicLoadError, s.failure("list_settlements", "", err))
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stored {
		if _, ok := s.items[st.ID]; !ok {
			s.order = append(s.order, st.ID)
		}
		s.items[st.ID] = st
		s.eventLog = append(s.eventLog, st.Events...)
	}
	sort.SliceStable(s.eventLog, func(i, j int) bool { return s.eventLog[i].Timestamp.Before(s.eventLog[j].Timestamp) })
	s.logger.Info("settlements loaded", zap.Int("settlements", len(stored)))
}

// CreateFromConfirmedTx opens a settlement in funding_confirmed with a
// delivery leg (seller to buyer) and a payment leg (buyer to seller)
func (s *Service) CreateFromConfirmedTx(ctx context.Context, p CreateParams) (*models.ConnectedSettlement, error) {
	if err := utils.ValidateStruct(&p); err != nil {
		return nil, services.ErrInvalidInput.Newf("%v", err)
	}
	model := p.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	if !model.Valid() {
		return nil, services.ErrInvalidInput.Newf("unknown settlement model %q", model)
	}

	now := s.clock.Now()
	s.mu.Lock()
	st := &models.ConnectedSettlement{
		ID:            s.ids.NewID(shared.PrefixSettlement),
		PipelineID:    p.PipelineID,
		TxID:          p.TxID,
		InstructionID: p.InstructionID,
		Model:         model,
		Phase:         models.SettlementFundingConfirmed,
		Buyer:         p.Buyer,
		Seller:        p.Seller,
		DeliveryLeg: models.SettlementLegRecord{
			ID:        s.ids.NewID(shared.PrefixDeliveryLeg),
			Direction: models.LegDelivery,
			Ledger:    p.AssetLedger,
			From:      p.Seller,
			To:        p.Buyer,
			Amount:    p.AssetAmount,
			Currency:  p.AssetCurrency,
			Issuer:    p.AssetIssuer,
			Status:    models.LegStatusPending,
		},
		PaymentLeg: models.SettlementLegRecord{
			ID:        s.ids.NewID(shared.PrefixPaymentLeg),
			Direction: models.LegPayment,
			Ledger:    p.PaymentLedger,
			From:      p.Buyer,
			To:        p.Seller,
			Amount:    p.PaymentAmount,
			Currency:  p.PaymentCurrency,
			Issuer:    p.PaymentIssuer,
			Status:    models.LegStatusPending,
		},
		CreatedAt:      now,
		UpdatedAt:      now,
		SettlementDate: now.AddDate(0, 0, s.config.SettlementDays),
		Deadline:       now.Add(time.Duration(s.config.DefaultDeadlineHours) * time.Hour),
		BondID:         p.BondID,
		EscrowID:       p.EscrowID,
		NettingGroupID: p.NettingGroupID,
		Events:         []models.SettlementEvent{},
	}
	if p.TxHash != "" {
		if p.FundingLedger != "" {
			st.SetLedgerConfirmed(p.FundingLedger)
		} else {
			st.SetLedgerConfirmed(p.AssetLedger)
			st.SetLedgerConfirmed(p.PaymentLedger)
		}
	}
	s.items[st.ID] = st
	s.order = append(s.order, st.ID)
	s.addEvent(st, "settlement_created", "system", map[string]interface{}{
		"model":      string(model),
		"txId":       p.TxID,
		"pipelineId": p.PipelineID,
	})
	failure := s.persist(ctx, st)
	out := st.Clone()
	s.mu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	s.logger.Info("settlement created",
		zap.String("settlement_id", out.ID),
		zap.String("tx_id", out.TxID),
		zap.String("model", string(out.Model)))
	s.publish(ctx, events.TopicSettlementCreated, out)
	return out, nil
}

// MarkLegSubmitted records that a leg's transfer was submitted and moves
// the settlement to delivery_pending or payment_pending
func (s *Service) MarkLegSubmitted(ctx context.Context, id string, direction models.LegDirection, txHash string) (*models.ConnectedSettlement, error) {
	phase := models.SettlementDeliveryPending
	if direction == models.LegPayment {
		phase = models.SettlementPaymentPending
	}
	return s.mutate(ctx, id, []string{events.TopicSettlementSubmitted}, func(st *models.ConnectedSettlement, now time.Time) error {
		if err := pendingLeg(st, direction); err != nil {
			return err
		}
		st.Leg(direction).TxHash = txHash
		st.Phase = phase
		s.addEvent(st, string(direction)+"_submitted", "system", map[string]interface{}{"txHash": txHash})
		return nil
	})
}

// MarkDeliveryExecuted records execution of the delivery leg
func (s *Service) MarkDeliveryExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error) {
	return s.markExecuted(ctx, id, models.LegDelivery, txHash)
}

// MarkPaymentExecuted records execution of the payment leg
func (s *Service) MarkPaymentExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error) {
	return s.markExecuted(ctx, id, models.LegPayment, txHash)
}

func (s *Service) markExecuted(ctx context.Context, id string, direction models.LegDirection, txHash string) (*models.ConnectedSettlement, error) {
	topic, phase := events.TopicSettlementDelivery, models.SettlementDeliveryExecuted
	if direction == models.LegPayment {
		topic, phase = events.TopicSettlementPayment, models.SettlementPaymentExecuted
	}
	topics := []string{topic}

	out, err := s.mutate(ctx, id, topics, func(st *models.ConnectedSettlement, now time.Time) error {
		if err := pendingLeg(st, direction); err != nil {
			return err
		}
		leg := st.Leg(direction)
		leg.Status = models.LegStatusExecuted
		leg.TxHash = txHash
		executed := now
		leg.ExecutedAt = &executed
		st.Phase = phase
		st.SetLedgerConfirmed(leg.Ledger)
		s.addEvent(st, string(direction)+"_executed", "system", map[string]interface{}{"txHash": txHash})

		if st.BothLegsExecuted() {
			settled := now
			st.Phase = models.SettlementComplete
			st.SettledAt = &settled
			s.addEvent(st, "settlement_complete", "system", map[string]interface{}{
				"deliveryTxHash": st.DeliveryLeg.TxHash,
				"paymentTxHash":  st.PaymentLeg.TxHash,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Phase == models.SettlementComplete {
		s.logger.Info("settlement complete", zap.String("settlement_id", out.ID))
		s.publish(ctx, events.TopicSettlementComplete, out)
	}
	return out, nil
}

// MarkFailed fails a settlement that is not complete or already failed
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*models.ConnectedSettlement, error) {
	return s.mutate(ctx, id, []string{events.TopicSettlementFailed}, func(st *models.ConnectedSettlement, now time.Time) error {
		if st.Phase == models.SettlementComplete || st.Phase == models.SettlementFailed {
			return services.ErrInvalidTransition.Newf("cannot fail settlement %s in phase %s", st.ID, st.Phase)
		}
		st.Phase = models.SettlementFailed
		s.addEvent(st, "settlement_failed", "system", map[string]interface{}{"reason": reason})
		return nil
	})
}

// MarkDisputed moves a settlement into dispute
func (s *Service) MarkDisputed(ctx context.Context, id, reason, disputedBy string) (*models.ConnectedSettlement, error) {
	if disputedBy == "" {
		disputedBy = shared.PrincipalFrom(ctx, "system").ID
	}
	return s.mutate(ctx, id, []string{events.TopicSettlementDisputed}, func(st *models.ConnectedSettlement, now time.Time) error {
		if !st.Phase.IsPending() {
			return services.ErrInvalidTransition.Newf("cannot dispute settlement %s in phase %s", st.ID, st.Phase)
		}
		st.Phase = models.SettlementDisputed
		s.addEvent(st, "disputed", disputedBy, map[string]interface{}{"reason": reason})
		return nil
	})
}

func pendingLeg(st *models.ConnectedSettlement, direction models.LegDirection) error {
	if !st.Phase.IsPending() {
		return services.ErrInvalidTransition.Newf("settlement %s is %s", st.ID, st.Phase)
	}
	if st.Leg(direction).Status == models.LegStatusExecuted {
		return services.ErrLegAlreadyExecuted.Newf("%s leg of settlement %s", direction, st.ID)
	}
	return nil
}

// mutate applies fn to the settlement under the lock, persists it and
// publishes topics with the updated copy
func (s *Service) mutate(ctx context.Context, id string, topics []string, fn func(*models.ConnectedSettlement, time.Time) error) (*models.ConnectedSettlement, error) {
	s.mu.Lock()
	st, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrSettlementNotFound.Newf("settlement %s", id)
	}
	// work on a copy so a rejected transition leaves no partial change
	draft := st.Clone()
	now := s.clock.Now()
	mark := len(s.eventLog)
	if err := fn(draft, now); err != nil {
		s.eventLog = s.eventLog[:mark]
		s.mu.Unlock()
		return nil, err
	}
	draft.UpdatedAt = now
	s.items[id] = draft
	failure := s.persist(ctx, draft)
	out := draft.Clone()
	s.mu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	for _, topic := range topics {
		s.publish(ctx, topic, out)
	}
	return out, nil
}

// addEvent must be called with s.mu held
func (s *Service) addEvent(st *models.ConnectedSettlement, kind, actor string, data map[string]interface{}) {
	evt := models.SettlementEvent{
		SettlementID: st.ID,
		Timestamp:    s.clock.Now(),
		Type:         kind,
		Actor:        actor,
		Data:         data,
	}
	st.Events = append(st.Events, evt)
	s.eventLog = append(s.eventLog, evt)
}

// persist must be called with s.mu held
func (s *Service) persist(ctx context.Context, st *models.ConnectedSettlement) *events.StorageFailure {
	if err := s.repos.Settlements.Put(ctx, st); err != nil {
		return s.failure("put_settlement", st.ID, err)
	}
	return nil
}

func (s *Service) failure(op, key string, err error) *events.StorageFailure {
	s.logger.Error("settlement storage failure",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
	return &events.StorageFailure{
		Component: component,
		Operation: op,
		Key:       key,
		Err:       err,
		Message:   err.Error(),
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
