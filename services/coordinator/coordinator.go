// Package coordinator connects the funding services through the event bus.
// It records every queue, pipeline and settlement transition in the audit
// trail and advances DvP settlements as their linked leg transactions are
// submitted and confirmed.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/audit"
	"github.com/upb/funding-control-plane/services/pipeline"
	"github.com/upb/funding-control-plane/services/settlement"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AuditRecorder is the part of the audit bridge the coordinator feeds
type AuditRecorder interface {
	RecordTxEvent(ctx context.Context, e audit.TxEvent) (*models.AuditEvent, error)
	RecordPipelineEvent(ctx context.Context, e audit.PipelineEvent) (*models.AuditEvent, error)
	RecordSettlementEvent(ctx context.Context, e audit.SettlementEvent) (*models.AuditEvent, error)
}

// Settlements is the part of the settlement connector driven by leg
// transactions
type Settlements interface {
	ByInstruction(instructionID string) (*models.ConnectedSettlement, error)
	CreateFromConfirmedTx(ctx context.Context, p settlement.CreateParams) (*models.ConnectedSettlement, error)
	MarkLegSubmitted(ctx context.Context, id string, direction models.LegDirection, txHash string) (*models.ConnectedSettlement, error)
	MarkDeliveryExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error)
	MarkPaymentExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error)
}

var txTopics = []string{
	events.TopicTxEnqueued,
	events.TopicTxSigned,
	events.TopicTxReady,
	events.TopicTxSubmitted,
	events.TopicTxConfirmed,
	events.TopicTxFailed,
	events.TopicTxCancelled,
	events.TopicTxExpired,
}

var settlementTopics = []string{
	events.TopicSettlementCreated,
	events.TopicSettlementSubmitted,
	events.TopicSettlementDelivery,
	events.TopicSettlementPayment,
	events.TopicSettlementComplete,
	events.TopicSettlementFailed,
	events.TopicSettlementDisputed,
}

// Coordinator subscribes the audit bridge and the settlement connector to
// the bus
type Coordinator struct {
	audit       AuditRecorder
	settlements Settlements
	logger      *zap.Logger

	mu    sync.Mutex
	unsub []func()
}

// New creates a coordinator. Either collaborator may be nil to disable
// that half of the wiring.
func New(recorder AuditRecorder, settlements Settlements, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		audit:       recorder,
		settlements: settlements,
		logger:      logger.With(zap.String("component", "coordinator")),
	}
}

// Attach subscribes to every topic the coordinator handles on src
func (c *Coordinator) Attach(src events.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range txTopics {
		c.unsub = append(c.unsub, src.Subscribe(topic, c.onTx))
	}
	c.unsub = append(c.unsub, src.Subscribe(events.TopicPipelinePhase, c.onPhase))
	for _, topic := range settlementTopics {
		c.unsub = append(c.unsub, src.Subscribe(topic, c.onSettlement))
	}
	c.logger.Info("coordinator attached", zap.Int("subscriptions", len(c.unsub)))
}

// Detach removes every subscription made by Attach
func (c *Coordinator) Detach() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

func (c *Coordinator) onTx(ctx context.Context, evt events.Event) error {
	tx, ok := evt.Payload.(*models.QueuedTransaction)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", evt.Topic, evt.Payload)
	}

	var errs error
	if c.audit != nil {
		if _, err := c.audit.RecordTxEvent(ctx, txEvent(evt.Topic, tx)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("audit %s: %w", evt.Topic, err))
		}
	}
	if c.settlements != nil && tx.Settlement != nil {
		switch evt.Topic {
		case events.TopicTxSubmitted:
			errs = multierr.Append(errs, c.legSubmitted(ctx, tx))
		case events.TopicTxConfirmed:
			errs = multierr.Append(errs, c.legConfirmed(ctx, tx))
		}
	}
	return errs
}

func txEvent(topic string, tx *models.QueuedTransaction) audit.TxEvent {
	e := audit.TxEvent{
		TxID:            tx.ID,
		PipelineID:      tx.PipelineID,
		EventType:       eventType(topic),
		Ledger:          tx.Ledger,
		Description:     tx.Description,
		ActorRole:       "automation",
		ActorIdentifier: "tx-queue",
		TxHash:          tx.TxHash,
		Details: map[string]interface{}{
			"status":             string(tx.Status),
			"signatures":         len(tx.Signatures),
			"requiredSignatures": tx.RequiredSignatures,
		},
	}
	if tx.Phase != "" {
		e.Details["phase"] = tx.Phase
	}
	if tx.Error != "" {
		e.Details["error"] = tx.Error
	}
	if topic == events.TopicTxSigned && len(tx.Signatures) > 0 {
		last := tx.Signatures[len(tx.Signatures)-1]
		e.ActorRole = last.Role
		e.ActorIdentifier = last.SignerID
	}
	return e
}

// legSubmitted moves the linked settlement leg to pending. Nothing happens
// when the settlement does not exist yet; it is created on confirmation.
func (c *Coordinator) legSubmitted(ctx context.Context, tx *models.QueuedTransaction) error {
	link := tx.Settlement
	st, err := c.settlements.ByInstruction(link.InstructionID)
	if err != nil {
		if services.IsNotFoundError(err) {
			c.logger.Debug("leg submitted before settlement exists",
				zap.String("tx_id", tx.ID),
				zap.String("instruction_id", link.InstructionID))
			return nil
		}
		return err
	}
	if _, err := c.settlements.MarkLegSubmitted(ctx, st.ID, link.Leg, tx.TxHash); err != nil {
		return fmt.Errorf("settlement %s %s submitted: %w", st.ID, link.Leg, err)
	}
	return nil
}

// legConfirmed executes the linked leg, creating the settlement from the
// link terms when this is the first confirmed leg
func (c *Coordinator) legConfirmed(ctx context.Context, tx *models.QueuedTransaction) error {
	link := tx.Settlement
	st, err := c.settlements.ByInstruction(link.InstructionID)
	if err != nil {
		if !services.IsNotFoundError(err) {
			return err
		}
		if link.Terms == nil {
			return fmt.Errorf("transaction %s confirmed a leg of %s without settlement terms", tx.ID, link.InstructionID)
		}
		st, err = c.settlements.CreateFromConfirmedTx(ctx, settlement.CreateParams{
			SettlementTerms: *link.Terms,
			TxID:            tx.ID,
			PipelineID:      tx.PipelineID,
			InstructionID:   link.InstructionID,
			TxHash:          tx.TxHash,
			FundingLedger:   tx.Ledger,
		})
		if err != nil {
			return fmt.Errorf("create settlement for %s: %w", link.InstructionID, err)
		}
		c.logger.Info("settlement created from confirmed leg",
			zap.String("settlement_id", st.ID),
			zap.String("tx_id", tx.ID),
			zap.String("leg", string(link.Leg)))
	}

	mark := c.settlements.MarkDeliveryExecuted
	if link.Leg == models.LegPayment {
		mark = c.settlements.MarkPaymentExecuted
	}
	if _, err := mark(ctx, st.ID, tx.TxHash); err != nil {
		return fmt.Errorf("settlement %s %s executed: %w", st.ID, link.Leg, err)
	}
	return nil
}

func (c *Coordinator) onPhase(ctx context.Context, evt events.Event) error {
	if c.audit == nil {
		return nil
	}
	update, ok := evt.Payload.(pipeline.PhaseUpdate)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", evt.Topic, evt.Payload)
	}
	_, err := c.audit.RecordPipelineEvent(ctx, audit.PipelineEvent{
		PipelineID:       update.PipelineID,
		Phase:            string(update.Phase),
		Status:           string(update.Status),
		Description:      update.Summary,
		TransactionCount: update.TransactionCount,
		Details:          update.Details,
	})
	return err
}

func (c *Coordinator) onSettlement(ctx context.Context, evt events.Event) error {
	if c.audit == nil {
		return nil
	}
	st, ok := evt.Payload.(*models.ConnectedSettlement)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", evt.Topic, evt.Payload)
	}
	_, err := c.audit.RecordSettlementEvent(ctx, audit.SettlementEvent{
		SettlementID: st.ID,
		PipelineID:   st.PipelineID,
		EventType:    eventType(evt.Topic),
		Model:        string(st.Model),
		Buyer:        st.Buyer,
		Seller:       st.Seller,
		Status:       settlementStatus(evt.Topic),
		Description:  fmt.Sprintf("Settlement %s: %s", st.ID, st.Phase),
		Details: map[string]interface{}{
			"phase":            string(st.Phase),
			"instructionId":    st.InstructionID,
			"xrplConfirmed":    st.XRPLConfirmed,
			"stellarConfirmed": st.StellarConfirmed,
		},
		BondID:   st.BondID,
		EscrowID: st.EscrowID,
	})
	return err
}

// settlementStatus maps a settlement topic to the audit status vocabulary
func settlementStatus(topic string) string {
	switch topic {
	case events.TopicSettlementCreated:
		return "pending"
	case events.TopicSettlementComplete:
		return "settled"
	case events.TopicSettlementFailed:
		return "failed"
	case events.TopicSettlementDisputed:
		return "disputed"
	}
	return "settling"
}

// eventType is the part of a topic after the namespace
func eventType(topic string) string {
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
