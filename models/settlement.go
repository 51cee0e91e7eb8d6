package models

import (
	"slices"
	"time"
)

// SettlementPhase is the DvP lifecycle phase of a connected settlement
type SettlementPhase string

const (
	SettlementAwaitingFunding  SettlementPhase = "awaiting_funding"
	SettlementFundingConfirmed SettlementPhase = "funding_confirmed"
	SettlementDeliveryPending  SettlementPhase = "delivery_pending"
	SettlementDeliveryExecuted SettlementPhase = "delivery_executed"
	SettlementPaymentPending   SettlementPhase = "payment_pending"
	SettlementPaymentExecuted  SettlementPhase = "payment_executed"
	SettlementComplete         SettlementPhase = "settlement_complete"
	SettlementFailed           SettlementPhase = "settlement_failed"
	SettlementDisputed         SettlementPhase = "disputed"
)

// IsPending reports whether the settlement still awaits leg execution
func (p SettlementPhase) IsPending() bool {
	switch p {
	case SettlementComplete, SettlementFailed, SettlementDisputed:
		return false
	}
	return true
}

// SettlementModel is the clearing model used for a settlement
type SettlementModel string

const (
	SettlementModelRTGS           SettlementModel = "rtgs"
	SettlementModelDeferredNet    SettlementModel = "deferred_net"
	SettlementModelEscrowMediated SettlementModel = "escrow_mediated"
)

// Valid reports whether m is a supported model
func (m SettlementModel) Valid() bool {
	switch m {
	case SettlementModelRTGS, SettlementModelDeferredNet, SettlementModelEscrowMediated:
		return true
	}
	return false
}

// LegDirection distinguishes the asset leg from the funds leg
type LegDirection string

const (
	LegDelivery LegDirection = "delivery"
	LegPayment  LegDirection = "payment"
)

// LegStatus is the execution status of a single leg
type LegStatus string

const (
	LegStatusPending  LegStatus = "pending"
	LegStatusExecuted LegStatus = "executed"
	LegStatusFailed   LegStatus = "failed"
)

// SettlementLegRecord tracks one leg of a DvP settlement on its ledger
type SettlementLegRecord struct {
	ID         string       `json:"id"`
	Direction  LegDirection `json:"direction"`
	Ledger     Ledger       `json:"ledger"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	Amount     string       `json:"amount"`
	Currency   string       `json:"currency"`
	Issuer     string       `json:"issuer,omitempty"`
	Status     LegStatus    `json:"status"`
	TxHash     string       `json:"tx_hash,omitempty"`
	ExecutedAt *time.Time   `json:"executed_at,omitempty"`
}

// SettlementTerms are the economic terms of a DvP trade
type SettlementTerms struct {
	Model           SettlementModel `json:"model,omitempty"`
	Buyer           string          `json:"buyer" validate:"required"`
	Seller          string          `json:"seller" validate:"required"`
	AssetLedger     Ledger          `json:"asset_ledger" validate:"required,oneof=xrpl stellar"`
	AssetAmount     string          `json:"asset_amount" validate:"required"`
	AssetCurrency   string          `json:"asset_currency" validate:"required"`
	AssetIssuer     string          `json:"asset_issuer,omitempty"`
	PaymentLedger   Ledger          `json:"payment_ledger" validate:"required,oneof=xrpl stellar"`
	PaymentAmount   string          `json:"payment_amount" validate:"required"`
	PaymentCurrency string          `json:"payment_currency" validate:"required"`
	PaymentIssuer   string          `json:"payment_issuer,omitempty"`
	BondID          string          `json:"bond_id,omitempty"`
	EscrowID        string          `json:"escrow_id,omitempty"`
	NettingGroupID  string          `json:"netting_group_id,omitempty"`
}

// SettlementEvent is an entry in a settlement's append-only event log
type SettlementEvent struct {
	SettlementID string                 `json:"settlement_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	Actor        string                 `json:"actor"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// ConnectedSettlement is a DvP settlement whose two legs are tracked
// independently across the ledgers
type ConnectedSettlement struct {
	ID               string              `json:"id"`
	PipelineID       string              `json:"pipeline_id,omitempty"`
	TxID             string              `json:"tx_id"`
	InstructionID    string              `json:"instruction_id,omitempty"`
	Model            SettlementModel     `json:"model"`
	Phase            SettlementPhase     `json:"phase"`
	Buyer            string              `json:"buyer"`
	Seller           string              `json:"seller"`
	DeliveryLeg      SettlementLegRecord `json:"delivery_leg"`
	PaymentLeg       SettlementLegRecord `json:"payment_leg"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	SettledAt        *time.Time          `json:"settled_at,omitempty"`
	SettlementDate   time.Time           `json:"settlement_date"`
	Deadline         time.Time           `json:"deadline"`
	XRPLConfirmed    bool                `json:"xrpl_confirmed"`
	StellarConfirmed bool                `json:"stellar_confirmed"`
	BondID           string              `json:"bond_id,omitempty"`
	EscrowID         string              `json:"escrow_id,omitempty"`
	NettingGroupID   string              `json:"netting_group_id,omitempty"`
	Events           []SettlementEvent   `json:"events"`
}

// Leg returns a pointer to the leg for direction
func (s *ConnectedSettlement) Leg(direction LegDirection) *SettlementLegRecord {
	if direction == LegPayment {
		return &s.PaymentLeg
	}
	return &s.DeliveryLeg
}

// BothLegsExecuted reports whether delivery and payment have both executed
func (s *ConnectedSettlement) BothLegsExecuted() bool {
	return s.DeliveryLeg.Status == LegStatusExecuted && s.PaymentLeg.Status == LegStatusExecuted
}

// SetLedgerConfirmed flips the confirmation flag for ledger
func (s *ConnectedSettlement) SetLedgerConfirmed(ledger Ledger) {
	switch ledger {
	case LedgerXRPL:
		s.XRPLConfirmed = true
	case LedgerStellar:
		s.StellarConfirmed = true
	}
}

// Involves reports whether participant is the buyer or the seller
func (s *ConnectedSettlement) Involves(participant string) bool {
	return s.Buyer == participant || s.Seller == participant
}

// Clone returns a deep copy safe to hand to callers
func (s *ConnectedSettlement) Clone() *ConnectedSettlement {
	if s == nil {
		return nil
	}
	c := *s
	c.DeliveryLeg = cloneLeg(s.DeliveryLeg)
	c.PaymentLeg = cloneLeg(s.PaymentLeg)
	if s.SettledAt != nil {
		v := *s.SettledAt
		c.SettledAt = &v
	}
	c.Events = slices.Clone(s.Events)
	for i := range c.Events {
		c.Events[i].Data = CloneDetails(s.Events[i].Data)
	}
	return &c
}

func cloneLeg(l SettlementLegRecord) SettlementLegRecord {
	if l.ExecutedAt != nil {
		v := *l.ExecutedAt
		l.ExecutedAt = &v
	}
	return l
}

// LedgerConfirmation counts settlements confirmed and pending on a ledger
type LedgerConfirmation struct {
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
}

// SettlementSummary aggregates the connector contents
type SettlementSummary struct {
	Total               int                           `json:"total"`
	ByPhase             map[SettlementPhase]int       `json:"by_phase"`
	ByModel             map[SettlementModel]int       `json:"by_model"`
	ByLedger            map[Ledger]LedgerConfirmation `json:"by_ledger"`
	TotalValueSettled   string                        `json:"total_value_settled"`
	AvgSettlementTimeMs int64                         `json:"avg_settlement_time_ms"`
}
