package audit

import (
	"context"
	"strings"

	"github.com/upb/funding-control-plane/models"
)

// Operation layers
const (
	layerOperations = 3
	layerGovernance = 4
)

// TxEvent is a transaction queue lifecycle event
type TxEvent struct {
	TxID            string
	PipelineID      string
	EventType       string // enqueued, signed, ready, submitted, confirmed, failed, cancelled, expired
	Ledger          models.Ledger
	Description     string
	ActorRole       string
	ActorIdentifier string
	Details         map[string]interface{}
	TxHash          string
}

// RecordTxEvent records a queue transition. Confirmed transactions must be
// anchored on both ledgers.
func (s *Service) RecordTxEvent(ctx context.Context, e TxEvent) (*models.AuditEvent, error) {
	severity := models.AuditSeverityInfo
	switch e.EventType {
	case "failed":
		severity = models.AuditSeverityCritical
	case "expired", "cancelled":
		severity = models.AuditSeverityWarning
	}
	target := models.AnchorNone
	if e.EventType == "confirmed" {
		target = models.AnchorBoth
	}

	details := merge(e.Details, map[string]interface{}{"ledger": string(e.Ledger)})
	var evidence *models.AuditLedgerEvidence
	if e.TxHash != "" {
		proof := &models.LedgerEvidence{TxHash: e.TxHash, Network: s.config.Network}
		evidence = &models.AuditLedgerEvidence{}
		if e.Ledger == models.LedgerStellar {
			evidence.Stellar = proof
		} else {
			evidence.XRPL = proof
		}
	}

	return s.Record(ctx, RecordParams{
		Category:       models.AuditCategoryTxLifecycle,
		Severity:       severity,
		Source:         "TransactionQueue",
		Actor:          models.AuditActor{Role: e.ActorRole, Identifier: e.ActorIdentifier},
		Operation:      operation("tx_"+e.EventType, e.Description, layerOperations, "funding-ops/tx-queue"),
		Details:        details,
		LedgerEvidence: evidence,
		AnchorTarget:   target,
		Compliance:     models.AuditCompliance{Result: models.ComplianceNotApplicable},
		References:     models.AuditReferences{TxID: e.TxID, PipelineID: e.PipelineID},
	})
}

// PipelineEvent is a funding pipeline phase transition
type PipelineEvent struct {
	PipelineID       string
	Phase            string
	Status           string
	Description      string
	TransactionCount int
	Details          map[string]interface{}
}

// RecordPipelineEvent records a phase transition
func (s *Service) RecordPipelineEvent(ctx context.Context, e PipelineEvent) (*models.AuditEvent, error) {
	severity := models.AuditSeverityInfo
	switch e.Status {
	case "failed":
		severity = models.AuditSeverityCritical
	case "paused":
		severity = models.AuditSeverityWarning
	}
	result := models.CompliancePass
	if e.Status == "failed" {
		result = models.ComplianceFail
	}
	target := models.AnchorNone
	if e.Status == "completed" {
		target = models.AnchorBoth
	}

	return s.Record(ctx, RecordParams{
		Category:  models.AuditCategoryFundingPipeline,
		Severity:  severity,
		Source:    "FundingPipeline",
		Actor:     models.AuditActor{Role: "automation", Identifier: "funding-pipeline"},
		Operation: operation("pipeline_"+e.Status, e.Description, layerOperations, "funding-ops/pipeline"),
		Details: merge(e.Details, map[string]interface{}{
			"phase":            e.Phase,
			"transactionCount": e.TransactionCount,
		}),
		AnchorTarget: target,
		Compliance: models.AuditCompliance{
			GatesChecked: []string{"pipeline_authorization", "pause_check"},
			Result:       result,
		},
		References: models.AuditReferences{PipelineID: e.PipelineID},
	})
}

// SettlementEvent is a settlement lifecycle event. Status is one of
// pending, settling, settled, failed or disputed.
type SettlementEvent struct {
	SettlementID string
	PipelineID   string
	EventType    string
	Model        string
	Buyer        string
	Seller       string
	Status       string
	Description  string
	Details      map[string]interface{}
	BondID       string
	EscrowID     string
}

// RecordSettlementEvent records a settlement transition. Final states must
// be anchored on both ledgers.
func (s *Service) RecordSettlementEvent(ctx context.Context, e SettlementEvent) (*models.AuditEvent, error) {
	severity := models.AuditSeverityInfo
	switch e.Status {
	case "failed", "disputed":
		severity = models.AuditSeverityCritical
	case "settling":
		severity = models.AuditSeverityWarning
	}
	result := models.CompliancePass
	if e.Status == "failed" {
		result = models.ComplianceFail
	}
	target := models.AnchorNone
	switch e.Status {
	case "settled", "failed", "disputed":
		target = models.AnchorBoth
	}

	return s.Record(ctx, RecordParams{
		Category:  models.AuditCategorySettlement,
		Severity:  severity,
		Source:    "SettlementConnector",
		Actor:     models.AuditActor{Role: "automation", Identifier: "settlement-engine"},
		Operation: operation("settlement_"+e.EventType, e.Description, layerOperations, "funding-ops/settlement-connector"),
		Details: merge(e.Details, map[string]interface{}{
			"model":  e.Model,
			"buyer":  e.Buyer,
			"seller": e.Seller,
		}),
		AnchorTarget: target,
		Compliance: models.AuditCompliance{
			GatesChecked: []string{"settlement_authorization", "dvp_validation", "pause_check"},
			Result:       result,
		},
		References: models.AuditReferences{
			SettlementID: e.SettlementID,
			PipelineID:   e.PipelineID,
			BondID:       e.BondID,
			EscrowID:     e.EscrowID,
		},
	})
}

// GovernanceEvent is a signer action such as a pause or a key rotation
type GovernanceEvent struct {
	ActionType       string                 `json:"action_type" validate:"required"`
	SignerRole       string                 `json:"signer_role" validate:"required"`
	SignerIdentifier string                 `json:"signer_identifier" validate:"required"`
	Description      string                 `json:"description"`
	Details          map[string]interface{} `json:"details,omitempty"`
}

// RecordGovernanceEvent records a governance action; these are always
// anchored on both ledgers
func (s *Service) RecordGovernanceEvent(ctx context.Context, e GovernanceEvent) (*models.AuditEvent, error) {
	severity := models.AuditSeverityInfo
	switch {
	case e.ActionType == "emergency_pause":
		severity = models.AuditSeverityCritical
	case strings.Contains(e.ActionType, "rotation"):
		severity = models.AuditSeverityWarning
	}

	return s.Record(ctx, RecordParams{
		Category:     models.AuditCategoryGovernance,
		Severity:     severity,
		Source:       "GovernanceModule",
		Actor:        models.AuditActor{Role: e.SignerRole, Identifier: e.SignerIdentifier},
		Operation:    operation("governance_"+e.ActionType, e.Description, layerGovernance, "governance/multisig"),
		Details:      e.Details,
		AnchorTarget: models.AnchorBoth,
		Compliance: models.AuditCompliance{
			GatesChecked: []string{"governance_authorization", "quorum_validation"},
			Result:       models.CompliancePass,
		},
	})
}

func operation(kind, description string, layer int, comp string) models.AuditOperation {
	return models.AuditOperation{Type: kind, Description: description, Layer: layer, Component: comp}
}

// merge copies base and then extra into a new map
func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
