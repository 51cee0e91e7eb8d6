package models

import (
	"slices"
	"time"
)

// AuditCategory groups audit events by the subsystem that raised them
type AuditCategory string

const (
	AuditCategoryTxLifecycle     AuditCategory = "tx_lifecycle"
	AuditCategoryFundingPipeline AuditCategory = "funding_pipeline"
	AuditCategorySettlement      AuditCategory = "settlement"
	AuditCategoryGovernance      AuditCategory = "governance"
	AuditCategoryCompliance      AuditCategory = "compliance"
	AuditCategoryAttestation     AuditCategory = "attestation"
	AuditCategoryReconciliation  AuditCategory = "reconciliation"
	AuditCategorySystem          AuditCategory = "system"
)

// AuditSeverity ranks audit events
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

// AnchorTarget names the ledgers an event must be anchored on
type AnchorTarget string

const (
	AnchorXRPL    AnchorTarget = "xrpl"
	AnchorStellar AnchorTarget = "stellar"
	AnchorBoth    AnchorTarget = "both"
	AnchorNone    AnchorTarget = "none"
)

// ComplianceResult is the outcome of the compliance gates for an event
type ComplianceResult string

const (
	CompliancePass          ComplianceResult = "pass"
	ComplianceFail          ComplianceResult = "fail"
	ComplianceNotApplicable ComplianceResult = "not_applicable"
)

// AuditActor identifies who caused an event
type AuditActor struct {
	Role       string `json:"role"`
	Identifier string `json:"identifier"`
}

// AuditOperation describes what happened
type AuditOperation struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Layer       int    `json:"layer"`
	Component   string `json:"component"`
}

// LedgerEvidence is the on-ledger evidence captured when the event was recorded
type LedgerEvidence struct {
	TxHash      string  `json:"tx_hash,omitempty"`
	LedgerIndex *int64  `json:"ledger_index,omitempty"`
	Network     Network `json:"network"`
}

// AuditLedgerEvidence holds evidence per ledger
type AuditLedgerEvidence struct {
	XRPL    *LedgerEvidence `json:"xrpl,omitempty"`
	Stellar *LedgerEvidence `json:"stellar,omitempty"`
}

// AnchorRecord is proof that an event hash was written to a ledger
type AnchorRecord struct {
	TxHash     string    `json:"tx_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// AuditAttestation carries the event seal and its anchoring state. Only
// SHA256 and AnchorTarget are part of the sealed content.
type AuditAttestation struct {
	SHA256       string                  `json:"sha256"`
	AnchorTarget AnchorTarget            `json:"anchor_target"`
	Anchored     bool                    `json:"anchored"`
	AnchoredAt   *time.Time              `json:"anchored_at,omitempty"`
	Anchors      map[Ledger]AnchorRecord `json:"anchors,omitempty"`
}

// Satisfied reports whether the recorded anchors cover the target
func (a *AuditAttestation) Satisfied() bool {
	_, xrpl := a.Anchors[LedgerXRPL]
	_, stellar := a.Anchors[LedgerStellar]
	switch a.AnchorTarget {
	case AnchorXRPL:
		return xrpl
	case AnchorStellar:
		return stellar
	case AnchorBoth:
		return xrpl && stellar
	}
	return false
}

// AuditCompliance records which compliance gates were evaluated
type AuditCompliance struct {
	GatesChecked []string         `json:"gates_checked"`
	Result       ComplianceResult `json:"result"`
}

// AuditReferences links an event to domain entities
type AuditReferences struct {
	TxID         string `json:"tx_id,omitempty"`
	PipelineID   string `json:"pipeline_id,omitempty"`
	SettlementID string `json:"settlement_id,omitempty"`
	BondID       string `json:"bond_id,omitempty"`
	EscrowID     string `json:"escrow_id,omitempty"`
}

// Get returns the reference stored under key (tx_id, pipeline_id, ...)
func (r AuditReferences) Get(key string) string {
	switch key {
	case "tx_id", "txId":
		return r.TxID
	case "pipeline_id", "pipelineId":
		return r.PipelineID
	case "settlement_id", "settlementId":
		return r.SettlementID
	case "bond_id", "bondId":
		return r.BondID
	case "escrow_id", "escrowId":
		return r.EscrowID
	}
	return ""
}

// AuditEvent is a sealed, sequence-numbered audit record
type AuditEvent struct {
	ID             string                 `json:"id"`
	SequenceNumber int64                  `json:"sequence_number"`
	Timestamp      time.Time              `json:"timestamp"`
	Category       AuditCategory          `json:"category"`
	Severity       AuditSeverity          `json:"severity"`
	Source         string                 `json:"source"`
	Actor          AuditActor             `json:"actor"`
	Operation      AuditOperation         `json:"operation"`
	Details        map[string]interface{} `json:"details"`
	LedgerEvidence AuditLedgerEvidence    `json:"ledger_evidence"`
	Attestation    AuditAttestation       `json:"attestation"`
	Compliance     AuditCompliance        `json:"compliance"`
	References     AuditReferences        `json:"references"`
}

// Sealed returns the copy of e that the SHA-256 seal is computed over: the
// hash is blanked and anchoring progress, which changes after recording, is
// dropped.
func (e *AuditEvent) Sealed() AuditEvent {
	c := *e
	c.Attestation = AuditAttestation{AnchorTarget: e.Attestation.AnchorTarget}
	return c
}

// Clone returns a copy safe to hand to callers
func (e *AuditEvent) Clone() *AuditEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = CloneDetails(e.Details)
	if e.LedgerEvidence.XRPL != nil {
		v := *e.LedgerEvidence.XRPL
		c.LedgerEvidence.XRPL = &v
	}
	if e.LedgerEvidence.Stellar != nil {
		v := *e.LedgerEvidence.Stellar
		c.LedgerEvidence.Stellar = &v
	}
	if e.Attestation.AnchoredAt != nil {
		v := *e.Attestation.AnchoredAt
		c.Attestation.AnchoredAt = &v
	}
	if e.Attestation.Anchors != nil {
		c.Attestation.Anchors = make(map[Ledger]AnchorRecord, len(e.Attestation.Anchors))
		for k, v := range e.Attestation.Anchors {
			c.Attestation.Anchors[k] = v
		}
	}
	c.Compliance.GatesChecked = slices.Clone(e.Compliance.GatesChecked)
	return &c
}

// AuditSummary aggregates the events held by an audit bridge
type AuditSummary struct {
	TotalEvents           int                   `json:"total_events"`
	EventsByCategory      map[AuditCategory]int `json:"events_by_category"`
	EventsBySeverity      map[AuditSeverity]int `json:"events_by_severity"`
	LastEventAt           *time.Time            `json:"last_event_at"`
	OldestEventAt         *time.Time            `json:"oldest_event_at"`
	UnanchoredCount       int                   `json:"unanchored_count"`
	CompliancePassRate    float64               `json:"compliance_pass_rate"`
	TxLifecycleEvents     int                   `json:"tx_lifecycle_events"`
	FundingPipelineEvents int                   `json:"funding_pipeline_events"`
	SettlementEvents      int                   `json:"settlement_events"`
	RetentionDays         int                   `json:"retention_days"`
}

// AuditStats are running counters that survive eviction
type AuditStats struct {
	EventsRecorded   int64                   `json:"events_recorded"`
	EventsAnchored   int64                   `json:"events_anchored"`
	CompliancePasses int64                   `json:"compliance_passes"`
	ComplianceFails  int64                   `json:"compliance_fails"`
	CriticalEvents   int64                   `json:"critical_events"`
	CategoryCounts   map[AuditCategory]int64 `json:"category_counts"`
}

// AuditCheckpoint is the persisted counter state of an audit bridge. The
// sequence counter is kept here so it never regresses after eviction.
type AuditCheckpoint struct {
	Key             string     `json:"key"`
	SequenceCounter int64      `json:"sequence_counter"`
	Stats           AuditStats `json:"stats"`
	SavedAt         time.Time  `json:"saved_at"`
}
