package models

import "time"

// FundingPhase names a stage of the funding pipeline
type FundingPhase string

const (
	PhaseInitialization         FundingPhase = "initialization"
	PhaseTrustlineActivation    FundingPhase = "trustline_activation"
	PhaseStellarAssetSetup      FundingPhase = "stellar_asset_setup"
	PhaseBondCreation           FundingPhase = "bond_creation"
	PhaseEscrowCreation         FundingPhase = "escrow_creation"
	PhaseIOUIssuance            FundingPhase = "iou_issuance"
	PhaseSettlementExecution    FundingPhase = "settlement_execution"
	PhaseCrossLedgerAttestation FundingPhase = "cross_ledger_attestation"
	PhaseCompleted              FundingPhase = "completed"
	PhaseFailed                 FundingPhase = "failed"
)

// FundingPhases lists the seven working phases in execution order
var FundingPhases = []FundingPhase{
	PhaseTrustlineActivation,
	PhaseStellarAssetSetup,
	PhaseBondCreation,
	PhaseEscrowCreation,
	PhaseIOUIssuance,
	PhaseSettlementExecution,
	PhaseCrossLedgerAttestation,
}

// FundingStatus is the status of a pipeline or one of its phases
type FundingStatus string

const (
	FundingNotStarted FundingStatus = "not_started"
	FundingInProgress FundingStatus = "in_progress"
	FundingPaused     FundingStatus = "paused"
	FundingCompleted  FundingStatus = "completed"
	FundingFailed     FundingStatus = "failed"
)

// Funding error codes, one per working phase
const (
	CodeXRPLActivationFailed    = "XRPL_ACTIVATION_FAILED"
	CodeStellarActivationFailed = "STELLAR_ACTIVATION_FAILED"
	CodeBondCreationFailed      = "BOND_CREATION_FAILED"
	CodeEscrowCreationFailed    = "ESCROW_CREATION_FAILED"
	CodeIOUIssuanceFailed       = "IOU_ISSUANCE_FAILED"
	CodeSettlementFailed        = "SETTLEMENT_FAILED"
	CodeAttestationFailed       = "ATTESTATION_FAILED"
)

// PhaseResult is the single entry kept per phase a pipeline has entered
type PhaseResult struct {
	Phase            FundingPhase           `json:"phase"`
	Status           FundingStatus          `json:"status"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	Summary          string                 `json:"summary"`
	TransactionCount int                    `json:"transaction_count"`
	Details          map[string]interface{} `json:"details"`
}

// UnsignedTransactionRecord is a transaction produced by a phase. ID is the
// id it was queued under.
type UnsignedTransactionRecord struct {
	ID          string              `json:"id"`
	Phase       FundingPhase        `json:"phase"`
	Ledger      Ledger              `json:"ledger"`
	Description string              `json:"description"`
	Transaction PreparedTransaction `json:"transaction"`
	Status      TxStatus            `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
}

// FundingError records a phase failure for audit purposes
type FundingError struct {
	Phase       FundingPhase `json:"phase"`
	Message     string       `json:"message"`
	Code        string       `json:"code"`
	Recoverable bool         `json:"recoverable"`
	Timestamp   time.Time    `json:"timestamp"`
}

// PipelineState is the full state of one funding pipeline run
type PipelineState struct {
	ID                   string                      `json:"id"`
	Status               FundingStatus               `json:"status"`
	CurrentPhase         FundingPhase                `json:"current_phase"`
	Phases               []PhaseResult               `json:"phases"`
	BondID               string                      `json:"bond_id,omitempty"`
	EscrowIDs            []string                    `json:"escrow_ids"`
	AttestationHashes    []string                    `json:"attestation_hashes"`
	UnsignedTransactions []UnsignedTransactionRecord `json:"unsigned_transactions"`
	StartedAt            time.Time                   `json:"started_at"`
	CompletedAt          *time.Time                  `json:"completed_at,omitempty"`
	Errors               []FundingError              `json:"errors"`
}

// NewPipelineState creates the initial state of a pipeline run
func NewPipelineState(id string, startedAt time.Time) *PipelineState {
	return &PipelineState{
		ID:                   id,
		Status:               FundingNotStarted,
		CurrentPhase:         PhaseInitialization,
		Phases:               []PhaseResult{},
		EscrowIDs:            []string{},
		AttestationHashes:    []string{},
		UnsignedTransactions: []UnsignedTransactionRecord{},
		StartedAt:            startedAt,
		Errors:               []FundingError{},
	}
}

// PhaseResult returns the entry for phase, if the phase was entered
func (s *PipelineState) PhaseResult(phase FundingPhase) (PhaseResult, bool) {
	for _, p := range s.Phases {
		if p.Phase == phase {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// TransactionsFor returns the unsigned transactions produced by phase
func (s *PipelineState) TransactionsFor(phase FundingPhase) []UnsignedTransactionRecord {
	var out []UnsignedTransactionRecord
	for _, tx := range s.UnsignedTransactions {
		if tx.Phase == phase {
			out = append(out, tx)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to callers
func (s *PipelineState) Clone() *PipelineState {
	if s == nil {
		return nil
	}
	c := *s
	c.Phases = make([]PhaseResult, len(s.Phases))
	for i, p := range s.Phases {
		if p.CompletedAt != nil {
			v := *p.CompletedAt
			p.CompletedAt = &v
		}
		p.Details = CloneDetails(p.Details)
		c.Phases[i] = p
	}
	c.EscrowIDs = append([]string{}, s.EscrowIDs...)
	c.AttestationHashes = append([]string{}, s.AttestationHashes...)
	c.UnsignedTransactions = append([]UnsignedTransactionRecord{}, s.UnsignedTransactions...)
	c.Errors = append([]FundingError{}, s.Errors...)
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// ReadinessCategory groups readiness checks
type ReadinessCategory string

const (
	ReadinessXRPL       ReadinessCategory = "xrpl"
	ReadinessStellar    ReadinessCategory = "stellar"
	ReadinessLegal      ReadinessCategory = "legal"
	ReadinessCompliance ReadinessCategory = "compliance"
	ReadinessGovernance ReadinessCategory = "governance"
)

// ReadinessCheck is one line of a readiness report
type ReadinessCheck struct {
	Name     string            `json:"name"`
	Category ReadinessCategory `json:"category"`
	Passed   bool              `json:"passed"`
	Details  string            `json:"details"`
}

// ReadinessReport is the result of a pre-flight check across both ledgers
type ReadinessReport struct {
	Overall        bool             `json:"overall"`
	Checks         []ReadinessCheck `json:"checks"`
	BlockingIssues []string         `json:"blocking_issues"`
	Warnings       []string         `json:"warnings"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// XRPLActivationStatus is the XRPL half of an activation report
type XRPLActivationStatus struct {
	IssuerFlagsSet     bool     `json:"issuer_flags_set"`
	TrustlinesDeployed int      `json:"trustlines_deployed"`
	TrustlinesVerified int      `json:"trustlines_verified"`
	AccountsReady      []string `json:"accounts_ready"`
}

// StellarActivationStatus is the Stellar half of an activation report
type StellarActivationStatus struct {
	IssuerFlagsSet      bool `json:"issuer_flags_set"`
	TrustlinesDeployed  int  `json:"trustlines_deployed"`
	AssetsConfigured    int  `json:"assets_configured"`
	RegulatedAssetReady bool `json:"regulated_asset_ready"`
}

// ActivationReport summarises on-ledger infrastructure readiness
type ActivationReport struct {
	XRPL            XRPLActivationStatus    `json:"xrpl"`
	Stellar         StellarActivationStatus `json:"stellar"`
	TotalUnsignedTx int                     `json:"total_unsigned_tx"`
	Ready           bool                    `json:"ready"`
	GeneratedAt     time.Time               `json:"generated_at"`
}
