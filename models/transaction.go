package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// TxStatus represents the lifecycle status of a queued multisig transaction
type TxStatus string

const (
	TxStatusPendingSignature TxStatus = "pending_signature"
	TxStatusPartiallySigned  TxStatus = "partially_signed"
	TxStatusReadyToSubmit    TxStatus = "ready_to_submit"
	TxStatusSubmitted        TxStatus = "submitted"
	TxStatusConfirmed        TxStatus = "confirmed"
	TxStatusFailed           TxStatus = "failed"
	TxStatusExpired          TxStatus = "expired"
	TxStatusCancelled        TxStatus = "cancelled"
)

// AllTxStatuses lists every status in lifecycle order
var AllTxStatuses = []TxStatus{
	TxStatusPendingSignature,
	TxStatusPartiallySigned,
	TxStatusReadyToSubmit,
	TxStatusSubmitted,
	TxStatusConfirmed,
	TxStatusFailed,
	TxStatusExpired,
	TxStatusCancelled,
}

// IsTerminal reports whether no further transition is possible
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxStatusConfirmed, TxStatusFailed, TxStatusExpired, TxStatusCancelled:
		return true
	}
	return false
}

// IsCollecting reports whether the transaction is still gathering signatures
func (s TxStatus) IsCollecting() bool {
	return s == TxStatusPendingSignature || s == TxStatusPartiallySigned
}

// TransactionSignature is one signer's approval of a queued transaction
type TransactionSignature struct {
	SignerID  string    `json:"signer_id"`
	Role      string    `json:"role"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"public_key"`
	SignedAt  time.Time `json:"signed_at"`
	Hash      string    `json:"hash"`
}

// SignatureHash binds a signature to its transaction and signer:
// hex(sha256("txID:signerID:signature")).
func SignatureHash(txID, signerID, signature string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", txID, signerID, signature)))
	return hex.EncodeToString(sum[:])
}

// SettlementLink ties a queued transaction to one leg of a DvP settlement.
// Terms is carried so the settlement can be created by whichever linked
// transaction confirms first.
type SettlementLink struct {
	InstructionID string           `json:"instruction_id"`
	Leg           LegDirection     `json:"leg"`
	Terms         *SettlementTerms `json:"terms,omitempty"`
}

// QueuedTransaction is an unsigned transaction awaiting m-of-n approval
type QueuedTransaction struct {
	ID                 string                 `json:"id"`
	PipelineID         string                 `json:"pipeline_id,omitempty"`
	Phase              string                 `json:"phase,omitempty"`
	Ledger             Ledger                 `json:"ledger"`
	Description        string                 `json:"description"`
	Transaction        PreparedTransaction    `json:"transaction"`
	Status             TxStatus               `json:"status"`
	RequiredSignatures int                    `json:"required_signatures"`
	Signatures         []TransactionSignature `json:"signatures"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	ExpiresAt          time.Time              `json:"expires_at"`
	SubmittedAt        *time.Time             `json:"submitted_at,omitempty"`
	ConfirmedAt        *time.Time             `json:"confirmed_at,omitempty"`
	TxHash             string                 `json:"tx_hash,omitempty"`
	LedgerIndex        *int64                 `json:"ledger_index,omitempty"`
	Error              string                 `json:"error,omitempty"`
	Settlement         *SettlementLink        `json:"settlement,omitempty"`
}

// HasSigner reports whether signerID already signed
func (t *QueuedTransaction) HasSigner(signerID string) bool {
	for _, s := range t.Signatures {
		if s.SignerID == signerID {
			return true
		}
	}
	return false
}

// HasRole reports whether role already signed
func (t *QueuedTransaction) HasRole(role string) bool {
	for _, s := range t.Signatures {
		if s.Role == role {
			return true
		}
	}
	return false
}

// QuorumStatus is the collecting status implied by the signature count
func (t *QueuedTransaction) QuorumStatus() TxStatus {
	switch {
	case len(t.Signatures) >= t.RequiredSignatures:
		return TxStatusReadyToSubmit
	case len(t.Signatures) == 0:
		return TxStatusPendingSignature
	default:
		return TxStatusPartiallySigned
	}
}

// Clone returns a deep copy safe to hand to callers
func (t *QueuedTransaction) Clone() *QueuedTransaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Signatures = slices.Clone(t.Signatures)
	c.Transaction.Payload = slices.Clone(t.Transaction.Payload)
	if t.SubmittedAt != nil {
		v := *t.SubmittedAt
		c.SubmittedAt = &v
	}
	if t.ConfirmedAt != nil {
		v := *t.ConfirmedAt
		c.ConfirmedAt = &v
	}
	if t.LedgerIndex != nil {
		v := *t.LedgerIndex
		c.LedgerIndex = &v
	}
	if t.Settlement != nil {
		link := *t.Settlement
		if link.Terms != nil {
			terms := *link.Terms
			link.Terms = &terms
		}
		c.Settlement = &link
	}
	return &c
}

// QueueAction is the kind of mutation captured by a queue audit entry
type QueueAction string

const (
	QueueActionEnqueue QueueAction = "enqueue"
	QueueActionSign    QueueAction = "sign"
	QueueActionSubmit  QueueAction = "submit"
	QueueActionConfirm QueueAction = "confirm"
	QueueActionFail    QueueAction = "fail"
	QueueActionExpire  QueueAction = "expire"
	QueueActionCancel  QueueAction = "cancel"
)

// TxQueueAuditEntry records one mutation of a queued transaction
type TxQueueAuditEntry struct {
	ID             string      `json:"id"`
	Sequence       int64       `json:"sequence"`
	TxID           string      `json:"tx_id"`
	Action         QueueAction `json:"action"`
	Actor          string      `json:"actor"`
	Role           string      `json:"role,omitempty"`
	PreviousStatus TxStatus    `json:"previous_status,omitempty"`
	NewStatus      TxStatus    `json:"new_status"`
	Timestamp      time.Time   `json:"timestamp"`
	Details        string      `json:"details"`
}

// QueueSummary aggregates the queue contents
type QueueSummary struct {
	Total         int              `json:"total"`
	ByStatus      map[TxStatus]int `json:"by_status"`
	ByLedger      map[Ledger]int   `json:"by_ledger"`
	ByPhase       map[string]int   `json:"by_phase"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
	NewestPending *time.Time       `json:"newest_pending,omitempty"`
}
