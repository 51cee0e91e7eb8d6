package events

// TopicAll subscribes a listener to every topic.
const TopicAll = "*"

// Transaction queue topics.
const (
	TopicTxEnqueued  = "tx.enqueued"
	TopicTxSigned    = "tx.signed"
	TopicTxReady     = "tx.ready"
	TopicTxSubmitted = "tx.submitted"
	TopicTxConfirmed = "tx.confirmed"
	TopicTxFailed    = "tx.failed"
	TopicTxCancelled = "tx.cancelled"
	TopicTxExpired   = "tx.expired"
)

// Funding pipeline topics.
const (
	TopicPipelinePhase     = "pipeline.phase"
	TopicPipelineError     = "pipeline.error"
	TopicPipelineCompleted = "pipeline.completed"
	TopicPipelineFailed    = "pipeline.failed"
	TopicPipelineMilestone = "pipeline.milestone"
)

// Settlement topics.
const (
	TopicSettlementCreated   = "settlement.created"
	TopicSettlementSubmitted = "settlement.leg_submitted"
	TopicSettlementDelivery  = "settlement.delivery_executed"
	TopicSettlementPayment   = "settlement.payment_executed"
	TopicSettlementComplete  = "settlement.complete"
	TopicSettlementFailed    = "settlement.failed"
	TopicSettlementDisputed  = "settlement.disputed"
)

// Audit bridge topics.
const (
	TopicAuditRecorded = "audit.recorded"
	TopicAuditEvicted  = "audit.evicted"
	TopicAuditAnchored = "audit.anchored"
)

// TopicEngineAudit carries audit notices raised by domain engines.
const TopicEngineAudit = "engine.audit"

// Persistence failure topics. Payload is a StorageFailure.
const (
	TopicPersistError = "persist_error"
	TopicLoadError    = "load_error"
)

// StorageFailure describes a repository error that was contained by a
// service instead of being returned to the caller.
type StorageFailure struct {
	Component string `json:"component"`
	Operation string `json:"operation"`
	Key       string `json:"key,omitempty"`
	Err       error  `json:"-"`
	Message   string `json:"message"`
}
