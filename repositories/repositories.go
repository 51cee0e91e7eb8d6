package repositories

import (
	"fmt"

	"github.com/upb/funding-control-plane/models"
)

// Collection names
const (
	CollectionTransactions     = "transactions"
	CollectionQueueAudit       = "txqueue_audit"
	CollectionAuditEvents      = "audit_events"
	CollectionAuditCheckpoints = "audit_checkpoints"
	CollectionSettlements      = "settlements"
	CollectionPipelines        = "pipelines"
)

// SequenceKey renders a sequence number so that lexical key order matches
// numeric order
func SequenceKey(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// Repositories groups every repository the services need, all backed by a
// single Store
type Repositories struct {
	Store            Store
	Transactions     TransactionRepository
	QueueAudit       QueueAuditRepository
	AuditEvents      AuditEventRepository
	AuditCheckpoints AuditCheckpointRepository
	Settlements      SettlementRepository
	Pipelines        PipelineRepository
}

// New builds the repository set over store
func New(store Store) *Repositories {
	return &Repositories{
		Store: store,
		Transactions: NewCollection(store, CollectionTransactions,
			func(tx *models.QueuedTransaction) string { return tx.ID }),
		QueueAudit: NewCollection(store, CollectionQueueAudit,
			func(e *models.TxQueueAuditEntry) string { return SequenceKey(e.Sequence) }),
		AuditEvents: NewCollection(store, CollectionAuditEvents,
			func(e *models.AuditEvent) string { return SequenceKey(e.SequenceNumber) }),
		AuditCheckpoints: NewCollection(store, CollectionAuditCheckpoints,
			func(c *models.AuditCheckpoint) string { return c.Key }),
		Settlements: NewCollection(store, CollectionSettlements,
			func(s *models.ConnectedSettlement) string { return s.ID }),
		Pipelines: NewCollection(store, CollectionPipelines,
			func(p *models.PipelineState) string { return p.ID }),
	}
}

// Close closes the underlying store
func (r *Repositories) Close() error {
	return r.Store.Close()
}
