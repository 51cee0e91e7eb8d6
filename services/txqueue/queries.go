package txqueue

import (
	"time"

	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
)

// Get returns a copy of one transaction
func (s *Service) Get(txID string) (*models.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, services.ErrTransactionNotFound.Newf("transaction %s", txID)
	}
	return tx.Clone(), nil
}

// Filter returns copies of the transactions matching pred, in enqueue order
func (s *Service) Filter(pred func(*models.QueuedTransaction) bool) []*models.QueuedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.QueuedTransaction{}
	for _, id := range s.order {
		if tx := s.txs[id]; pred(tx) {
			out = append(out, tx.Clone())
		}
	}
	return out
}

// All returns every transaction
func (s *Service) All() []*models.QueuedTransaction {
	return s.Filter(func(*models.QueuedTransaction) bool { return true })
}

// ByStatus returns the transactions in status
func (s *Service) ByStatus(status models.TxStatus) []*models.QueuedTransaction {
	return s.Filter(func(tx *models.QueuedTransaction) bool { return tx.Status == status })
}

// ByPipeline returns the transactions produced by a pipeline
func (s *Service) ByPipeline(pipelineID string) []*models.QueuedTransaction {
	return s.Filter(func(tx *models.QueuedTransaction) bool { return tx.PipelineID == pipelineID })
}

// ByLedger returns the transactions for one ledger
func (s *Service) ByLedger(ledger models.Ledger) []*models.QueuedTransaction {
	return s.Filter(func(tx *models.QueuedTransaction) bool { return tx.Ledger == ledger })
}

// Pending returns the transactions still collecting signatures
func (s *Service) Pending() []*models.QueuedTransaction {
	return s.Filter(func(tx *models.QueuedTransaction) bool { return tx.Status.IsCollecting() })
}

// Ready returns the transactions awaiting submission
func (s *Service) Ready() []*models.QueuedTransaction {
	return s.ByStatus(models.TxStatusReadyToSubmit)
}

// AwaitingRole returns collecting transactions that role has not signed yet
func (s *Service) AwaitingRole(role string) []*models.QueuedTransaction {
	return s.Filter(func(tx *models.QueuedTransaction) bool {
		return tx.Status.IsCollecting() && !tx.HasRole(role)
	})
}

// Summary counts transactions per status, ledger and phase
func (s *Service) Summary() models.QueueSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.QueueSummary{
		Total:    len(s.txs),
		ByStatus: make(map[models.TxStatus]int, len(models.AllTxStatuses)),
		ByLedger: map[models.Ledger]int{models.LedgerXRPL: 0, models.LedgerStellar: 0},
		ByPhase:  make(map[string]int),
	}
	for _, st := range models.AllTxStatuses {
		summary.ByStatus[st] = 0
	}

	var oldest, newest time.Time
	for _, tx := range s.txs {
		summary.ByStatus[tx.Status]++
		summary.ByLedger[tx.Ledger]++
		if tx.Phase != "" {
			summary.ByPhase[tx.Phase]++
		}
		if !tx.Status.IsCollecting() {
			continue
		}
		if oldest.IsZero() || tx.CreatedAt.Before(oldest) {
			oldest = tx.CreatedAt
		}
		if newest.IsZero() || tx.CreatedAt.After(newest) {
			newest = tx.CreatedAt
		}
	}
	if !oldest.IsZero() {
		summary.OldestPending = &oldest
		summary.NewestPending = &newest
	}
	return summary
}

// AuditLog returns the full queue audit log in sequence order
func (s *Service) AuditLog() []models.TxQueueAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TxQueueAuditEntry{}, s.audit...)
}

// AuditLogFor returns the audit entries of one transaction
func (s *Service) AuditLogFor(txID string) []models.TxQueueAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.TxQueueAuditEntry{}
	for _, e := range s.audit {
		if e.TxID == txID {
			out = append(out, e)
		}
	}
	return out
}
