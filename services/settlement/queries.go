package settlement

import (
	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
)

// Get returns a copy of the settlement with id
func (s *Service) Get(id string) (*models.ConnectedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[id]
	if !ok {
		return nil, services.ErrSettlementNotFound.Newf("settlement %s", id)
	}
	return st.Clone(), nil
}

// ByInstruction returns the settlement created for a clearing instruction
func (s *Service) ByInstruction(instructionID string) (*models.ConnectedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if st := s.items[id]; instructionID != "" && st.InstructionID == instructionID {
			return st.Clone(), nil
		}
	}
	return nil, services.ErrSettlementNotFound.Newf("no settlement for instruction %s", instructionID)
}

// ByTransaction returns the settlement created for a queued transaction
func (s *Service) ByTransaction(txID string) (*models.ConnectedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if st := s.items[id]; txID != "" && st.TxID == txID {
			return st.Clone(), nil
		}
	}
	return nil, services.ErrSettlementNotFound.Newf("no settlement for transaction %s", txID)
}

// Filter returns settlements matching f in creation order
func (s *Service) Filter(f Filter) []*models.ConnectedSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ConnectedSettlement, 0)
	for _, id := range s.order {
		if st := s.items[id]; f.matches(st) {
			out = append(out, st.Clone())
		}
	}
	return out
}

func (s *Service) All() []*models.ConnectedSettlement {
	return s.Filter(Filter{})
}

// Pending returns settlements still awaiting leg execution
func (s *Service) Pending() []*models.ConnectedSettlement {
	return s.where(func(st *models.ConnectedSettlement) bool { return st.Phase.IsPending() })
}

func (s *Service) Completed() []*models.ConnectedSettlement {
	return s.Filter(Filter{Phase: models.SettlementComplete})
}

// Overdue returns pending settlements past their deadline. Being overdue
// never changes a settlement's phase.
func (s *Service) Overdue() []*models.ConnectedSettlement {
	now := s.clock.Now()
	return s.where(func(st *models.ConnectedSettlement) bool {
		return st.Phase.IsPending() && now.After(st.Deadline)
	})
}

// EventLog returns every settlement event in the order it happened
func (s *Service) EventLog() []models.SettlementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SettlementEvent(nil), s.eventLog...)
}

// Summary aggregates phases, models, ledger confirmations and settled value
func (s *Service) Summary() models.SettlementSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.SettlementSummary{
		Total:    len(s.items),
		ByPhase:  make(map[models.SettlementPhase]int),
		ByModel:  make(map[models.SettlementModel]int),
		ByLedger: map[models.Ledger]models.LedgerConfirmation{},
	}
	settled := decimal.Zero
	var totalMs, settledCount int64
	xrpl, stellar := models.LedgerConfirmation{}, models.LedgerConfirmation{}

	for _, id := range s.order {
		st := s.items[id]
		summary.ByPhase[st.Phase]++
		summary.ByModel[st.Model]++

		if st.Phase == models.SettlementComplete {
			if amount, err := decimal.NewFromString(st.PaymentLeg.Amount); err == nil {
				settled = settled.Add(amount)
			}
			if st.SettledAt != nil {
				totalMs += st.SettledAt.Sub(st.CreatedAt).Milliseconds()
				settledCount++
			}
		}

		uses := func(l models.Ledger) bool { return st.DeliveryLeg.Ledger == l || st.PaymentLeg.Ledger == l }
		if st.XRPLConfirmed {
			xrpl.Confirmed++
		} else if uses(models.LedgerXRPL) {
			xrpl.Pending++
		}
		if st.StellarConfirmed {
			stellar.Confirmed++
		} else if uses(models.LedgerStellar) {
			stellar.Pending++
		}
	}

	summary.ByLedger[models.LedgerXRPL] = xrpl
	summary.ByLedger[models.LedgerStellar] = stellar
	summary.TotalValueSettled = settled.StringFixed(2)
	if settledCount > 0 {
		summary.AvgSettlementTimeMs = decimal.NewFromInt(totalMs).
			Div(decimal.NewFromInt(settledCount)).Round(0).IntPart()
	}
	return summary
}

func (s *Service) where(keep func(*models.ConnectedSettlement) bool) []*models.ConnectedSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ConnectedSettlement, 0)
	for _, id := range s.order {
		if st := s.items[id]; keep(st) {
			out = append(out, st.Clone())
		}
	}
	return out
}

// Config returns the connector defaults
func (s *Service) Config() Config {
	return s.config
}
