package audit

import (
	"errors"
	"time"

	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/services"
)

// Get returns one event
func (s *Service) Get(eventID string) (*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(eventID); e != nil {
		return e.Clone(), nil
	}
	return nil, services.ErrAuditEventNotFound.Newf("event %s", eventID)
}

// Filter returns the events matching pred in sequence order
func (s *Service) Filter(pred func(*models.AuditEvent) bool) []*models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.AuditEvent{}
	for _, e := range s.events {
		if pred(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// All returns every retained event
func (s *Service) All() []*models.AuditEvent {
	return s.Filter(func(*models.AuditEvent) bool { return true })
}

// Count returns the number of retained events
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ByCategory returns the events of one category
func (s *Service) ByCategory(category models.AuditCategory) []*models.AuditEvent {
	return s.Filter(func(e *models.AuditEvent) bool { return e.Category == category })
}

// BySeverity returns the events of one severity
func (s *Service) BySeverity(severity models.AuditSeverity) []*models.AuditEvent {
	return s.Filter(func(e *models.AuditEvent) bool { return e.Severity == severity })
}

// ByDateRange returns the events recorded within [from, to]
func (s *Service) ByDateRange(from, to time.Time) []*models.AuditEvent {
	return s.Filter(func(e *models.AuditEvent) bool {
		return !e.Timestamp.Before(from) && !e.Timestamp.After(to)
	})
}

// ByReference returns the events whose reference key (tx_id, pipeline_id,
// settlement_id, bond_id, escrow_id) equals value
func (s *Service) ByReference(key, value string) []*models.AuditEvent {
	return s.Filter(func(e *models.AuditEvent) bool {
		return value != "" && e.References.Get(key) == value
	})
}

// Unanchored returns the events still waiting for ledger anchoring
func (s *Service) Unanchored() []*models.AuditEvent {
	return s.Filter(needsAnchor)
}

// Critical returns the critical events
func (s *Service) Critical() []*models.AuditEvent {
	return s.BySeverity(models.AuditSeverityCritical)
}

// Recent returns the last n events, newest last
func (s *Service) Recent(n int) []*models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return []*models.AuditEvent{}
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	out := make([]*models.AuditEvent, 0, n)
	for _, e := range s.events[len(s.events)-n:] {
		out = append(out, e.Clone())
	}
	return out
}

// Summary aggregates the retained events. The compliance pass rate only
// counts events where compliance applies and is 1 when there are none.
func (s *Service) Summary() models.AuditSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.AuditSummary{
		TotalEvents:        len(s.events),
		EventsByCategory:   make(map[models.AuditCategory]int),
		EventsBySeverity:   make(map[models.AuditSeverity]int),
		CompliancePassRate: 1,
		RetentionDays:      s.config.RetentionDays,
	}
	passes, applicable := 0, 0
	for _, e := range s.events {
		summary.EventsByCategory[e.Category]++
		summary.EventsBySeverity[e.Severity]++
		if e.Compliance.Result != models.ComplianceNotApplicable {
			applicable++
			if e.Compliance.Result == models.CompliancePass {
				passes++
			}
		}
		if needsAnchor(e) {
			summary.UnanchoredCount++
		}
	}
	if applicable > 0 {
		summary.CompliancePassRate = float64(passes) / float64(applicable)
	}
	if n := len(s.events); n > 0 {
		first, last := s.events[0].Timestamp, s.events[n-1].Timestamp
		summary.OldestEventAt = &first
		summary.LastEventAt = &last
	}
	summary.TxLifecycleEvents = summary.EventsByCategory[models.AuditCategoryTxLifecycle]
	summary.FundingPipelineEvents = summary.EventsByCategory[models.AuditCategoryFundingPipeline]
	summary.SettlementEvents = summary.EventsByCategory[models.AuditCategorySettlement]
	return summary
}

// Stats returns the running counters, which survive eviction
func (s *Service) Stats() models.AuditStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneStats(s.stats)
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.config
}

func needsAnchor(e *models.AuditEvent) bool {
	return e.Attestation.AnchorTarget != models.AnchorNone && !e.Attestation.Anchored
}

func cloneStats(st models.AuditStats) models.AuditStats {
	c := st
	c.CategoryCounts = make(map[models.AuditCategory]int64, len(st.CategoryCounts))
	for k, v := range st.CategoryCounts {
		c.CategoryCounts[k] = v
	}
	return c
}

func isNotFound(err error) bool {
	return errors.Is(err, repositories.ErrNotFound)
}
