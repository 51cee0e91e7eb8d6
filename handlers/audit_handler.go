package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services/audit"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

// AuditBridge is the audit service as seen by the HTTP layer
type AuditBridge interface {
	Get(eventID string) (*models.AuditEvent, error)
	Filter(pred func(*models.AuditEvent) bool) []*models.AuditEvent
	Recent(n int) []*models.AuditEvent
	Unanchored() []*models.AuditEvent
	Critical() []*models.AuditEvent
	Summary() models.AuditSummary
	Stats() models.AuditStats
	Verify(eventID string) (*audit.VerificationResult, error)
	VerifyAll() ([]audit.VerificationResult, error)
	MarkAnchored(ctx context.Context, eventID string, ledger models.Ledger, txHash string) (*models.AuditEvent, error)
	RecordGovernanceEvent(ctx context.Context, e audit.GovernanceEvent) (*models.AuditEvent, error)
}

// AnchorRequest records the ledger transaction anchoring an event
type AnchorRequest struct {
	Ledger models.Ledger `json:"ledger" validate:"required,oneof=xrpl stellar"`
	TxHash string        `json:"tx_hash" validate:"required"`
}

// AuditHandler serves the audit bridge
type AuditHandler struct {
	bridge AuditBridge
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(bridge AuditBridge, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{bridge: bridge, logger: logger}
}

// HandleQuery handles GET /audit/events.
// Filters: category, severity, from, to (RFC3339), ref_key with ref_value,
// and limit which keeps only the newest matches.
func (h *AuditHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := models.AuditCategory(q.Get("category"))
	severity := models.AuditSeverity(q.Get("severity"))
	refKey, refValue := q.Get("ref_key"), q.Get("ref_value")

	from, err := parseTime(q.Get("from"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "from must be an RFC3339 timestamp", nil)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "to must be an RFC3339 timestamp", nil)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			_ = utils.WriteBadRequest(w, "limit must be a positive integer", nil)
			return
		}
	}

	matches := h.bridge.Filter(func(e *models.AuditEvent) bool {
		switch {
		case category != "" && e.Category != category:
			return false
		case severity != "" && e.Severity != severity:
			return false
		case !from.IsZero() && e.Timestamp.Before(from):
			return false
		case !to.IsZero() && e.Timestamp.After(to):
			return false
		case refKey != "" && e.References.Get(refKey) != refValue:
			return false
		}
		return true
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	_ = utils.WriteOK(w, matches)
}

// HandleGet handles GET /audit/events/{eventID}
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	event, err := h.bridge.Get(chi.URLParam(r, "eventID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, event)
}

// HandleVerify handles GET /audit/events/{eventID}/verify
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := h.bridge.Verify(chi.URLParam(r, "eventID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleVerifyAll handles GET /audit/verify. Only events whose seal no
// longer matches are listed.
func (h *AuditHandler) HandleVerifyAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.bridge.VerifyAll()
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]interface{}{
		"intact":   len(results) == 0,
		"tampered": results,
	})
}

// HandleAnchor handles POST /audit/events/{eventID}/anchor
func (h *AuditHandler) HandleAnchor(w http.ResponseWriter, r *http.Request) {
	var req AnchorRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	event, err := h.bridge.MarkAnchored(r.Context(), chi.URLParam(r, "eventID"), req.Ledger, req.TxHash)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, event)
}

// HandleUnanchored handles GET /audit/unanchored
func (h *AuditHandler) HandleUnanchored(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.bridge.Unanchored())
}

// HandleCritical handles GET /audit/critical
func (h *AuditHandler) HandleCritical(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.bridge.Critical())
}

// HandleSummary handles GET /audit/summary
func (h *AuditHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.bridge.Summary())
}

// HandleStats handles GET /audit/stats
func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.bridge.Stats())
}

// HandleGovernance handles POST /audit/governance
func (h *AuditHandler) HandleGovernance(w http.ResponseWriter, r *http.Request) {
	var req audit.GovernanceEvent
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	event, err := h.bridge.RecordGovernanceEvent(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, event)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
