package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services/settlement"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

// Settlements is the settlement connector as seen by the HTTP layer
type Settlements interface {
	CreateFromConfirmedTx(ctx context.Context, p settlement.CreateParams) (*models.ConnectedSettlement, error)
	MarkLegSubmitted(ctx context.Context, id string, direction models.LegDirection, txHash string) (*models.ConnectedSettlement, error)
	MarkDeliveryExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error)
	MarkPaymentExecuted(ctx context.Context, id, txHash string) (*models.ConnectedSettlement, error)
	MarkFailed(ctx context.Context, id, reason string) (*models.ConnectedSettlement, error)
	MarkDisputed(ctx context.Context, id, reason, disputedBy string) (*models.ConnectedSettlement, error)
	Get(id string) (*models.ConnectedSettlement, error)
	ByInstruction(instructionID string) (*models.ConnectedSettlement, error)
	Filter(f settlement.Filter) []*models.ConnectedSettlement
	Pending() []*models.ConnectedSettlement
	Completed() []*models.ConnectedSettlement
	Overdue() []*models.ConnectedSettlement
	EventLog() []models.SettlementEvent
	Summary() models.SettlementSummary
}

// LegTxRequest carries the ledger hash of a settlement leg
type LegTxRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// ReasonRequest explains a failure or dispute
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// SettlementHandler serves the settlement connector
type SettlementHandler struct {
	settlements Settlements
	logger      *zap.Logger
}

// NewSettlementHandler creates a new SettlementHandler
func NewSettlementHandler(settlements Settlements, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{settlements: settlements, logger: logger}
}

// HandleCreate handles POST /settlements
func (h *SettlementHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateParams
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	st, err := h.settlements.CreateFromConfirmedTx(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, st)
}

// HandleList handles GET /settlements. Filters: phase, model, pipeline_id,
// participant and instruction_id.
func (h *SettlementHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if instructionID := q.Get("instruction_id"); instructionID != "" {
		st, err := h.settlements.ByInstruction(instructionID)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, []*models.ConnectedSettlement{st})
		return
	}

	_ = utils.WriteOK(w, h.settlements.Filter(settlement.Filter{
		Phase:       models.SettlementPhase(q.Get("phase")),
		Model:       models.SettlementModel(q.Get("model")),
		PipelineID:  q.Get("pipeline_id"),
		Participant: q.Get("participant"),
	}))
}

// HandleGet handles GET /settlements/{settlementID}
func (h *SettlementHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.settlements.Get(chi.URLParam(r, "settlementID")))
}

// HandleLegSubmitted handles POST /settlements/{settlementID}/legs/{direction}/submitted
func (h *SettlementHandler) HandleLegSubmitted(w http.ResponseWriter, r *http.Request) {
	direction := models.LegDirection(chi.URLParam(r, "direction"))
	if direction != models.LegDelivery && direction != models.LegPayment {
		_ = utils.WriteBadRequest(w, "direction must be delivery or payment", nil)
		return
	}
	var req LegTxRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.respond(w)(h.settlements.MarkLegSubmitted(r.Context(), chi.URLParam(r, "settlementID"), direction, req.TxHash))
}

// HandleDelivery handles POST /settlements/{settlementID}/delivery
func (h *SettlementHandler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	var req LegTxRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.respond(w)(h.settlements.MarkDeliveryExecuted(r.Context(), chi.URLParam(r, "settlementID"), req.TxHash))
}

// HandlePayment handles POST /settlements/{settlementID}/payment
func (h *SettlementHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	var req LegTxRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.respond(w)(h.settlements.MarkPaymentExecuted(r.Context(), chi.URLParam(r, "settlementID"), req.TxHash))
}

// HandleFail handles POST /settlements/{settlementID}/fail
func (h *SettlementHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.respond(w)(h.settlements.MarkFailed(r.Context(), chi.URLParam(r, "settlementID"), req.Reason))
}

// HandleDispute handles POST /settlements/{settlementID}/dispute. The
// disputing party is the request principal.
func (h *SettlementHandler) HandleDispute(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.respond(w)(h.settlements.MarkDisputed(r.Context(), chi.URLParam(r, "settlementID"), req.Reason, ""))
}

// HandlePending handles GET /settlements/pending
func (h *SettlementHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.settlements.Pending())
}

// HandleCompleted handles GET /settlements/completed
func (h *SettlementHandler) HandleCompleted(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.settlements.Completed())
}

// HandleOverdue handles GET /settlements/overdue
func (h *SettlementHandler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.settlements.Overdue())
}

// HandleSummary handles GET /settlements/summary
func (h *SettlementHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.settlements.Summary())
}

// HandleEvents handles GET /settlements/events
func (h *SettlementHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.settlements.EventLog())
}

func (h *SettlementHandler) respond(w http.ResponseWriter) func(*models.ConnectedSettlement, error) {
	return func(st *models.ConnectedSettlement, err error) {
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, st)
	}
}
