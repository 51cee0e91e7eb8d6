package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/pipeline"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

// Pipelines is the funding pipeline as seen by the HTTP layer
type Pipelines interface {
	Create(ctx context.Context) *models.PipelineState
	Get(id string) (*models.PipelineState, error)
	List() []*models.PipelineState
	RunFullPipeline(ctx context.Context, id string, params pipeline.RunParams) (*models.PipelineState, error)
	ActivateXRPLTrustlines(ctx context.Context, id string, dryRun bool) error
	ActivateStellarAssets(ctx context.Context, id string, dryRun bool) error
	CreateFundingBond(ctx context.Context, id string) error
	CreateFundingEscrow(ctx context.Context, id, amount string, dryRun bool) error
	IssueClaimReceipts(ctx context.Context, id string, recipients []pipeline.Recipient, dryRun bool) error
	ExecuteSettlement(ctx context.Context, id string, params pipeline.SettlementParams, dryRun bool) error
	AttestFundingOperation(ctx context.Context, id string, dryRun bool) error
	CheckReadiness(ctx context.Context) *models.ReadinessReport
	GenerateActivationReport(ctx context.Context) (*models.ActivationReport, error)
}

// Phase names accepted by POST /pipelines/{pipelineID}/phases/{phase}
const (
	PhaseXRPLTrustlines = "xrpl-trustlines"
	PhaseStellarAssets  = "stellar-assets"
	PhaseBond           = "bond"
	PhaseEscrow         = "escrow"
	PhaseIOUIssuance    = "iou-issuance"
	PhaseSettlement     = "settlement"
	PhaseAttestation    = "attestation"
)

// PhaseRequest holds the inputs of a single phase; each phase reads only the
// fields it needs
type PhaseRequest struct {
	DryRun     bool                       `json:"dry_run"`
	Amount     string                     `json:"amount,omitempty"`
	Recipients []pipeline.Recipient       `json:"recipients,omitempty" validate:"dive"`
	Settlement *pipeline.SettlementParams `json:"settlement,omitempty"`
}

// PipelineHandler serves the funding pipeline
type PipelineHandler struct {
	pipelines Pipelines
	logger    *zap.Logger
}

// NewPipelineHandler creates a new PipelineHandler
func NewPipelineHandler(pipelines Pipelines, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines, logger: logger}
}

// HandleCreate handles POST /pipelines
func (h *PipelineHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteCreated(w, h.pipelines.Create(r.Context()))
}

// HandleList handles GET /pipelines
func (h *PipelineHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.pipelines.List())
}

// HandleGet handles GET /pipelines/{pipelineID}
func (h *PipelineHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipelines.Get(chi.URLParam(r, "pipelineID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, st)
}

// HandleRun handles POST /pipelines/{pipelineID}/run. A failed run still
// returns the pipeline state so callers can see which phases completed.
func (h *PipelineHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RunParams
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	st, err := h.pipelines.RunFullPipeline(r.Context(), chi.URLParam(r, "pipelineID"), req)
	if err != nil {
		if st == nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		status := http.StatusUnprocessableEntity
		if services.IsExternalError(err) {
			status = http.StatusBadGateway
		}
		_ = utils.WriteError(w, status, err.Error(), map[string]interface{}{"pipeline": st})
		return
	}
	_ = utils.WriteOK(w, st)
}

// HandlePhase handles POST /pipelines/{pipelineID}/phases/{phase}
func (h *PipelineHandler) HandlePhase(w http.ResponseWriter, r *http.Request) {
	var req PhaseRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "pipelineID")

	var err error
	switch chi.URLParam(r, "phase") {
	case PhaseXRPLTrustlines:
		err = h.pipelines.ActivateXRPLTrustlines(ctx, id, req.DryRun)
	case PhaseStellarAssets:
		err = h.pipelines.ActivateStellarAssets(ctx, id, req.DryRun)
	case PhaseBond:
		err = h.pipelines.CreateFundingBond(ctx, id)
	case PhaseEscrow:
		if verr := utils.ValidateAmount(req.Amount, "amount"); verr != nil {
			_ = utils.WriteBadRequest(w, verr.Error(), nil)
			return
		}
		err = h.pipelines.CreateFundingEscrow(ctx, id, req.Amount, req.DryRun)
	case PhaseIOUIssuance:
		err = h.pipelines.IssueClaimReceipts(ctx, id, req.Recipients, req.DryRun)
	case PhaseSettlement:
		if req.Settlement == nil {
			HandleServiceError(w, services.ErrSettlementRequired, h.logger)
			return
		}
		err = h.pipelines.ExecuteSettlement(ctx, id, *req.Settlement, req.DryRun)
	case PhaseAttestation:
		err = h.pipelines.AttestFundingOperation(ctx, id, req.DryRun)
	default:
		_ = utils.WriteNotFound(w, "Unknown pipeline phase")
		return
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	st, err := h.pipelines.Get(id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, st)
}

// HandleReadiness handles GET /pipelines/readiness
func (h *PipelineHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.pipelines.CheckReadiness(r.Context()))
}

// HandleActivationReport handles GET /pipelines/activation-report
func (h *PipelineHandler) HandleActivationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.pipelines.GenerateActivationReport(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, report)
}
