package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/funding-control-plane/middleware"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services/txqueue"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

// TxQueue is the multisig queue as seen by the HTTP layer
type TxQueue interface {
	Enqueue(ctx context.Context, req txqueue.EnqueueRequest) (*models.QueuedTransaction, error)
	EnqueueBatch(ctx context.Context, reqs []txqueue.EnqueueRequest) ([]*models.QueuedTransaction, error)
	Sign(ctx context.Context, txID string, req txqueue.SignRequest) (*models.QueuedTransaction, error)
	MarkSubmitted(ctx context.Context, txID, txHash string) (*models.QueuedTransaction, error)
	MarkConfirmed(ctx context.Context, txID string, ledgerIndex int64) (*models.QueuedTransaction, error)
	MarkFailed(ctx context.Context, txID, errText string) (*models.QueuedTransaction, error)
	Cancel(ctx context.Context, txID, reason, actor string) (*models.QueuedTransaction, error)
	ExpireStale(ctx context.Context) []*models.QueuedTransaction
	Get(txID string) (*models.QueuedTransaction, error)
	Filter(pred func(*models.QueuedTransaction) bool) []*models.QueuedTransaction
	Summary() models.QueueSummary
	AuditLog() []models.TxQueueAuditEntry
	AuditLogFor(txID string) []models.TxQueueAuditEntry
}

// BatchEnqueueRequest queues several transactions in one call
type BatchEnqueueRequest struct {
	Transactions []txqueue.EnqueueRequest `json:"transactions" validate:"required,min=1,dive"`
}

// SignTxRequest carries a signer's approval. SignerID and Role are taken from
// the bearer token when the route is authenticated.
type SignTxRequest struct {
	SignerID  string `json:"signer_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Signature string `json:"signature" validate:"required"`
	PublicKey string `json:"public_key,omitempty"`
}

// SubmitTxRequest records the network hash of a submitted transaction
type SubmitTxRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// ConfirmTxRequest records the validated ledger index
type ConfirmTxRequest struct {
	LedgerIndex int64 `json:"ledger_index" validate:"gte=0"`
}

// FailTxRequest records a submission failure
type FailTxRequest struct {
	Error string `json:"error" validate:"required"`
}

// CancelTxRequest withdraws a transaction
type CancelTxRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// TxHandler serves the transaction queue
type TxHandler struct {
	queue  TxQueue
	logger *zap.Logger
}

// NewTxHandler creates a new TxHandler
func NewTxHandler(queue TxQueue, logger *zap.Logger) *TxHandler {
	return &TxHandler{queue: queue, logger: logger}
}

// HandleEnqueue handles POST /transactions
func (h *TxHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req txqueue.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("transaction enqueued",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("tx_id", tx.ID),
		zap.String("ledger", string(tx.Ledger)))
	_ = utils.WriteCreated(w, tx)
}

// HandleEnqueueBatch handles POST /transactions/batch
func (h *TxHandler) HandleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchEnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	txs, err := h.queue.EnqueueBatch(r.Context(), req.Transactions)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, txs)
}

// HandleList handles GET /transactions. Supported filters: status, ledger,
// pipeline_id and awaiting_role.
func (h *TxHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.TxStatus(q.Get("status"))
	ledger := models.Ledger(q.Get("ledger"))
	pipelineID := q.Get("pipeline_id")
	role := q.Get("awaiting_role")

	txs := h.queue.Filter(func(tx *models.QueuedTransaction) bool {
		if status != "" && tx.Status != status {
			return false
		}
		if ledger != "" && tx.Ledger != ledger {
			return false
		}
		if pipelineID != "" && tx.PipelineID != pipelineID {
			return false
		}
		if role != "" && (!tx.Status.IsCollecting() || tx.HasRole(role)) {
			return false
		}
		return true
	})
	_ = utils.WriteOK(w, txs)
}

// HandleGet handles GET /transactions/{txID}
func (h *TxHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tx, err := h.queue.Get(chi.URLParam(r, "txID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tx)
}

// HandleSign handles POST /transactions/{txID}/sign
func (h *TxHandler) HandleSign(w http.ResponseWriter, r *http.Request) {
	var req SignTxRequest
	if !h.decode(w, r, &req) {
		return
	}

	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		if (req.SignerID != "" && req.SignerID != claims.Subject) || (req.Role != "" && req.Role != claims.Role) {
			_ = utils.WriteForbidden(w, "Signer identity does not match token")
			return
		}
		req.SignerID = claims.Subject
		req.Role = claims.Role
	}

	tx, err := h.queue.Sign(r.Context(), chi.URLParam(r, "txID"), txqueue.SignRequest{
		SignerID:  req.SignerID,
		Role:      req.Role,
		Signature: req.Signature,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tx)
}

// HandleSubmit handles POST /transactions/{txID}/submit
func (h *TxHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTxRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w)(h.queue.MarkSubmitted(r.Context(), chi.URLParam(r, "txID"), req.TxHash))
}

// HandleConfirm handles POST /transactions/{txID}/confirm
func (h *TxHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmTxRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w)(h.queue.MarkConfirmed(r.Context(), chi.URLParam(r, "txID"), req.LedgerIndex))
}

// HandleFail handles POST /transactions/{txID}/fail
func (h *TxHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req FailTxRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w)(h.queue.MarkFailed(r.Context(), chi.URLParam(r, "txID"), req.Error))
}

// HandleCancel handles POST /transactions/{txID}/cancel
func (h *TxHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelTxRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w)(h.queue.Cancel(r.Context(), chi.URLParam(r, "txID"), req.Reason, ""))
}

// HandleExpire handles POST /transactions/expire
func (h *TxHandler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	expired := h.queue.ExpireStale(r.Context())
	_ = utils.WriteOK(w, map[string]interface{}{
		"expired":      len(expired),
		"transactions": expired,
	})
}

// HandleSummary handles GET /transactions/summary
func (h *TxHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.queue.Summary())
}

// HandleAuditLog handles GET /transactions/audit-log and
// GET /transactions/{txID}/audit-log
func (h *TxHandler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	if txID := chi.URLParam(r, "txID"); txID != "" {
		if _, err := h.queue.Get(txID); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, h.queue.AuditLogFor(txID))
		return
	}
	_ = utils.WriteOK(w, h.queue.AuditLog())
}

func (h *TxHandler) respond(w http.ResponseWriter) func(*models.QueuedTransaction, error) {
	return func(tx *models.QueuedTransaction, err error) {
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, tx)
	}
}

func (h *TxHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return decodeAndValidate(w, r, dst, h.logger)
}
