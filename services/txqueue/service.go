// Package txqueue holds unsigned ledger transactions while they collect an
// m-of-n quorum of signer approvals, and tracks them through submission and
// confirmation.
package txqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

const component = "txqueue"

// Config holds the queue policy
type Config struct {
	RequiredSignatures int
	ExpiryHours        int
	SignerRoles        []string
}

// DefaultConfig returns the 2-of-3 policy with a 72 hour expiry
func DefaultConfig() Config {
	return Config{
		RequiredSignatures: 2,
		ExpiryHours:        72,
		SignerRoles:        []string{"treasury", "compliance", "trustee"},
	}
}

// EnqueueRequest describes a transaction to queue. Zero overrides fall back
// to the queue configuration.
type EnqueueRequest struct {
	PipelineID         string                     `json:"pipeline_id,omitempty"`
	Phase              string                     `json:"phase,omitempty"`
	Ledger             models.Ledger              `json:"ledger" validate:"required,oneof=xrpl stellar"`
	Description        string                     `json:"description"`
	Transaction        models.PreparedTransaction `json:"transaction"`
	RequiredSignatures int                        `json:"required_signatures,omitempty" validate:"omitempty,gte=1"`
	ExpiryHours        int                        `json:"expiry_hours,omitempty" validate:"omitempty,gte=1"`
	Settlement         *models.SettlementLink     `json:"settlement,omitempty"`
}

// SignRequest is one signer's approval
type SignRequest struct {
	SignerID  string `json:"signer_id" validate:"required"`
	Role      string `json:"role" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	PublicKey string `json:"public_key"`
}

// Service is the multisig transaction queue
type Service struct {
	repos  *repositories.Repositories
	bus    events.Publisher
	clock  shared.Clock
	ids    shared.IDGenerator
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	txs      map[string]*models.QueuedTransaction
	order    []string
	audit    []models.TxQueueAuditEntry
	auditSeq int64
}

// NewService creates a queue. Call Load to restore persisted state.
func NewService(repos *repositories.Repositories, bus events.Publisher, config Config, clock shared.Clock, ids shared.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequiredSignatures <= 0 {
		config.RequiredSignatures = DefaultConfig().RequiredSignatures
	}
	if config.ExpiryHours <= 0 {
		config.ExpiryHours = DefaultConfig().ExpiryHours
	}
	if len(config.SignerRoles) == 0 {
		config.SignerRoles = DefaultConfig().SignerRoles
	}
	return &Service{
		repos:  repos,
		bus:    bus,
		clock:  clock,
		ids:    ids,
		logger: logger.With(zap.String("component", component)),
		config: config,
		txs:    make(map[string]*models.QueuedTransaction),
	}
}

// Config returns the effective queue policy
func (s *Service) Config() Config {
	return s.config
}

// Load restores transactions and the queue audit log from the repositories.
// Failures are logged and published as load_error; the queue keeps whatever
// it could read.
func (s *Service) Load(ctx context.Context) {
	txs, err := s.repos.Transactions.List(ctx)
	if err != nil {
		s.report(ctx, events.TopicLoadError, s.failure("list_transactions", "", err))
	}
	entries, err := s.repos.QueueAudit.List(ctx)
	if err != nil {
		s.report(ctx, events.TopicLoadError, s.failure("list_queue_audit", "", err))
	}

	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		if _, ok := s.txs[tx.ID]; !ok {
			s.order = append(s.order, tx.ID)
		}
		s.txs[tx.ID] = tx
	}
	for _, e := range entries {
		s.audit = append(s.audit, *e)
		if e.Sequence > s.auditSeq {
			s.auditSeq = e.Sequence
		}
	}
	s.logger.Info("transaction queue loaded",
		zap.Int("transactions", len(txs)),
		zap.Int("audit_entries", len(entries)))
}

// Enqueue adds a transaction in pending_signature
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueuedTransaction, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, services.ErrInvalidInput.Newf("%v", err)
	}

	now := s.clock.Now()
	required := req.RequiredSignatures
	if required == 0 {
		required = s.config.RequiredSignatures
	}
	expiry := req.ExpiryHours
	if expiry == 0 {
		expiry = s.config.ExpiryHours
	}

	s.mu.Lock()
	tx := &models.QueuedTransaction{
		ID:                 s.ids.NewID(shared.PrefixTransaction),
		PipelineID:         req.PipelineID,
		Phase:              req.Phase,
		Ledger:             req.Ledger,
		Description:        req.Description,
		Transaction:        req.Transaction,
		Status:             models.TxStatusPendingSignature,
		RequiredSignatures: required,
		Signatures:         []models.TransactionSignature{},
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(time.Duration(expiry) * time.Hour),
		Settlement:         req.Settlement,
	}
	s.txs[tx.ID] = tx
	s.order = append(s.order, tx.ID)
	entry := s.appendAudit(tx.ID, models.QueueActionEnqueue, "system", "", models.TxStatusPendingSignature, tx.Status,
		"Enqueued: "+req.Description)
	failure := s.persist(ctx, tx, entry)
	out := tx.Clone()
	s.mu.Unlock()
	s.report(ctx, events.TopicPersistError, failure)

	s.logger.Debug("transaction enqueued",
		zap.String("tx_id", out.ID),
		zap.String("ledger", string(out.Ledger)),
		zap.String("phase", out.Phase))
	s.publish(ctx, events.TopicTxEnqueued, out)
	return out, nil
}

// EnqueueBatch enqueues each request in order and stops at the first error
func (s *Service) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) ([]*models.QueuedTransaction, error) {
	out := make([]*models.QueuedTransaction, 0, len(reqs))
	for i, req := range reqs {
		tx, err := s.Enqueue(ctx, req)
		if err != nil {
			return out, fmt.Errorf("request %d: %w", i, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// Sign records an approval. The transaction becomes ready_to_submit once the
// quorum is reached.
func (s *Service) Sign(ctx context.Context, txID string, req SignRequest) (*models.QueuedTransaction, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, services.ErrInvalidInput.Newf("%v", err)
	}
	if err := utils.ValidateOneOf(req.Role, "role", s.config.SignerRoles); err != nil {
		return nil, services.ErrUnknownSignerRole.Newf("%v", err)
	}

	s.mu.Lock()
	tx, ok := s.txs[txID]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrTransactionNotFound.Newf("transaction %s", txID)
	}
	if !tx.Status.IsCollecting() {
		s.mu.Unlock()
		return nil, services.ErrInvalidTransition.Newf("cannot sign transaction %s in status %s", txID, tx.Status)
	}
	if tx.HasSigner(req.SignerID) {
		s.mu.Unlock()
		return nil, services.ErrDuplicateSigner.Newf("signer %s already signed transaction %s", req.SignerID, txID)
	}
	if tx.HasRole(req.Role) {
		s.mu.Unlock()
		return nil, services.ErrDuplicateRole.Newf("Role %s already signed transaction %s", req.Role, txID)
	}

	now := s.clock.Now()
	previous := tx.Status
	tx.Signatures = append(tx.Signatures, models.TransactionSignature{
		SignerID:  req.SignerID,
		Role:      req.Role,
		Signature: req.Signature,
		PublicKey: req.PublicKey,
		SignedAt:  now,
		Hash:      models.SignatureHash(txID, req.SignerID, req.Signature),
	})
	tx.Status = tx.QuorumStatus()
	tx.UpdatedAt = now
	entry := s.appendAudit(txID, models.QueueActionSign, req.SignerID, req.Role, previous, tx.Status,
		fmt.Sprintf("Signed by %s (%d/%d)", req.Role, len(tx.Signatures), tx.RequiredSignatures))
	failure := s.persist(ctx, tx, entry)
	out := tx.Clone()
	s.mu.Unlock()
	s.report(ctx, events.TopicPersistError, failure)

	s.publish(ctx, events.TopicTxSigned, out)
	if out.Status == models.TxStatusReadyToSubmit {
		s.logger.Info("transaction reached quorum", zap.String("tx_id", txID), zap.Int("signatures", len(out.Signatures)))
		s.publish(ctx, events.TopicTxReady, out)
	}
	return out, nil
}

// MarkSubmitted records the network hash of a ready transaction
func (s *Service) MarkSubmitted(ctx context.Context, txID, txHash string) (*models.QueuedTransaction, error) {
	if err := utils.ValidateRequired(txHash, "tx_hash"); err != nil {
		return nil, services.ErrInvalidInput.Newf("%v", err)
	}
	return s.transition(ctx, txID, models.QueueActionSubmit, events.TopicTxSubmitted, "system",
		func(tx *models.QueuedTransaction) bool { return tx.Status == models.TxStatusReadyToSubmit },
		func(tx *models.QueuedTransaction, now time.Time) string {
			tx.Status = models.TxStatusSubmitted
			tx.SubmittedAt = &now
			tx.TxHash = txHash
			return "Submitted: " + txHash
		})
}

// MarkConfirmed records the validated ledger index of a submitted transaction
func (s *Service) MarkConfirmed(ctx context.Context, txID string, ledgerIndex int64) (*models.QueuedTransaction, error) {
	return s.transition(ctx, txID, models.QueueActionConfirm, events.TopicTxConfirmed, "system",
		func(tx *models.QueuedTransaction) bool { return tx.Status == models.TxStatusSubmitted },
		func(tx *models.QueuedTransaction, now time.Time) string {
			tx.Status = models.TxStatusConfirmed
			tx.ConfirmedAt = &now
			tx.LedgerIndex = &ledgerIndex
			return fmt.Sprintf("Confirmed at ledger %d", ledgerIndex)
		})
}

// MarkFailed fails a transaction from any non-terminal status
func (s *Service) MarkFailed(ctx context.Context, txID, errText string) (*models.QueuedTransaction, error) {
	return s.transition(ctx, txID, models.QueueActionFail, events.TopicTxFailed, "system",
		func(tx *models.QueuedTransaction) bool { return !tx.Status.IsTerminal() },
		func(tx *models.QueuedTransaction, now time.Time) string {
			tx.Status = models.TxStatusFailed
			tx.Error = errText
			return "Failed: " + errText
		})
}

// Cancel withdraws a transaction that is still collecting signatures
func (s *Service) Cancel(ctx context.Context, txID, reason, actor string) (*models.QueuedTransaction, error) {
	if actor == "" {
		actor = shared.PrincipalFrom(ctx, "system").ID
	}
	return s.transition(ctx, txID, models.QueueActionCancel, events.TopicTxCancelled, actor,
		func(tx *models.QueuedTransaction) bool { return tx.Status.IsCollecting() },
		func(tx *models.QueuedTransaction, now time.Time) string {
			tx.Status = models.TxStatusCancelled
			return "Cancelled: " + reason
		})
}

func (s *Service) transition(
	ctx context.Context,
	txID string,
	action models.QueueAction,
	topic, actor string,
	allowed func(*models.QueuedTransaction) bool,
	apply func(*models.QueuedTransaction, time.Time) string,
) (*models.QueuedTransaction, error) {
	s.mu.Lock()
	tx, ok := s.txs[txID]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrTransactionNotFound.Newf("transaction %s", txID)
	}
	if !allowed(tx) {
		s.mu.Unlock()
		return nil, services.ErrInvalidTransition.Newf("cannot %s transaction %s in status %s", action, txID, tx.Status)
	}

	now := s.clock.Now()
	previous := tx.Status
	details := apply(tx, now)
	tx.UpdatedAt = now
	entry := s.appendAudit(txID, action, actor, "", previous, tx.Status, details)
	failure := s.persist(ctx, tx, entry)
	out := tx.Clone()
	s.mu.Unlock()
	s.report(ctx, events.TopicPersistError, failure)

	s.logger.Info("transaction transition",
		zap.String("tx_id", txID),
		zap.String("from", string(previous)),
		zap.String("to", string(out.Status)))
	s.publish(ctx, topic, out)
	return out, nil
}

// ExpireStale expires every collecting transaction past its deadline and
// returns the ones expired by this call
func (s *Service) ExpireStale(ctx context.Context) []*models.QueuedTransaction {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*models.QueuedTransaction
	var failures []*events.StorageFailure
	for _, id := range s.order {
		tx := s.txs[id]
		if !tx.Status.IsCollecting() || !now.After(tx.ExpiresAt) {
			continue
		}
		previous := tx.Status
		tx.Status = models.TxStatusExpired
		tx.UpdatedAt = now
		entry := s.appendAudit(id, models.QueueActionExpire, "system", "", previous, tx.Status,
			"Expired after "+tx.ExpiresAt.Sub(tx.CreatedAt).String())
		if failure := s.persist(ctx, tx, entry); failure != nil {
			failures = append(failures, failure)
		}
		expired = append(expired, tx.Clone())
	}
	s.mu.Unlock()

	for _, failure := range failures {
		s.report(ctx, events.TopicPersistError, failure)
	}

	for _, tx := range expired {
		s.publish(ctx, events.TopicTxExpired, tx)
	}
	if len(expired) > 0 {
		s.logger.Info("expired stale transactions", zap.Int("count", len(expired)))
	}
	return expired
}

// appendAudit must be called with s.mu held
func (s *Service) appendAudit(txID string, action models.QueueAction, actor, role string, previous, next models.TxStatus, details string) models.TxQueueAuditEntry {
	s.auditSeq++
	entry := models.TxQueueAuditEntry{
		ID:             s.ids.NewID(shared.PrefixQueueAudit),
		Sequence:       s.auditSeq,
		TxID:           txID,
		Action:         action,
		Actor:          actor,
		Role:           role,
		PreviousStatus: previous,
		NewStatus:      next,
		Timestamp:      s.clock.Now(),
		Details:        details,
	}
	s.audit = append(s.audit, entry)
	return entry
}

// persist writes the transaction and its audit entry as one batch. It must
// be called with s.mu held so writes reach the store in mutation order; the
// returned failure is reported after the lock is released.
func (s *Service) persist(ctx context.Context, tx *models.QueuedTransaction, entry models.TxQueueAuditEntry) *events.StorageFailure {
	err := repositories.RunBatch(ctx, s.repos.Store, func(ctx context.Context) error {
		if err := s.repos.Transactions.Put(ctx, tx); err != nil {
			return err
		}
		return s.repos.QueueAudit.Put(ctx, &entry)
	})
	if err != nil {
		return s.failure("put_transaction", tx.ID, err)
	}
	return nil
}

func (s *Service) failure(op, key string, err error) *events.StorageFailure {
	s.logger.Error("transaction queue storage failure",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
	return &events.StorageFailure{
		Component: component,
		Operation: op,
		Key:       key,
		Err:       err,
		Message:   err.Error(),
	}
}

func (s *Service) report(ctx context.Context, topic string, failure *events.StorageFailure) {
	if failure != nil {
		s.publish(ctx, topic, *failure)
	}
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.Event{
		Topic:   topic,
		Source:  component,
		Payload: payload,
		At:      s.clock.Now(),
	})
}
