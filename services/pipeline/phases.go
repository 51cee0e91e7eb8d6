package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/engines"
	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/txqueue"
	"github.com/upb/funding-control-plane/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	escrowTemplate    = "bond_settlement"
	escrowFinishDays  = 1
	escrowCancelDays  = 90
	claimDisclaimer   = "Claim receipt only, not a security. See the bond indenture for obligations."
	stellarAuthorized = 1
)

// Recipient receives claim receipts during IOU issuance
type Recipient struct {
	Address       string `json:"address" validate:"required"`
	Amount        string `json:"amount" validate:"required,amount"`
	ParticipantID string `json:"participant_id" validate:"required"`
}

// SettlementParams describes the DvP trade executed by the settlement phase.
// The delivery leg moves claim receipts on XRPL from Seller (the issuer by
// default) to Buyer. The payment leg moves funds from Payer (Buyer by
// default) to the treasury on PaymentLedger.
type SettlementParams struct {
	Buyer           string                 `json:"buyer" validate:"required"`
	Seller          string                 `json:"seller,omitempty"`
	Payer           string                 `json:"payer,omitempty"`
	DeliveryAmount  string                 `json:"delivery_amount" validate:"required,amount"`
	PaymentAmount   string                 `json:"payment_amount" validate:"required,amount"`
	PaymentLedger   models.Ledger          `json:"payment_ledger,omitempty" validate:"omitempty,oneof=xrpl stellar"`
	PaymentCurrency string                 `json:"payment_currency,omitempty"`
	Model           models.SettlementModel `json:"model,omitempty"`
}

// RunParams drives RunFullPipeline. The settlement phase only runs when
// Settlement is set.
type RunParams struct {
	EscrowAmount string            `json:"escrow_amount" validate:"required,amount"`
	Recipients   []Recipient       `json:"recipients" validate:"dive"`
	Settlement   *SettlementParams `json:"settlement,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// outcome is what a successful phase body reports
type outcome struct {
	summary   string
	details   map[string]interface{}
	milestone string
	data      map[string]interface{}
}

// phase is the working context of one phase execution
type phase struct {
	s     *Service
	r     *run
	name  models.FundingPhase
	count int
}

// addUnsignedTx queues tx for signing and records it on the pipeline
func (p *phase) addUnsignedTx(ctx context.Context, l models.Ledger, description string, tx *models.PreparedTransaction, link *models.SettlementLink) (string, error) {
	queued, err := p.s.queue.Enqueue(ctx, txqueue.EnqueueRequest{
		PipelineID:  p.r.id,
		Phase:       string(p.name),
		Ledger:      l,
		Description: description,
		Transaction: *tx,
		Settlement:  link,
	})
	if err != nil {
		return "", err
	}
	p.s.update(ctx, p.r, func(st *models.PipelineState) {
		st.UnsignedTransactions = append(st.UnsignedTransactions, models.UnsignedTransactionRecord{
			ID:          queued.ID,
			Phase:       p.name,
			Ledger:      l,
			Description: description,
			Transaction: *tx,
			Status:      queued.Status,
			CreatedAt:   queued.CreatedAt,
		})
	})
	p.count++
	return queued.ID, nil
}

func (p *phase) state() *models.PipelineState {
	p.r.stateMu.Lock()
	defer p.r.stateMu.Unlock()
	return p.r.state.Clone()
}

// execute runs body as phase name of r. The caller holds r.phaseMu.
func (s *Service) execute(ctx context.Context, r *run, name models.FundingPhase, code, starting string, body func(ctx context.Context, p *phase) (*outcome, error)) error {
	ctx, span := s.tracer.Start(ctx, "pipeline."+string(name), trace.WithAttributes(
		attribute.String("pipeline.id", r.id),
		attribute.String("pipeline.phase", string(name)),
	))
	defer span.End()

	s.recordPhase(ctx, r, name, models.FundingInProgress, starting, 0, nil)
	p := &phase{s: s, r: r, name: name}
	out, err := body(ctx, p)
	if err != nil {
		s.recordError(ctx, r, name, err.Error(), code)
		s.recordPhase(ctx, r, name, models.FundingFailed, err.Error(), 0, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("pipeline phase failed",
			zap.String("pipeline_id", r.id),
			zap.String("phase", string(name)),
			zap.Error(err))
		return services.WrapExternal(fmt.Sprintf("%s failed", name), err)
	}

	s.recordPhase(ctx, r, name, models.FundingCompleted, out.summary, p.count, out.details)
	span.SetAttributes(attribute.Int("pipeline.transactions", p.count))
	s.logger.Info("pipeline phase completed",
		zap.String("pipeline_id", r.id),
		zap.String("phase", string(name)),
		zap.Int("transactions", p.count))
	if out.milestone != "" {
		s.milestone(ctx, r.id, out.milestone, out.data)
	}
	return nil
}

// recordPhase keeps exactly one entry per phase, updated in place
func (s *Service) recordPhase(ctx context.Context, r *run, name models.FundingPhase, status models.FundingStatus, summary string, count int, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	now := s.clock.Now()
	var completedAt *time.Time
	if status == models.FundingCompleted || status == models.FundingFailed {
		completedAt = &now
	}

	s.update(ctx, r, func(st *models.PipelineState) {
		st.CurrentPhase = name
		for i := range st.Phases {
			if st.Phases[i].Phase == name {
				entry := &st.Phases[i]
				entry.Status = status
				entry.CompletedAt = completedAt
				entry.Summary = summary
				entry.TransactionCount = count
				entry.Details = details
				return
			}
		}
		st.Phases = append(st.Phases, models.PhaseResult{
			Phase:            name,
			Status:           status,
			StartedAt:        now,
			CompletedAt:      completedAt,
			Summary:          summary,
			TransactionCount: count,
			Details:          details,
		})
	})

	s.publish(ctx, events.TopicPipelinePhase, PhaseUpdate{
		PipelineID:       r.id,
		Phase:            name,
		Status:           status,
		Summary:          summary,
		TransactionCount: count,
		Details:          details,
	})
}

func (s *Service) recordError(ctx context.Context, r *run, name models.FundingPhase, message, code string) {
	fe := models.FundingError{
		Phase:       name,
		Message:     message,
		Code:        code,
		Recoverable: true,
		Timestamp:   s.clock.Now(),
	}
	s.update(ctx, r, func(st *models.PipelineState) {
		st.Errors = append(st.Errors, fe)
	})
	s.publish(ctx, events.TopicPipelineError, PipelineError{PipelineID: r.id, FundingError: fe})
}

// locked runs fn with the pipeline's phase lock held
func (s *Service) locked(id string, fn func(r *run) error) error {
	r, err := s.run(id)
	if err != nil {
		return err
	}
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	return fn(r)
}

// ActivateXRPLTrustlines sets DefaultRipple on the issuer and prepares a
// trustline from every recipient account for each XRPL token. Trustlines are
// verified against the ledger unless dryRun is set.
func (s *Service) ActivateXRPLTrustlines(ctx context.Context, id string, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.activateXRPL(ctx, r, dryRun) })
}

func (s *Service) activateXRPL(ctx context.Context, r *run, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseTrustlineActivation, models.CodeXRPLActivationFailed,
		"Setting up XRPL issuer and trustlines", func(ctx context.Context, p *phase) (*outcome, error) {
			cfg := s.config.XRPL
			issuerTx, err := s.xrpl.PrepareTransaction(ctx, ledger.Spec{
				TxType:  "AccountSet",
				Account: cfg.Issuer,
				Fields:  map[string]interface{}{"SetFlag": ledger.XRPLAsfDefaultRipple},
			}, "Set DefaultRipple on issuer account", dryRun)
			if err != nil {
				return nil, err
			}
			if _, err := p.addUnsignedTx(ctx, models.LedgerXRPL, "Set DefaultRipple on issuer", issuerTx, nil); err != nil {
				return nil, err
			}

			tokens := s.config.TokensFor(models.LedgerXRPL)
			recipients := cfg.recipients()
			activated := make([]string, 0, len(tokens))
			trustlines := 0
			for _, token := range tokens {
				activated = append(activated, token.Code)
				txs, err := s.engines.Trustlines.PrepareDeployment(ctx, engines.TrustlineDeployment{
					Currency: token.Code,
					Issuer:   cfg.Issuer,
					Accounts: recipients,
					Limit:    token.TrustlineLimit,
				}, dryRun)
				if err != nil {
					return nil, err
				}
				for _, tx := range txs {
					if _, err := p.addUnsignedTx(ctx, models.LedgerXRPL, "Trustline: "+token.Code, tx, nil); err != nil {
						return nil, err
					}
					trustlines++
				}
			}

			verification := []map[string]interface{}{}
			if !dryRun {
				for _, token := range tokens {
					results, err := s.engines.Trustlines.VerifyTrustlines(ctx, recipients, token.Code, cfg.Issuer)
					if err != nil {
						return nil, err
					}
					for _, v := range results {
						verification = append(verification, map[string]interface{}{
							"account":    v.Account,
							"currency":   token.Code,
							"configured": v.Configured,
						})
					}
				}
			}

			return &outcome{
				summary: fmt.Sprintf("XRPL activation complete: 1 issuer setting + %d trustlines prepared", trustlines),
				details: map[string]interface{}{
					"issuerAddress":       cfg.Issuer,
					"tokensActivated":     activated,
					"recipientCount":      len(recipients),
					"verificationResults": verification,
				},
				milestone: "xrpl_activated",
				data:      map[string]interface{}{"totalTx": p.count, "tokensActivated": len(tokens)},
			}, nil
		})
}

// ActivateStellarAssets sets the regulated asset flags on the Stellar
// issuer, then prepares trustlines and authorizations for the distribution
// and anchor accounts for each Stellar token
func (s *Service) ActivateStellarAssets(ctx context.Context, id string, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.activateStellar(ctx, r, dryRun) })
}

func (s *Service) activateStellar(ctx context.Context, r *run, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseStellarAssetSetup, models.CodeStellarActivationFailed,
		"Setting up Stellar regulated assets", func(ctx context.Context, p *phase) (*outcome, error) {
			cfg := s.config.Stellar
			flagsTx, err := s.stellar.PrepareTransaction(ctx, ledger.Spec{
				TxType:  "set_options",
				Account: cfg.Issuer,
				Fields:  map[string]interface{}{"set_flags": ledger.StellarRegulatedAssetFlags},
			}, "Set issuer flags: auth_required, auth_revocable, clawback_enabled", dryRun)
			if err != nil {
				return nil, err
			}
			if _, err := p.addUnsignedTx(ctx, models.LedgerStellar, "Set issuer authorization flags", flagsTx, nil); err != nil {
				return nil, err
			}

			tokens := s.config.TokensFor(models.LedgerStellar)
			activated := make([]string, 0, len(tokens))
			trustlines, authorizations := 0, 0
			for _, token := range tokens {
				activated = append(activated, token.Code)
				for _, holder := range []struct{ name, address string }{
					{"distribution", cfg.Distribution},
					{"anchor", cfg.Anchor},
				} {
					trustTx, err := s.stellar.PrepareTransaction(ctx, ledger.Spec{
						TxType:  "change_trust",
						Account: holder.address,
						Fields: map[string]interface{}{
							"asset_code": token.Code,
							"issuer":     cfg.Issuer,
							"limit":      token.TrustlineLimit,
						},
					}, fmt.Sprintf("ChangeTrust: %s to %s", holder.name, token.Code), dryRun)
					if err != nil {
						return nil, err
					}
					if _, err := p.addUnsignedTx(ctx, models.LedgerStellar, fmt.Sprintf("Trustline: %s to %s", holder.name, token.Code), trustTx, nil); err != nil {
						return nil, err
					}
					trustlines++
				}
				for _, holder := range []struct{ name, address string }{
					{"distribution", cfg.Distribution},
					{"anchor", cfg.Anchor},
				} {
					authTx, err := s.stellar.PrepareTransaction(ctx, ledger.Spec{
						TxType:  "set_trust_line_flags",
						Account: cfg.Issuer,
						Fields: map[string]interface{}{
							"trustor":    holder.address,
							"asset_code": token.Code,
							"issuer":     cfg.Issuer,
							"set_flags":  stellarAuthorized,
						},
					}, fmt.Sprintf("Authorize %s for %s", holder.name, token.Code), dryRun)
					if err != nil {
						return nil, err
					}
					if _, err := p.addUnsignedTx(ctx, models.LedgerStellar, fmt.Sprintf("Authorize %s: %s", holder.name, token.Code), authTx, nil); err != nil {
						return nil, err
					}
					authorizations++
				}
			}

			return &outcome{
				summary: fmt.Sprintf("Stellar activation complete: 1 issuer flags + %d trustlines + %d authorizations", trustlines, authorizations),
				details: map[string]interface{}{
					"issuerAddress":          cfg.Issuer,
					"assetsConfigured":       activated,
					"distributionAuthorized": len(tokens) > 0,
					"anchorAuthorized":       len(tokens) > 0,
				},
				milestone: "stellar_activated",
				data:      map[string]interface{}{"totalTx": p.count, "assetsConfigured": len(tokens)},
			}, nil
		})
}

// CreateFundingBond registers the configured bond and remembers its id
func (s *Service) CreateFundingBond(ctx context.Context, id string) error {
	return s.locked(id, func(r *run) error { return s.createBond(ctx, r) })
}

func (s *Service) createBond(ctx context.Context, r *run) error {
	return s.execute(ctx, r, models.PhaseBondCreation, models.CodeBondCreationFailed,
		"Creating bond definition", func(ctx context.Context, p *phase) (*outcome, error) {
			cfg := s.config.Bond
			face, err := decimal.NewFromString(cfg.FaceValue)
			if err != nil {
				return nil, services.ErrInvalidAmount.Newf("bond face value %q", cfg.FaceValue)
			}
			collateral := decimal.Zero
			if cfg.CollateralValue != "" {
				if collateral, err = decimal.NewFromString(cfg.CollateralValue); err != nil {
					return nil, services.ErrInvalidAmount.Newf("bond collateral value %q", cfg.CollateralValue)
				}
			}
			now := s.clock.Now()
			bond, err := s.engines.Bonds.CreateBond(ctx, engines.BondTerms{
				Name:                  cfg.Name,
				FaceValue:             face,
				Currency:              cfg.Currency,
				CouponRate:            decimal.NewFromFloat(cfg.CouponRate),
				IssueDate:             now,
				MaturityDate:          now.AddDate(cfg.MaturityYears, 0, 0),
				CollateralDescription: cfg.CollateralDescription,
				CollateralValue:       collateral,
				IOUCurrency:           s.config.claimCurrency(),
			})
			if err != nil {
				return nil, err
			}
			s.update(ctx, p.r, func(st *models.PipelineState) { st.BondID = bond.ID })

			return &outcome{
				summary: fmt.Sprintf("Bond created: %s (%s), face value %s %s", bond.ID, bond.Name, bond.FaceValue.StringFixed(2), bond.Currency),
				details: map[string]interface{}{
					"bondId":              bond.ID,
					"faceValue":           bond.FaceValue.String(),
					"couponRate":          bond.CouponRate.String(),
					"maturityDate":        bond.MaturityDate,
					"couponScheduleCount": len(bond.CouponSchedule),
					"coverageRatio":       cfg.CoverageRatio,
				},
				milestone: "bond_created",
				data:      map[string]interface{}{"bondId": bond.ID},
			}, nil
		})
}

// CreateFundingEscrow locks amount XRP from the treasury for the bond. A bond
// must have been created first.
func (s *Service) CreateFundingEscrow(ctx context.Context, id, amount string, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.createEscrow(ctx, r, amount, dryRun) })
}

func (s *Service) createEscrow(ctx context.Context, r *run, amount string, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseEscrowCreation, models.CodeEscrowCreationFailed,
		"Creating funding escrow", func(ctx context.Context, p *phase) (*outcome, error) {
			bondID := p.state().BondID
			if bondID == "" {
				return nil, services.ErrBondRequired.Newf("pipeline %s", p.r.id)
			}
			cfg := s.config.XRPL
			escrow, err := s.engines.Escrow.PrepareCreate(ctx, engines.EscrowCreateRequest{
				Source:          cfg.Treasury,
				Destination:     cfg.Escrow,
				Amount:          amount,
				TemplateName:    escrowTemplate,
				LenderID:        p.r.id,
				BondID:          bondID,
				FinishAfterDays: escrowFinishDays,
				CancelAfterDays: escrowCancelDays,
			}, dryRun)
			if err != nil {
				return nil, err
			}
			s.update(ctx, p.r, func(st *models.PipelineState) {
				st.EscrowIDs = append(st.EscrowIDs, escrow.EscrowID)
			})
			if _, err := p.addUnsignedTx(ctx, models.LedgerXRPL, fmt.Sprintf("Escrow: %s XRP for bond settlement", amount), escrow.Prepared, nil); err != nil {
				return nil, err
			}

			details := map[string]interface{}{
				"escrowId":           escrow.EscrowID,
				"amount":             amount,
				"source":             cfg.Treasury,
				"destination":        cfg.Escrow,
				"bondId":             bondID,
				"hasCryptoCondition": escrow.Condition != nil,
			}
			if escrow.Condition != nil {
				details["condition"] = escrow.Condition.Condition
			}
			return &outcome{
				summary:   fmt.Sprintf("Escrow created: %s, %s XRP from treasury to escrow account", escrow.EscrowID, amount),
				details:   details,
				milestone: "escrow_created",
				data:      map[string]interface{}{"escrowId": escrow.EscrowID, "amount": amount},
			}, nil
		})
}

// IssueClaimReceipts issues bond claim receipts to each recipient. A bond
// must have been created first.
func (s *Service) IssueClaimReceipts(ctx context.Context, id string, recipients []Recipient, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.issueReceipts(ctx, r, recipients, dryRun) })
}

func (s *Service) issueReceipts(ctx context.Context, r *run, recipients []Recipient, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseIOUIssuance, models.CodeIOUIssuanceFailed,
		"Issuing bond claim receipts", func(ctx context.Context, p *phase) (*outcome, error) {
			bondID := p.state().BondID
			if bondID == "" {
				return nil, services.ErrBondRequired.Newf("pipeline %s", p.r.id)
			}
			for i := range recipients {
				if err := utils.ValidateStruct(&recipients[i]); err != nil {
					return nil, services.ErrInvalidInput.Newf("recipient %d: %v", i, err)
				}
			}

			currency := s.config.claimCurrency()
			total := decimal.Zero
			for _, rcpt := range recipients {
				memo, err := json.Marshal(map[string]string{
					"bondId":        bondID,
					"participantId": rcpt.ParticipantID,
					"issuedAt":      s.clock.Now().UTC().Format(time.RFC3339),
					"disclaimer":    claimDisclaimer,
				})
				if err != nil {
					return nil, err
				}
				tx, err := s.engines.Issuance.PrepareIssuance(ctx, engines.IssuanceRequest{
					Currency:  currency,
					Issuer:    s.config.XRPL.Issuer,
					Recipient: rcpt.Address,
					Amount:    rcpt.Amount,
					Memo:      &engines.Memo{Type: "bond_participation", Data: string(memo)},
				}, dryRun)
				if err != nil {
					return nil, err
				}
				if _, err := p.addUnsignedTx(ctx, models.LedgerXRPL, fmt.Sprintf("Issue %s %s to %s", rcpt.Amount, currency, rcpt.Address), tx, nil); err != nil {
					return nil, err
				}
				total = total.Add(decimal.RequireFromString(rcpt.Amount))
			}

			return &outcome{
				summary: fmt.Sprintf("Issued %d %s claim receipts", p.count, currency),
				details: map[string]interface{}{
					"bondId":         bondID,
					"recipientCount": len(recipients),
					"totalIssued":    total.String(),
				},
				milestone: "claim_receipts_issued",
				data:      map[string]interface{}{"count": p.count},
			}, nil
		})
}

// ExecuteSettlement clears a DvP instruction and queues one transaction per
// leg. Each leg transaction carries a SettlementLink so its confirmation can
// drive the settlement connector.
func (s *Service) ExecuteSettlement(ctx context.Context, id string, params SettlementParams, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.executeSettlement(ctx, r, params, dryRun) })
}

func (s *Service) executeSettlement(ctx context.Context, r *run, params SettlementParams, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseSettlementExecution, models.CodeSettlementFailed,
		"Executing DvP settlement", func(ctx context.Context, p *phase) (*outcome, error) {
			if err := utils.ValidateStruct(&params); err != nil {
				return nil, services.ErrInvalidInput.Newf("%v", err)
			}
			terms := s.settlementTerms(params, p.state())
			payee := s.config.XRPL.Treasury
			if terms.PaymentLedger == models.LedgerStellar {
				payee = s.config.Stellar.Distribution
			}
			payer := params.Payer
			if payer == "" {
				payer = params.Buyer
			}

			inst, err := s.engines.Clearing.CreateSettlement(ctx, engines.InstructionRequest{
				Model: terms.Model,
				Legs: []engines.InstructionLeg{
					{
						Direction: models.LegDelivery,
						Ledger:    terms.AssetLedger,
						From:      terms.Seller,
						To:        terms.Buyer,
						Amount:    terms.AssetAmount,
						Currency:  terms.AssetCurrency,
						Issuer:    terms.AssetIssuer,
					},
					{
						Direction: models.LegPayment,
						Ledger:    terms.PaymentLedger,
						From:      payer,
						To:        payee,
						Amount:    terms.PaymentAmount,
						Currency:  terms.PaymentCurrency,
						Issuer:    terms.PaymentIssuer,
					},
				},
				Memo: "pipeline " + p.r.id,
			})
			if err != nil {
				return nil, err
			}
			exec, err := s.engines.Clearing.ExecuteSettlement(ctx, inst.ID, dryRun)
			if err != nil {
				return nil, err
			}
			for _, lt := range exec.Transactions {
				linked := terms
				link := &models.SettlementLink{InstructionID: inst.ID, Leg: lt.Leg.Direction, Terms: &linked}
				if _, err := p.addUnsignedTx(ctx, lt.Leg.Ledger, fmt.Sprintf("DvP settlement leg: %s", lt.Leg.Direction), lt.Prepared, link); err != nil {
					return nil, err
				}
			}

			return &outcome{
				summary: fmt.Sprintf("Settlement executed: %s with %d legs", inst.ID, p.count),
				details: map[string]interface{}{
					"settlementId":   inst.ID,
					"model":          string(inst.Model),
					"legCount":       p.count,
					"buyer":          terms.Buyer,
					"deliveryAmount": terms.AssetAmount,
					"paymentAmount":  terms.PaymentAmount,
					"paymentLedger":  string(terms.PaymentLedger),
				},
				milestone: "settlement_executed",
				data:      map[string]interface{}{"settlementId": inst.ID},
			}, nil
		})
}

// settlementTerms fills the defaults of params from the configuration
func (s *Service) settlementTerms(params SettlementParams, st *models.PipelineState) models.SettlementTerms {
	model := params.Model
	if model == "" {
		model = models.SettlementModelRTGS
	}
	seller := params.Seller
	if seller == "" {
		seller = s.config.XRPL.Issuer
	}
	payLedger := params.PaymentLedger
	if payLedger == "" {
		payLedger = models.LedgerXRPL
	}
	payCurrency, payIssuer := params.PaymentCurrency, ""
	switch payLedger {
	case models.LedgerStellar:
		if payCurrency == "" {
			payCurrency = "XLM"
			if tokens := s.config.TokensFor(models.LedgerStellar); len(tokens) > 0 {
				payCurrency = tokens[0].Code
			}
		}
		if payCurrency != "XLM" {
			payIssuer = s.config.Stellar.Issuer
		}
	default:
		if payCurrency == "" {
			payCurrency = "XRP"
		}
		if payCurrency != "XRP" {
			payIssuer = s.config.XRPL.Issuer
		}
	}

	terms := models.SettlementTerms{
		Model:           model,
		Buyer:           params.Buyer,
		Seller:          seller,
		AssetLedger:     models.LedgerXRPL,
		AssetAmount:     params.DeliveryAmount,
		AssetCurrency:   s.config.claimCurrency(),
		AssetIssuer:     s.config.XRPL.Issuer,
		PaymentLedger:   payLedger,
		PaymentAmount:   params.PaymentAmount,
		PaymentCurrency: payCurrency,
		PaymentIssuer:   payIssuer,
		BondID:          st.BondID,
	}
	if n := len(st.EscrowIDs); n > 0 {
		terms.EscrowID = st.EscrowIDs[n-1]
	}
	return terms
}

// AttestFundingOperation hashes a snapshot of the pipeline and anchors the
// hash on both ledgers
func (s *Service) AttestFundingOperation(ctx context.Context, id string, dryRun bool) error {
	return s.locked(id, func(r *run) error { return s.attest(ctx, r, dryRun) })
}

// fundingSnapshot is the content hashed by the attestation phase
type fundingSnapshot struct {
	PipelineID       string   `json:"pipelineId"`
	BondID           string   `json:"bondId"`
	EscrowIDs        []string `json:"escrowIds"`
	PhaseCount       int      `json:"phaseCount"`
	TransactionCount int      `json:"transactionCount"`
	Timestamp        string   `json:"timestamp"`
}

func (s *Service) attest(ctx context.Context, r *run, dryRun bool) error {
	return s.execute(ctx, r, models.PhaseCrossLedgerAttestation, models.CodeAttestationFailed,
		"Anchoring funding proofs", func(ctx context.Context, p *phase) (*outcome, error) {
			st := p.state()
			raw, err := json.Marshal(fundingSnapshot{
				PipelineID:       st.ID,
				BondID:           st.BondID,
				EscrowIDs:        st.EscrowIDs,
				PhaseCount:       len(st.Phases),
				TransactionCount: len(st.UnsignedTransactions),
				Timestamp:        s.clock.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return nil, err
			}
			hash := engines.HashData(string(raw))
			s.update(ctx, p.r, func(st *models.PipelineState) {
				st.AttestationHashes = append(st.AttestationHashes, hash)
			})

			att, err := s.engines.Attestation.Attest(ctx, engines.AttestationRequest{
				Hash:        hash,
				Type:        "funding",
				Description: fmt.Sprintf("funding operation %s, bond %s", st.ID, st.BondID),
				Metadata: map[string]string{
					"pipeline_id":  st.ID,
					"bond_id":      st.BondID,
					"escrow_count": fmt.Sprint(len(st.EscrowIDs)),
					"tx_count":     fmt.Sprint(len(st.UnsignedTransactions)),
				},
			}, dryRun)
			if err != nil {
				return nil, err
			}
			if att.XRPL != nil {
				if _, err := p.addUnsignedTx(ctx, models.LedgerXRPL, "Funding attestation (XRPL)", att.XRPL, nil); err != nil {
					return nil, err
				}
			}
			if att.Stellar != nil {
				if _, err := p.addUnsignedTx(ctx, models.LedgerStellar, "Funding attestation (Stellar)", att.Stellar, nil); err != nil {
					return nil, err
				}
			}

			return &outcome{
				summary: fmt.Sprintf("Attestation anchored: %s... on %d ledger(s)", hash[:16], p.count),
				details: map[string]interface{}{
					"fundingHash":     hash,
					"xrplAttested":    att.XRPL != nil,
					"stellarAttested": att.Stellar != nil,
				},
				milestone: "funding_attested",
				data:      map[string]interface{}{"fundingHash": hash, "ledgers": p.count},
			}, nil
		})
}

// RunFullPipeline runs every phase in order and stops at the first failure.
// Phases completed before a failure keep their status and transactions.
func (s *Service) RunFullPipeline(ctx context.Context, id string, params RunParams) (*models.PipelineState, error) {
	if err := utils.ValidateStruct(&params); err != nil {
		return nil, services.ErrInvalidInput.Newf("%v", err)
	}
	r, err := s.run(id)
	if err != nil {
		return nil, err
	}
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", id),
		attribute.Bool("pipeline.dry_run", params.DryRun),
	))
	defer span.End()

	s.update(ctx, r, func(st *models.PipelineState) { st.Status = models.FundingInProgress })
	s.recordPhase(ctx, r, models.PhaseInitialization, models.FundingCompleted, "Pipeline initialized", 0, nil)
	s.logger.Info("pipeline run started", zap.String("pipeline_id", id), zap.Bool("dry_run", params.DryRun))

	steps := []func() error{
		func() error { return s.activateXRPL(ctx, r, params.DryRun) },
		func() error { return s.activateStellar(ctx, r, params.DryRun) },
		func() error { return s.createBond(ctx, r) },
		func() error { return s.createEscrow(ctx, r, params.EscrowAmount, params.DryRun) },
		func() error { return s.issueReceipts(ctx, r, params.Recipients, params.DryRun) },
	}
	if params.Settlement != nil {
		settlement := *params.Settlement
		steps = append(steps, func() error { return s.executeSettlement(ctx, r, settlement, params.DryRun) })
	}
	steps = append(steps, func() error { return s.attest(ctx, r, params.DryRun) })

	for _, step := range steps {
		if err := step(); err != nil {
			state := s.update(ctx, r, func(st *models.PipelineState) { st.Status = models.FundingFailed })
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("pipeline run failed", zap.String("pipeline_id", id), zap.Error(err))
			s.publish(ctx, events.TopicPipelineFailed, Failure{Error: err.Error(), State: state})
			return state, err
		}
	}

	now := s.clock.Now()
	state := s.update(ctx, r, func(st *models.PipelineState) {
		st.Status = models.FundingCompleted
		st.CompletedAt = &now
	})
	s.recordPhase(ctx, r, models.PhaseCompleted, models.FundingCompleted, "Funding pipeline completed successfully", 0, map[string]interface{}{
		"totalUnsignedTx":  len(state.UnsignedTransactions),
		"bondId":           state.BondID,
		"escrowCount":      len(state.EscrowIDs),
		"attestationCount": len(state.AttestationHashes),
	})
	state, _ = s.Get(id)
	s.logger.Info("pipeline run completed",
		zap.String("pipeline_id", id),
		zap.Int("transactions", len(state.UnsignedTransactions)))
	s.publish(ctx, events.TopicPipelineCompleted, state)
	return state, nil
}
