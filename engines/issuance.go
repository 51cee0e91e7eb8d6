package engines

import (
	"context"
	"fmt"

	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"go.uber.org/zap"
)

// IssuanceRequest issues Amount of Currency from Issuer to Recipient
type IssuanceRequest struct {
	Currency  string
	Issuer    string
	Recipient string
	Amount    string
	Memo      *Memo
}

// IssuanceEngine prepares IOU issuance payments on XRPL
type IssuanceEngine struct {
	notifier
	client ledger.Client
}

// NewIssuanceEngine creates an issuance engine over an XRPL client
func NewIssuanceEngine(client ledger.Client, clock shared.Clock, logger *zap.Logger) *IssuanceEngine {
	return &IssuanceEngine{notifier: newNotifier("issuance", clock, logger), client: client}
}

// PrepareIssuance builds the issuing Payment
func (e *IssuanceEngine) PrepareIssuance(ctx context.Context, req IssuanceRequest, dryRun bool) (*models.PreparedTransaction, error) {
	if _, err := parsePositive("issuance amount", req.Amount); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		return nil, fmt.Errorf("issuance needs a currency")
	}

	fields := map[string]interface{}{
		"Destination": req.Recipient,
		"Amount":      xrplAmount(req.Currency, req.Issuer, req.Amount),
	}
	if req.Memo != nil {
		fields["Memos"] = []interface{}{xrplMemo(*req.Memo)}
	}

	tx, err := e.client.PrepareTransaction(ctx, ledger.Spec{
		TxType:  "Payment",
		Account: req.Issuer,
		Fields:  fields,
	}, fmt.Sprintf("Issue %s %s to %s", req.Amount, req.Currency, req.Recipient), dryRun)
	if err != nil {
		return nil, err
	}

	e.notify(ctx, "iou_prepared", map[string]interface{}{
		"currency":  req.Currency,
		"recipient": req.Recipient,
		"amount":    req.Amount,
	})
	return tx, nil
}
