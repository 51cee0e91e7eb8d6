package engines

import (
	"context"
	"fmt"

	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"go.uber.org/zap"
)

// TrustlineDeployment asks for one trustline per account towards issuer
type TrustlineDeployment struct {
	Currency string
	Issuer   string
	Accounts []string
	Limit    string
}

// TrustlineVerification reports whether an account holds the trustline
type TrustlineVerification struct {
	Account    string `json:"account"`
	Configured bool   `json:"configured"`
}

// TrustlineEngine prepares and verifies XRPL trustlines
type TrustlineEngine struct {
	notifier
	client ledger.Client
}

// NewTrustlineEngine creates a trustline engine over an XRPL client
func NewTrustlineEngine(client ledger.Client, clock shared.Clock, logger *zap.Logger) *TrustlineEngine {
	return &TrustlineEngine{notifier: newNotifier("trustline", clock, logger), client: client}
}

// PrepareDeployment builds one TrustSet per account
func (e *TrustlineEngine) PrepareDeployment(ctx context.Context, d TrustlineDeployment, dryRun bool) ([]*models.PreparedTransaction, error) {
	if d.Currency == "" || d.Issuer == "" {
		return nil, fmt.Errorf("trustline deployment needs currency and issuer")
	}
	if _, err := parsePositive("trustline limit", d.Limit); err != nil {
		return nil, err
	}

	txs := make([]*models.PreparedTransaction, 0, len(d.Accounts))
	for _, account := range d.Accounts {
		tx, err := e.client.PrepareTransaction(ctx, ledger.Spec{
			TxType:  "TrustSet",
			Account: account,
			Fields: map[string]interface{}{
				"LimitAmount": xrplAmount(d.Currency, d.Issuer, d.Limit),
				"Flags":       0x00020000, // tfSetNoRipple
			},
		}, fmt.Sprintf("TrustSet %s/%s for %s", d.Currency, d.Issuer, account), dryRun)
		if err != nil {
			return nil, fmt.Errorf("trustline for %s: %w", account, err)
		}
		txs = append(txs, tx)
	}

	e.notify(ctx, "trustlines_prepared", map[string]interface{}{
		"currency": d.Currency,
		"issuer":   d.Issuer,
		"count":    len(txs),
	})
	return txs, nil
}

// VerifyTrustlines checks each account for a trustline in currency issued
// by issuer
func (e *TrustlineEngine) VerifyTrustlines(ctx context.Context, accounts []string, currency, issuer string) ([]TrustlineVerification, error) {
	out := make([]TrustlineVerification, 0, len(accounts))
	for _, account := range accounts {
		lines, err := e.client.GetTrustlines(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("trustlines of %s: %w", account, err)
		}
		v := TrustlineVerification{Account: account}
		for _, l := range lines {
			if l.Currency == currency && l.Issuer == issuer {
				v.Configured = true
				break
			}
		}
		out = append(out, v)
	}
	return out, nil
}
