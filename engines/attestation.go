package engines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"go.uber.org/zap"
)

// AttestationRequest anchors Hash on both ledgers
type AttestationRequest struct {
	Hash        string
	Type        string
	Description string
	Metadata    map[string]string
}

// Attestation holds the unsigned anchoring transaction per ledger
type Attestation struct {
	Hash    string                      `json:"hash"`
	XRPL    *models.PreparedTransaction `json:"xrpl"`
	Stellar *models.PreparedTransaction `json:"stellar"`
}

// AttestationEngine anchors hashes as an XRPL memo and a Stellar data entry
type AttestationEngine struct {
	notifier
	xrpl           ledger.Client
	stellar        ledger.Client
	xrplAccount    string
	stellarAccount string
}

// NewAttestationEngine creates an attestation engine writing from the given
// accounts
func NewAttestationEngine(xrpl, stellar ledger.Client, xrplAccount, stellarAccount string, clock shared.Clock, logger *zap.Logger) *AttestationEngine {
	return &AttestationEngine{
		notifier:       newNotifier("attestation", clock, logger),
		xrpl:           xrpl,
		stellar:        stellar,
		xrplAccount:    xrplAccount,
		stellarAccount: stellarAccount,
	}
}

// HashData returns the hex SHA-256 of data
func HashData(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Attest prepares the two anchoring transactions
func (e *AttestationEngine) Attest(ctx context.Context, req AttestationRequest, dryRun bool) (*Attestation, error) {
	if len(req.Hash) != sha256.Size*2 {
		return nil, fmt.Errorf("attestation hash must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(req.Hash); err != nil {
		return nil, fmt.Errorf("attestation hash is not hex: %w", err)
	}
	kind := req.Type
	if kind == "" {
		kind = "attestation"
	}

	xrplTx, err := e.xrpl.PrepareTransaction(ctx, ledger.Spec{
		TxType:  "AccountSet",
		Account: e.xrplAccount,
		Fields: map[string]interface{}{
			"Memos": []interface{}{xrplMemo(Memo{Type: kind, Data: req.Hash})},
		},
	}, "Attest "+req.Description, dryRun)
	if err != nil {
		return nil, fmt.Errorf("xrpl attestation: %w", err)
	}

	stellarTx, err := e.stellar.PrepareTransaction(ctx, ledger.Spec{
		TxType:  "manage_data",
		Account: e.stellarAccount,
		Fields: map[string]interface{}{
			"name":  "attest:" + req.Hash[:16],
			"value": req.Hash,
		},
	}, "Attest "+req.Description, dryRun)
	if err != nil {
		return nil, fmt.Errorf("stellar attestation: %w", err)
	}

	details := map[string]interface{}{"hash": req.Hash, "type": kind}
	for k, v := range req.Metadata {
		details[k] = v
	}
	e.notify(ctx, "attestation_prepared", details)
	return &Attestation{Hash: req.Hash, XRPL: xrplTx, Stellar: stellarTx}, nil
}
