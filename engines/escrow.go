package engines

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"go.uber.org/zap"
)

// rippleEpoch is 2000-01-01T00:00:00Z, the zero of XRPL timestamps
const rippleEpoch = 946684800

// EscrowTemplate bounds the escrows created under a name
type EscrowTemplate struct {
	Name               string
	DurationDays       int
	UseCryptoCondition bool
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
}

// DefaultEscrowTemplates are registered by NewEscrowEngine
func DefaultEscrowTemplates() []EscrowTemplate {
	return []EscrowTemplate{
		{Name: "bond_settlement", DurationDays: 90, UseCryptoCondition: true, MinAmount: decimal.NewFromInt(100), MaxAmount: decimal.NewFromInt(100_000_000)},
		{Name: "coupon_payment", DurationDays: 30, MinAmount: decimal.NewFromInt(1), MaxAmount: decimal.NewFromInt(10_000_000)},
		{Name: "participant_escrow", DurationDays: 180, UseCryptoCondition: true, MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(50_000_000)},
	}
}

// EscrowCreateRequest locks Amount XRP from Source for Destination
type EscrowCreateRequest struct {
	Source          string
	Destination     string
	Amount          string
	TemplateName    string
	LenderID        string
	BondID          string
	FinishAfterDays int
	CancelAfterDays int
}

// CryptoCondition is a PREIMAGE-SHA-256 condition and its fulfillment, both
// hex encoded DER
type CryptoCondition struct {
	Condition   string `json:"condition"`
	Fulfillment string `json:"fulfillment"`
}

// EscrowCreation is the result of PrepareCreate
type EscrowCreation struct {
	EscrowID  string                      `json:"escrow_id"`
	Prepared  *models.PreparedTransaction `json:"prepared"`
	Condition *CryptoCondition            `json:"condition,omitempty"`
}

// EscrowEngine prepares XRPL EscrowCreate transactions from templates
type EscrowEngine struct {
	notifier
	client ledger.Client
	ids    shared.IDGenerator

	mu        sync.RWMutex
	templates map[string]EscrowTemplate
}

// NewEscrowEngine creates an escrow engine with the default templates
func NewEscrowEngine(client ledger.Client, ids shared.IDGenerator, clock shared.Clock, logger *zap.Logger) *EscrowEngine {
	e := &EscrowEngine{
		notifier:  newNotifier("escrow", clock, logger),
		client:    client,
		ids:       ids,
		templates: make(map[string]EscrowTemplate),
	}
	for _, t := range DefaultEscrowTemplates() {
		e.RegisterTemplate(t)
	}
	return e
}

// RegisterTemplate adds or replaces a template
func (e *EscrowEngine) RegisterTemplate(t EscrowTemplate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Name] = t
}

// Template returns a registered template
func (e *EscrowEngine) Template(name string) (EscrowTemplate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

// PrepareCreate builds an EscrowCreate bounded by the named template
func (e *EscrowEngine) PrepareCreate(ctx context.Context, req EscrowCreateRequest, dryRun bool) (*EscrowCreation, error) {
	tmpl, ok := e.Template(req.TemplateName)
	if !ok {
		return nil, fmt.Errorf("unknown escrow template %q", req.TemplateName)
	}
	amount, err := parsePositive("escrow amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.LessThan(tmpl.MinAmount) || amount.GreaterThan(tmpl.MaxAmount) {
		return nil, fmt.Errorf("escrow amount %s outside %s bounds [%s, %s]",
			amount, tmpl.Name, tmpl.MinAmount, tmpl.MaxAmount)
	}

	finishDays := req.FinishAfterDays
	if finishDays <= 0 {
		finishDays = 1
	}
	cancelDays := req.CancelAfterDays
	if cancelDays <= 0 {
		cancelDays = tmpl.DurationDays
	}
	if cancelDays <= finishDays {
		return nil, fmt.Errorf("escrow cancel after (%d days) must follow finish after (%d days)", cancelDays, finishDays)
	}

	now := e.clock.Now()
	fields := map[string]interface{}{
		"Destination": req.Destination,
		"Amount":      xrpToDrops(req.Amount),
		"FinishAfter": rippleTime(now.Add(time.Duration(finishDays) * 24 * time.Hour)),
		"CancelAfter": rippleTime(now.Add(time.Duration(cancelDays) * 24 * time.Hour)),
	}

	var cond *CryptoCondition
	if tmpl.UseCryptoCondition {
		cond, err = NewPreimageCondition()
		if err != nil {
			return nil, err
		}
		fields["Condition"] = cond.Condition
	}

	var memo []string
	if req.LenderID != "" {
		memo = append(memo, "lender="+req.LenderID)
	}
	if req.BondID != "" {
		memo = append(memo, "bond="+req.BondID)
	}
	if len(memo) > 0 {
		fields["Memos"] = []interface{}{xrplMemo(Memo{Type: "escrow/" + tmpl.Name, Data: strings.Join(memo, ";")})}
	}

	tx, err := e.client.PrepareTransaction(ctx, ledger.Spec{
		TxType:  "EscrowCreate",
		Account: req.Source,
		Fields:  fields,
	}, fmt.Sprintf("EscrowCreate %s XRP (%s) to %s", req.Amount, tmpl.Name, req.Destination), dryRun)
	if err != nil {
		return nil, err
	}

	id := e.ids.NewID(shared.PrefixEscrow)
	e.notify(ctx, "escrow_prepared", map[string]interface{}{
		"escrowId": id,
		"template": tmpl.Name,
		"amount":   req.Amount,
	})
	return &EscrowCreation{EscrowID: id, Prepared: tx, Condition: cond}, nil
}

// NewPreimageCondition draws a 32 byte preimage and encodes the matching
// PREIMAGE-SHA-256 condition and fulfillment
func NewPreimageCondition() (*CryptoCondition, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("failed to draw escrow preimage: %w", err)
	}
	return PreimageCondition(preimage), nil
}

// PreimageCondition encodes the condition and fulfillment for a 32 byte
// preimage
func PreimageCondition(preimage []byte) *CryptoCondition {
	digest := sha256.Sum256(preimage)
	return &CryptoCondition{
		Condition:   strings.ToUpper("A0258020" + hex.EncodeToString(digest[:]) + "810120"),
		Fulfillment: strings.ToUpper("A0228020" + hex.EncodeToString(preimage)),
	}
}

func rippleTime(t time.Time) int64 {
	return t.Unix() - rippleEpoch
}
