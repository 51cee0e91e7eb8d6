package engines

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/internal/shared"
	"go.uber.org/zap"
)

// BondTerms are the economic terms of a new bond
type BondTerms struct {
	Name                  string
	FaceValue             decimal.Decimal
	Currency              string
	CouponRate            decimal.Decimal
	IssueDate             time.Time
	MaturityDate          time.Time
	CollateralDescription string
	CollateralValue       decimal.Decimal
	IOUCurrency           string
}

// CouponPayment is one scheduled coupon
type CouponPayment struct {
	Number  int             `json:"number"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
}

// Bond is a bond record with its coupon schedule
type Bond struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	FaceValue      decimal.Decimal `json:"face_value"`
	Currency       string          `json:"currency"`
	CouponRate     decimal.Decimal `json:"coupon_rate"`
	IssueDate      time.Time       `json:"issue_date"`
	MaturityDate   time.Time       `json:"maturity_date"`
	Collateral     string          `json:"collateral"`
	CollateralVal  decimal.Decimal `json:"collateral_value"`
	IOUCurrency    string          `json:"iou_currency"`
	Status         string          `json:"status"`
	CouponSchedule []CouponPayment `json:"coupon_schedule"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BondEngine creates bonds and keeps them for lookup
type BondEngine struct {
	notifier
	ids shared.IDGenerator

	mu    sync.RWMutex
	bonds map[string]*Bond
}

// NewBondEngine creates a bond engine
func NewBondEngine(ids shared.IDGenerator, clock shared.Clock, logger *zap.Logger) *BondEngine {
	return &BondEngine{
		notifier: newNotifier("bond", clock, logger),
		ids:      ids,
		bonds:    make(map[string]*Bond),
	}
}

// CreateBond validates terms and records a new bond with a semi-annual
// coupon schedule
func (e *BondEngine) CreateBond(ctx context.Context, terms BondTerms) (*Bond, error) {
	if terms.Name == "" {
		return nil, fmt.Errorf("bond name is required")
	}
	if !terms.FaceValue.IsPositive() {
		return nil, fmt.Errorf("bond face value must be positive")
	}
	if terms.CouponRate.IsNegative() || terms.CouponRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("coupon rate %s must be between 0 and 1", terms.CouponRate)
	}
	issue := terms.IssueDate
	if issue.IsZero() {
		issue = e.clock.Now()
	}
	if terms.MaturityDate.Before(issue.AddDate(1, 0, 0)) {
		return nil, fmt.Errorf("bond maturity must be at least one year after issue")
	}

	bond := &Bond{
		ID:            e.ids.NewID(shared.PrefixBond),
		Name:          terms.Name,
		FaceValue:     terms.FaceValue,
		Currency:      terms.Currency,
		CouponRate:    terms.CouponRate,
		IssueDate:     issue,
		MaturityDate:  terms.MaturityDate,
		Collateral:    terms.CollateralDescription,
		CollateralVal: terms.CollateralValue,
		IOUCurrency:   terms.IOUCurrency,
		Status:        "issued",
		CreatedAt:     e.clock.Now(),
	}
	coupon := terms.FaceValue.Mul(terms.CouponRate).Div(decimal.NewFromInt(2)).Round(2)
	for n, due := 1, issue.AddDate(0, 6, 0); !due.After(terms.MaturityDate); n, due = n+1, issue.AddDate(0, 6*(n+1), 0) {
		bond.CouponSchedule = append(bond.CouponSchedule, CouponPayment{Number: n, DueDate: due, Amount: coupon})
	}

	e.mu.Lock()
	e.bonds[bond.ID] = bond
	e.mu.Unlock()

	e.notify(ctx, "bond_created", map[string]interface{}{
		"bondId":    bond.ID,
		"faceValue": bond.FaceValue.String(),
		"coupons":   len(bond.CouponSchedule),
	})
	return bond, nil
}

// GetBond returns a bond created by this engine
func (e *BondEngine) GetBond(id string) (*Bond, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bonds[id]
	if !ok {
		return nil, false
	}
	c := *b
	c.CouponSchedule = append([]CouponPayment(nil), b.CouponSchedule...)
	return &c, true
}
