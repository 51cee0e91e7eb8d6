package engines

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"go.uber.org/zap"
)

// InstructionLeg is one transfer of a settlement instruction
type InstructionLeg struct {
	ID        string              `json:"id"`
	Direction models.LegDirection `json:"direction"`
	Ledger    models.Ledger       `json:"ledger"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Amount    string              `json:"amount"`
	Currency  string              `json:"currency"`
	Issuer    string              `json:"issuer,omitempty"`
}

// InstructionRequest describes a settlement to clear
type InstructionRequest struct {
	Model models.SettlementModel
	Legs  []InstructionLeg
	Memo  string
}

// SettlementInstruction is a cleared instruction awaiting execution
type SettlementInstruction struct {
	ID        string                 `json:"id"`
	Model     models.SettlementModel `json:"model"`
	Legs      []InstructionLeg       `json:"legs"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
}

// LegTransaction pairs a leg with its unsigned transfer
type LegTransaction struct {
	Leg      InstructionLeg              `json:"leg"`
	Prepared *models.PreparedTransaction `json:"prepared"`
}

// SettlementExecution is the result of ExecuteSettlement
type SettlementExecution struct {
	InstructionID string           `json:"instruction_id"`
	Transactions  []LegTransaction `json:"transactions"`
}

// ClearingEngine turns settlement instructions into per-leg transfers on
// the ledger each leg lives on
type ClearingEngine struct {
	notifier
	clients map[models.Ledger]ledger.Client
	ids     shared.IDGenerator

	mu           sync.Mutex
	instructions map[string]*SettlementInstruction
}

// NewClearingEngine creates a clearing engine over one client per ledger
func NewClearingEngine(clients []ledger.Client, ids shared.IDGenerator, clock shared.Clock, logger *zap.Logger) *ClearingEngine {
	e := &ClearingEngine{
		notifier:     newNotifier("clearing", clock, logger),
		clients:      make(map[models.Ledger]ledger.Client, len(clients)),
		ids:          ids,
		instructions: make(map[string]*SettlementInstruction),
	}
	for _, c := range clients {
		e.clients[c.Ledger()] = c
	}
	return e
}

// CreateSettlement validates and records an instruction
func (e *ClearingEngine) CreateSettlement(ctx context.Context, req InstructionRequest) (*SettlementInstruction, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("settlement instruction needs at least one leg")
	}
	model := req.Model
	if model == "" {
		model = models.SettlementModelRTGS
	}
	if !model.Valid() {
		return nil, fmt.Errorf("unknown settlement model %q", model)
	}

	legs := make([]InstructionLeg, len(req.Legs))
	for i, leg := range req.Legs {
		if _, ok := e.clients[leg.Ledger]; !ok {
			return nil, fmt.Errorf("leg %d: no client for ledger %q", i, leg.Ledger)
		}
		if _, err := parsePositive("leg amount", leg.Amount); err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		if leg.ID == "" {
			leg.ID = e.ids.NewID(shared.PrefixSettlementLeg)
		}
		legs[i] = leg
	}

	inst := &SettlementInstruction{
		ID:        e.ids.NewID(shared.PrefixInstruction),
		Model:     model,
		Legs:      legs,
		Status:    "pending",
		CreatedAt: e.clock.Now(),
	}
	e.mu.Lock()
	e.instructions[inst.ID] = inst
	e.mu.Unlock()

	e.notify(ctx, "instruction_created", map[string]interface{}{
		"instructionId": inst.ID,
		"model":         string(model),
		"legs":          len(legs),
	})
	return inst, nil
}

// ExecuteSettlement prepares one transfer per leg of instruction id
func (e *ClearingEngine) ExecuteSettlement(ctx context.Context, id string, dryRun bool) (*SettlementExecution, error) {
	e.mu.Lock()
	inst, ok := e.instructions[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("settlement instruction %s not found", id)
	}

	exec := &SettlementExecution{InstructionID: id}
	for _, leg := range inst.Legs {
		tx, err := e.prepareLeg(ctx, leg, dryRun)
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", leg.ID, err)
		}
		exec.Transactions = append(exec.Transactions, LegTransaction{Leg: leg, Prepared: tx})
	}

	e.mu.Lock()
	inst.Status = "prepared"
	e.mu.Unlock()

	e.notify(ctx, "instruction_prepared", map[string]interface{}{
		"instructionId": id,
		"transactions":  len(exec.Transactions),
	})
	return exec, nil
}

func (e *ClearingEngine) prepareLeg(ctx context.Context, leg InstructionLeg, dryRun bool) (*models.PreparedTransaction, error) {
	client := e.clients[leg.Ledger]
	description := fmt.Sprintf("DvP %s leg: %s %s from %s to %s", leg.Direction, leg.Amount, leg.Currency, leg.From, leg.To)

	if leg.Ledger == models.LedgerStellar {
		fields := map[string]interface{}{
			"destination": leg.To,
			"amount":      leg.Amount,
		}
		if leg.Currency == "" || leg.Currency == "XLM" {
			fields["asset_type"] = "native"
		} else {
			fields["asset_code"] = leg.Currency
			fields["issuer"] = leg.Issuer
		}
		return client.PrepareTransaction(ctx, ledger.Spec{TxType: "payment", Account: leg.From, Fields: fields}, description, dryRun)
	}

	return client.PrepareTransaction(ctx, ledger.Spec{
		TxType:  "Payment",
		Account: leg.From,
		Fields: map[string]interface{}{
			"Destination": leg.To,
			"Amount":      xrplAmount(leg.Currency, leg.Issuer, leg.Amount),
		},
	}, description, dryRun)
}
