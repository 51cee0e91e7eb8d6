// Package offline implements ledger.Client without network access. Payloads
// are built locally, addresses are validated, and account queries are served
// from a seeded snapshot. The same client backs development servers and tests.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
)

// Snapshot is the account state served by a Client
type Snapshot struct {
	Accounts   map[string]ledger.AccountInfo     `json:"accounts"`
	Trustlines map[string][]ledger.TrustlineInfo `json:"trustlines"`
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Accounts:   make(map[string]ledger.AccountInfo),
		Trustlines: make(map[string][]ledger.TrustlineInfo),
	}
}

// SnapshotFile is the on-disk seed format, one snapshot per ledger
type SnapshotFile struct {
	XRPL    *Snapshot `json:"xrpl"`
	Stellar *Snapshot `json:"stellar"`
}

// LoadSnapshotFile reads a seed file
func LoadSnapshotFile(path string) (*SnapshotFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}
	var file SnapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}
	return &file, nil
}

// addressFields are spec fields holding account addresses
var addressFields = []string{"Destination", "Issuer", "Trustor", "Owner", "source_account", "destination", "trustor", "issuer"}

// Client is an offline ledger client for one network
type Client struct {
	ledger   models.Ledger
	network  models.Network
	fee      string
	validate func(string) error
	clock    shared.Clock

	mu       sync.RWMutex
	snapshot *Snapshot
	failures map[string]error
}

// NewXRPL creates an offline XRPL client
func NewXRPL(network models.Network, clock shared.Clock) *Client {
	return newClient(models.LedgerXRPL, network, "12", ValidateXRPLAddress, clock)
}

// NewStellar creates an offline Stellar client
func NewStellar(network models.Network, clock shared.Clock) *Client {
	return newClient(models.LedgerStellar, network, "100", ValidateStellarAddress, clock)
}

func newClient(l models.Ledger, network models.Network, fee string, validate func(string) error, clock shared.Clock) *Client {
	return &Client{
		ledger:   l,
		network:  network,
		fee:      fee,
		validate: validate,
		clock:    clock,
		snapshot: NewSnapshot(),
		failures: make(map[string]error),
	}
}

// Ledger implements ledger.Client
func (c *Client) Ledger() models.Ledger {
	return c.ledger
}

// Seed replaces the served snapshot
func (c *Client) Seed(snapshot *Snapshot) {
	if snapshot == nil {
		snapshot = NewSnapshot()
	}
	if snapshot.Accounts == nil {
		snapshot.Accounts = make(map[string]ledger.AccountInfo)
	}
	if snapshot.Trustlines == nil {
		snapshot.Trustlines = make(map[string][]ledger.TrustlineInfo)
	}
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
}

// SetAccount adds or replaces one account
func (c *Client) SetAccount(info ledger.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.Accounts[info.Address] = info
}

// AddTrustline records a trustline held by tl.Account
func (c *Client) AddTrustline(tl ledger.TrustlineInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.Trustlines[tl.Account] = append(c.snapshot.Trustlines[tl.Account], tl)
}

// FailOn makes every PrepareTransaction of txType return err; a nil err
// clears the failure
func (c *Client) FailOn(txType string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, txType)
		return
	}
	c.failures[txType] = err
}

// PrepareTransaction implements ledger.Client
func (c *Client) PrepareTransaction(ctx context.Context, spec ledger.Spec, description string, dryRun bool) (*models.PreparedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.TxType == "" {
		return nil, fmt.Errorf("%s: transaction type is required", c.ledger)
	}
	if err := c.validate(spec.Account); err != nil {
		return nil, err
	}
	for _, field := range addressFields {
		if v, ok := spec.Fields[field].(string); ok {
			if err := c.validate(v); err != nil {
				return nil, fmt.Errorf("%s field: %w", field, err)
			}
		}
	}

	c.mu.RLock()
	failure := c.failures[spec.TxType]
	account, known := c.snapshot.Accounts[spec.Account]
	c.mu.RUnlock()
	if failure != nil {
		return nil, failure
	}

	payload, err := c.payload(spec, account, known)
	if err != nil {
		return nil, err
	}

	return &models.PreparedTransaction{
		Ledger:      c.ledger,
		Network:     c.network,
		TxType:      spec.TxType,
		Account:     spec.Account,
		Payload:     payload,
		Description: description,
		DryRun:      dryRun,
		PreparedAt:  c.clock.Now(),
	}, nil
}

func (c *Client) payload(spec ledger.Spec, account ledger.AccountInfo, known bool) (json.RawMessage, error) {
	var body map[string]interface{}
	switch c.ledger {
	case models.LedgerXRPL:
		body = map[string]interface{}{
			"TransactionType": spec.TxType,
			"Account":         spec.Account,
			"Fee":             c.fee,
		}
		for k, v := range spec.Fields {
			body[k] = v
		}
		if known {
			body["Sequence"] = account.Sequence
		}
	default:
		op := map[string]interface{}{"type": spec.TxType}
		for k, v := range spec.Fields {
			op[k] = v
		}
		body = map[string]interface{}{
			"source_account": spec.Account,
			"fee":            c.fee,
			"operations":     []interface{}{op},
		}
		if known {
			body["sequence"] = account.Sequence + 1
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", c.ledger, err)
	}
	return raw, nil
}

// GetAccountInfo implements ledger.Client
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*ledger.AccountInfo, error) {
	if err := c.validate(address); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.snapshot.Accounts[address]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", c.ledger, address, ledger.ErrAccountNotFound)
	}
	info.Signers = append([]ledger.Signer(nil), info.Signers...)
	info.Balances = append([]ledger.AssetBalance(nil), info.Balances...)
	return &info, nil
}

// GetTrustlines implements ledger.Client
func (c *Client) GetTrustlines(ctx context.Context, address string) ([]ledger.TrustlineInfo, error) {
	if err := c.validate(address); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ledger.TrustlineInfo(nil), c.snapshot.Trustlines[address]...), nil
}

// FundedAccount is a convenience constructor for snapshot entries
func FundedAccount(address string, balance int64, flags uint32) ledger.AccountInfo {
	return ledger.AccountInfo{
		Address:  address,
		Balance:  decimal.NewFromInt(balance),
		Sequence: 1,
		Flags:    flags,
	}
}

var _ ledger.Client = (*Client)(nil)
