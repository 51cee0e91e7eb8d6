// Package ledger declares the narrow capability the control plane needs from
// a ledger network: building unsigned transactions and reading account state.
// Signing and submission happen elsewhere.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/models"
)

var (
	// ErrAccountNotFound is returned for an address the ledger does not know
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAddress is returned for a malformed address
	ErrInvalidAddress = errors.New("invalid address")
)

// XRPLFlagDefaultRipple is the account root flag set by asfDefaultRipple
const XRPLFlagDefaultRipple uint32 = 0x00800000

// XRPLAsfDefaultRipple is the AccountSet SetFlag value enabling DefaultRipple
const XRPLAsfDefaultRipple = 8

// Stellar issuer flags
const (
	StellarFlagAuthRequired  uint32 = 1
	StellarFlagAuthRevocable uint32 = 2
	StellarFlagAuthImmutable uint32 = 4
	StellarFlagAuthClawback  uint32 = 8
)

// StellarRegulatedAssetFlags are the issuer flags a regulated asset needs
const StellarRegulatedAssetFlags = StellarFlagAuthRequired | StellarFlagAuthRevocable | StellarFlagAuthClawback

// Spec describes a transaction to prepare. Fields are ledger specific and
// copied into the unsigned payload.
type Spec struct {
	TxType  string                 `json:"tx_type"`
	Account string                 `json:"account"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Signer is one entry of an account's signer list
type Signer struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

// AssetBalance is a non-native balance held by an account
type AssetBalance struct {
	Code    string          `json:"code"`
	Issuer  string          `json:"issuer"`
	Balance decimal.Decimal `json:"balance"`
}

// AccountInfo is the account state the readiness checks need. Balance is in
// the native unit (XRP or XLM).
type AccountInfo struct {
	Address  string          `json:"address"`
	Balance  decimal.Decimal `json:"balance"`
	Sequence int64           `json:"sequence"`
	Flags    uint32          `json:"flags"`
	Signers  []Signer        `json:"signers,omitempty"`
	Balances []AssetBalance  `json:"balances,omitempty"`
}

// HasFlag reports whether every bit of flag is set
func (a *AccountInfo) HasFlag(flag uint32) bool {
	return a.Flags&flag == flag
}

// TrustlineInfo is one trustline held by an account
type TrustlineInfo struct {
	Account    string          `json:"account"`
	Currency   string          `json:"currency"`
	Issuer     string          `json:"issuer"`
	Limit      decimal.Decimal `json:"limit"`
	Balance    decimal.Decimal `json:"balance"`
	Authorized bool            `json:"authorized"`
}

// Client is implemented once per ledger network
type Client interface {
	// Ledger returns the network family the client talks to
	Ledger() models.Ledger

	// PrepareTransaction builds an unsigned transaction for spec
	PrepareTransaction(ctx context.Context, spec Spec, description string, dryRun bool) (*models.PreparedTransaction, error)

	// GetAccountInfo reads the current state of address
	GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error)

	// GetTrustlines lists the trustlines held by address
	GetTrustlines(ctx context.Context, address string) ([]TrustlineInfo, error)
}
