package models

import (
	"encoding/json"
	"time"
)

// Ledger identifies one of the two ledger networks the control plane drives
type Ledger string

const (
	LedgerXRPL    Ledger = "xrpl"
	LedgerStellar Ledger = "stellar"
)

// Valid reports whether l is a supported ledger
func (l Ledger) Valid() bool {
	return l == LedgerXRPL || l == LedgerStellar
}

// Network is the ledger network flavour
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// Valid reports whether n is a supported network
func (n Network) Valid() bool {
	return n == NetworkTestnet || n == NetworkMainnet
}

// PreparedTransaction is an unsigned transaction built by a ledger client.
// Payload is opaque to the control plane; it is handed to the multisig
// signers as-is.
type PreparedTransaction struct {
	Ledger      Ledger          `json:"ledger"`
	Network     Network         `json:"network,omitempty"`
	TxType      string          `json:"tx_type"`
	Account     string          `json:"account"`
	Payload     json.RawMessage `json:"payload"`
	Description string          `json:"description"`
	DryRun      bool            `json:"dry_run"`
	PreparedAt  time.Time       `json:"prepared_at"`
}
