package offline

import (
	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/ledger"
)

// Demo XRPL accounts are well-formed classic addresses used when no accounts
// are configured.
var (
	DemoXRPLIssuer      = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	DemoXRPLTreasury    = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	DemoXRPLEscrow      = "rf1BiGeXwwQoi8Z2ueFYTEXSwuJYfV2Jpn"
	DemoXRPLAttestation = "rUn84CUYbNjRoTQ6mSW7BVJPSVJNLb1QLo"
	DemoXRPLAMM         = "rsA2LpzuawewSBQXkiju3YQTMzW13pAAdW"
	DemoXRPLTrading     = "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh"
)

// Demo Stellar accounts
var (
	DemoStellarIssuer       = StellarAddressFor("demo-stellar-issuer")
	DemoStellarDistribution = StellarAddressFor("demo-stellar-distribution")
	DemoStellarAnchor       = StellarAddressFor("demo-stellar-anchor")
)

// DemoXRPLSnapshot funds every demo XRPL account. The issuer does not have
// DefaultRipple set yet, which is what trustline activation fixes.
func DemoXRPLSnapshot() *Snapshot {
	s := NewSnapshot()
	for _, addr := range []string{DemoXRPLIssuer, DemoXRPLTreasury, DemoXRPLEscrow, DemoXRPLAttestation, DemoXRPLAMM, DemoXRPLTrading} {
		s.Accounts[addr] = FundedAccount(addr, 100, 0)
	}
	return s
}

// DemoStellarSnapshot funds the demo Stellar accounts with the issuer
// configured for a regulated asset
func DemoStellarSnapshot() *Snapshot {
	s := NewSnapshot()
	s.Accounts[DemoStellarIssuer] = FundedAccount(DemoStellarIssuer, 50, ledger.StellarRegulatedAssetFlags)
	for _, addr := range []string{DemoStellarDistribution, DemoStellarAnchor} {
		info := FundedAccount(addr, 50, 0)
		info.Signers = []ledger.Signer{{Key: addr, Weight: 1}}
		info.Balance = decimal.NewFromInt(25)
		s.Accounts[addr] = info
	}
	return s
}
