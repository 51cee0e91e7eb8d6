package pipeline

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// minimum native balances covering account reserves
	minXRPLBalance    = decimal.NewFromInt(10)
	minStellarBalance = decimal.NewFromInt(2)
)

type namedAccount struct {
	name    string
	address string
}

func (a XRPLAccounts) named() []namedAccount {
	return []namedAccount{
		{"issuer", a.Issuer},
		{"treasury", a.Treasury},
		{"escrow", a.Escrow},
		{"attestation", a.Attestation},
		{"amm", a.AMM},
		{"trading", a.Trading},
	}
}

func (a StellarAccounts) named() []namedAccount {
	return []namedAccount{
		{"issuer", a.Issuer},
		{"distribution", a.Distribution},
		{"anchor", a.Anchor},
	}
}

// readiness accumulates a report
type readiness struct {
	checks   []models.ReadinessCheck
	blocking []string
	warnings []string
}

func (r *readiness) check(name string, category models.ReadinessCategory, passed bool, details string) {
	r.checks = append(r.checks, models.ReadinessCheck{Name: name, Category: category, Passed: passed, Details: details})
}

// CheckReadiness inspects every configured account on both ledgers plus the
// governance, compliance and legal prerequisites. It never changes pipeline
// state.
func (s *Service) CheckReadiness(ctx context.Context) *models.ReadinessReport {
	ctx, span := s.tracer.Start(ctx, "pipeline.readiness")
	defer span.End()

	r := &readiness{checks: []models.ReadinessCheck{}, blocking: []string{}, warnings: []string{}}

	for _, acct := range s.config.XRPL.named() {
		name := "XRPL " + acct.name + " account"
		info, err := s.xrpl.GetAccountInfo(ctx, acct.address)
		if err != nil {
			r.check(name, models.ReadinessXRPL, false, "FAILED: "+err.Error())
			r.blocking = append(r.blocking, fmt.Sprintf("XRPL %s account not accessible: %v", acct.name, err))
			continue
		}
		funded := info.Balance.GreaterThanOrEqual(minXRPLBalance)
		r.check(name, models.ReadinessXRPL, funded,
			fmt.Sprintf("%s balance %s XRP, sequence %d", acct.address, info.Balance, info.Sequence))
		if !funded {
			r.blocking = append(r.blocking, fmt.Sprintf("XRPL %s account has insufficient balance (%s XRP)", acct.name, info.Balance))
		}

		if acct.name == "issuer" {
			ripple := info.HasFlag(ledger.XRPLFlagDefaultRipple)
			details := "DefaultRipple is set"
			if !ripple {
				details = "DefaultRipple not set, required before IOU issuance"
				r.warnings = append(r.warnings, "XRPL issuer DefaultRipple flag not set, trustline activation will set it")
			}
			r.check("XRPL issuer DefaultRipple flag", models.ReadinessXRPL, ripple, details)
		}
	}

	for _, acct := range s.config.Stellar.named() {
		name := "Stellar " + acct.name + " account"
		info, err := s.stellar.GetAccountInfo(ctx, acct.address)
		if err != nil {
			r.check(name, models.ReadinessStellar, false, "FAILED: "+err.Error())
			r.blocking = append(r.blocking, fmt.Sprintf("Stellar %s account not accessible: %v", acct.name, err))
			continue
		}
		funded := info.Balance.GreaterThanOrEqual(minStellarBalance)
		r.check(name, models.ReadinessStellar, funded,
			fmt.Sprintf("%s balance %s XLM, signers %d", acct.address, info.Balance, len(info.Signers)))
		if !funded {
			r.blocking = append(r.blocking, fmt.Sprintf("Stellar %s has insufficient balance (%s XLM)", acct.name, info.Balance))
		}

		if acct.name == "issuer" {
			for _, flag := range []struct {
				name string
				bit  uint32
			}{
				{"auth_required", ledger.StellarFlagAuthRequired},
				{"auth_revocable", ledger.StellarFlagAuthRevocable},
				{"clawback_enabled", ledger.StellarFlagAuthClawback},
			} {
				set := info.HasFlag(flag.bit)
				details := flag.name + " is set"
				if !set {
					details = flag.name + " not set"
				}
				r.check("Stellar issuer "+flag.name, models.ReadinessStellar, set, details)
			}
		}
	}

	threshold, signers := s.config.RequiredSignatures, len(s.config.SignerRoles)
	quorum := threshold >= 1 && threshold <= signers
	r.check(fmt.Sprintf("Governance: %d-of-%d multisig configured", threshold, signers), models.ReadinessGovernance, quorum,
		fmt.Sprintf("Multisig governance: threshold %d, total signers %d", threshold, signers))
	if !quorum {
		r.blocking = append(r.blocking, fmt.Sprintf("Governance threshold %d cannot be met by %d signer roles", threshold, signers))
	}

	bond := s.config.Bond
	covered := bond.CoverageRatio >= 1.0
	r.check("Bond collateral documentation", models.ReadinessCompliance, covered,
		fmt.Sprintf("Coverage ratio %gx, %s", bond.CoverageRatio, bond.CollateralDescription))
	if !covered {
		r.blocking = append(r.blocking, fmt.Sprintf("Bond collateral coverage ratio %gx is below 1.0x", bond.CoverageRatio))
	}

	r.check("Legal agreements hashed and attested", models.ReadinessLegal, s.config.LegalDocsHashed,
		"Bond indenture, facility agreement, security agreement, control agreement")
	if !s.config.LegalDocsHashed {
		r.warnings = append(r.warnings, "Legal agreements have not been hashed for attestation")
	}

	report := &models.ReadinessReport{
		Overall:        len(r.blocking) == 0,
		Checks:         r.checks,
		BlockingIssues: r.blocking,
		Warnings:       r.warnings,
		GeneratedAt:    s.clock.Now(),
	}
	span.SetAttributes(
		attribute.Bool("readiness.overall", report.Overall),
		attribute.Int("readiness.blocking", len(report.BlockingIssues)),
	)
	return report
}

// GenerateActivationReport summarises the on-ledger infrastructure: issuer
// flags on both ledgers and how many XRPL trustlines are in place. It
// returns an external error when a ledger query fails.
func (s *Service) GenerateActivationReport(ctx context.Context) (*models.ActivationReport, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.activation_report")
	defer span.End()

	cfg := s.config
	recipients := cfg.XRPL.recipients()
	deployed, verified := 0, 0
	for _, token := range cfg.TokensFor(models.LedgerXRPL) {
		results, err := s.engines.Trustlines.VerifyTrustlines(ctx, recipients, token.Code, cfg.XRPL.Issuer)
		if err != nil {
			return nil, services.WrapExternal("trustline verification failed", err)
		}
		deployed += len(results)
		for _, v := range results {
			if v.Configured {
				verified++
			}
		}
	}

	issuer, err := s.xrpl.GetAccountInfo(ctx, cfg.XRPL.Issuer)
	if err != nil {
		return nil, services.WrapExternal("xrpl issuer lookup failed", err)
	}
	stellarIssuer, err := s.stellar.GetAccountInfo(ctx, cfg.Stellar.Issuer)
	if err != nil {
		return nil, services.WrapExternal("stellar issuer lookup failed", err)
	}

	pending := 0
	for _, st := range s.List() {
		pending += len(st.UnsignedTransactions)
	}

	xrplFlags := issuer.HasFlag(ledger.XRPLFlagDefaultRipple)
	stellarTokens := len(cfg.TokensFor(models.LedgerStellar))
	report := &models.ActivationReport{
		XRPL: models.XRPLActivationStatus{
			IssuerFlagsSet:     xrplFlags,
			TrustlinesDeployed: deployed,
			TrustlinesVerified: verified,
			AccountsReady:      recipients,
		},
		Stellar: models.StellarActivationStatus{
			IssuerFlagsSet:      stellarIssuer.HasFlag(ledger.StellarFlagAuthRequired | ledger.StellarFlagAuthRevocable),
			TrustlinesDeployed:  stellarTokens * 2,
			AssetsConfigured:    stellarTokens,
			RegulatedAssetReady: stellarIssuer.HasFlag(ledger.StellarFlagAuthRequired | ledger.StellarFlagAuthClawback),
		},
		TotalUnsignedTx: pending,
		Ready:           xrplFlags && verified == deployed,
		GeneratedAt:     s.clock.Now(),
	}
	span.SetAttributes(attribute.Bool("activation.ready", report.Ready))
	return report, nil
}
