package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/engines"
	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/ledger/offline"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/repositories/memory"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/txqueue"
	"go.uber.org/zap"
)

var start = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) listen(ctx context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) on(topic string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc     *Service
	queue   *txqueue.Service
	repos   *repositories.Repositories
	bus     *events.Bus
	xrpl    *offline.Client
	stellar *offline.Client
	clock   *shared.FakeClock
	rec     *recorder
}

func testConfig() Config {
	return Config{
		XRPL: XRPLAccounts{
			Issuer:      offline.DemoXRPLIssuer,
			Treasury:    offline.DemoXRPLTreasury,
			Escrow:      offline.DemoXRPLEscrow,
			Attestation: offline.DemoXRPLAttestation,
			AMM:         offline.DemoXRPLAMM,
			Trading:     offline.DemoXRPLTrading,
		},
		Stellar: StellarAccounts{
			Issuer:       offline.DemoStellarIssuer,
			Distribution: offline.DemoStellarDistribution,
			Anchor:       offline.DemoStellarAnchor,
		},
		Tokens: []Token{
			{Code: "CLAIM", Ledger: models.LedgerXRPL, Type: "claim_receipt", TrustlineLimit: "1000000000"},
			{Code: "FUNDUSD", Ledger: models.LedgerStellar, Type: "regulated_asset", TrustlineLimit: "1000000000"},
		},
		Bond: BondConfig{
			Name:                  "Series A",
			FaceValue:             "10000000",
			Currency:              "USD",
			CouponRate:            0.065,
			MaturityYears:         5,
			CollateralDescription: "Senior secured pool",
			CollateralValue:       "15000000",
			CoverageRatio:         1.5,
		},
		RequiredSignatures: 2,
		SignerRoles:        []string{"treasury", "compliance", "trustee"},
		LegalDocsHashed:    true,
	}
}

func newFixture(t *testing.T, opts ...func(*fixture, *Engines)) *fixture {
	t.Helper()
	clock := shared.NewFakeClock(start)
	ids := shared.NewSequentialIDs()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	rec := &recorder{}
	bus.Subscribe(events.TopicAll, rec.listen)

	xrpl := offline.NewXRPL(models.NetworkTestnet, clock)
	xrpl.Seed(offline.DemoXRPLSnapshot())
	stellar := offline.NewStellar(models.NetworkTestnet, clock)
	stellar.Seed(offline.DemoStellarSnapshot())

	repos := repositories.New(memory.New())
	queue := txqueue.NewService(repos, bus, txqueue.DefaultConfig(), clock, ids, logger)
	f := &fixture{queue: queue, repos: repos, bus: bus, xrpl: xrpl, stellar: stellar, clock: clock, rec: rec}

	eng := Engines{
		Trustlines:  engines.NewTrustlineEngine(xrpl, clock, logger),
		Issuance:    engines.NewIssuanceEngine(xrpl, clock, logger),
		Escrow:      engines.NewEscrowEngine(xrpl, ids, clock, logger),
		Bonds:       engines.NewBondEngine(ids, clock, logger),
		Clearing:    engines.NewClearingEngine([]ledger.Client{xrpl, stellar}, ids, clock, logger),
		Attestation: engines.NewAttestationEngine(xrpl, stellar, offline.DemoXRPLAttestation, offline.DemoStellarAnchor, clock, logger),
	}
	for _, opt := range opts {
		opt(f, &eng)
	}
	f.svc = NewService(repos, queue, bus, xrpl, stellar, eng, testConfig(), clock, ids, logger)
	return f
}

func runParams() RunParams {
	return RunParams{
		EscrowAmount: "1000",
		Recipients: []Recipient{
			{Address: offline.DemoXRPLTreasury, Amount: "250000", ParticipantID: "LENDER-1"},
			{Address: offline.DemoXRPLAMM, Amount: "125000.50", ParticipantID: "LENDER-2"},
		},
		DryRun: true,
	}
}

func phaseNames(st *models.PipelineState) []models.FundingPhase {
	out := make([]models.FundingPhase, 0, len(st.Phases))
	for _, p := range st.Phases {
		out = append(out, p.Phase)
	}
	return out
}

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.svc.Create(ctx)
	assert.Equal(t, models.FundingNotStarted, created.Status)

	params := runParams()
	params.Settlement = &SettlementParams{
		Buyer:          offline.DemoXRPLTrading,
		DeliveryAmount: "5000",
		PaymentAmount:  "4900",
	}
	st, err := f.svc.RunFullPipeline(ctx, created.ID, params)
	require.NoError(t, err)

	assert.Equal(t, models.FundingCompleted, st.Status)
	assert.Equal(t, models.PhaseCompleted, st.CurrentPhase)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, []models.FundingPhase{
		models.PhaseInitialization,
		models.PhaseTrustlineActivation,
		models.PhaseStellarAssetSetup,
		models.PhaseBondCreation,
		models.PhaseEscrowCreation,
		models.PhaseIOUIssuance,
		models.PhaseSettlementExecution,
		models.PhaseCrossLedgerAttestation,
		models.PhaseCompleted,
	}, phaseNames(st))
	for _, p := range st.Phases {
		assert.Equal(t, models.FundingCompleted, p.Status, p.Phase)
	}

	counts := map[models.FundingPhase]int{}
	for _, p := range st.Phases {
		counts[p.Phase] = p.TransactionCount
	}
	assert.Equal(t, 6, counts[models.PhaseTrustlineActivation])
	assert.Equal(t, 5, counts[models.PhaseStellarAssetSetup])
	assert.Equal(t, 0, counts[models.PhaseBondCreation])
	assert.Equal(t, 1, counts[models.PhaseEscrowCreation])
	assert.Equal(t, 2, counts[models.PhaseIOUIssuance])
	assert.Equal(t, 2, counts[models.PhaseSettlementExecution])
	assert.Equal(t, 2, counts[models.PhaseCrossLedgerAttestation])

	require.Len(t, st.UnsignedTransactions, 18)
	assert.NotEmpty(t, st.BondID)
	assert.Len(t, st.EscrowIDs, 1)
	require.Len(t, st.AttestationHashes, 1)
	assert.Len(t, st.AttestationHashes[0], 64)
	assert.Empty(t, st.Errors)

	queued := f.queue.ByPipeline(st.ID)
	require.Len(t, queued, 18)
	for i, tx := range queued {
		assert.Equal(t, st.UnsignedTransactions[i].ID, tx.ID)
		assert.Equal(t, models.TxStatusPendingSignature, tx.Status)
		assert.Equal(t, string(st.UnsignedTransactions[i].Phase), tx.Phase)
	}

	legs := st.TransactionsFor(models.PhaseSettlementExecution)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		tx, err := f.queue.Get(leg.ID)
		require.NoError(t, err)
		require.NotNil(t, tx.Settlement)
		assert.NotEmpty(t, tx.Settlement.InstructionID)
		require.NotNil(t, tx.Settlement.Terms)
		assert.Equal(t, offline.DemoXRPLTrading, tx.Settlement.Terms.Buyer)
		assert.Equal(t, "CLAIM", tx.Settlement.Terms.AssetCurrency)
		assert.Equal(t, "XRP", tx.Settlement.Terms.PaymentCurrency)
		assert.Equal(t, st.BondID, tx.Settlement.Terms.BondID)
	}
	assert.Equal(t, models.LegDelivery, queuedLink(t, f, legs[0].ID).Leg)
	assert.Equal(t, models.LegPayment, queuedLink(t, f, legs[1].ID).Leg)

	var milestones []string
	for _, e := range f.rec.on(events.TopicPipelineMilestone) {
		milestones = append(milestones, e.Payload.(Milestone).Name)
	}
	assert.Equal(t, []string{
		"xrpl_activated", "stellar_activated", "bond_created", "escrow_created",
		"claim_receipts_issued", "settlement_executed", "funding_attested",
	}, milestones)
	assert.Len(t, f.rec.on(events.TopicPipelineCompleted), 1)
	assert.Empty(t, f.rec.on(events.TopicPipelineFailed))
}

func queuedLink(t *testing.T, f *fixture, id string) *models.SettlementLink {
	t.Helper()
	tx, err := f.queue.Get(id)
	require.NoError(t, err)
	return tx.Settlement
}

func TestRunWithoutSettlementSkipsPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID

	st, err := f.svc.RunFullPipeline(ctx, id, runParams())
	require.NoError(t, err)
	_, ran := st.PhaseResult(models.PhaseSettlementExecution)
	assert.False(t, ran)
	assert.Len(t, st.UnsignedTransactions, 16)
}

func TestFailForwardKeepsCompletedPhases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	f.xrpl.FailOn("EscrowCreate", errors.New("ledger unavailable"))

	st, err := f.svc.RunFullPipeline(ctx, id, runParams())
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeExternal, services.GetErrorType(err))
	assert.Contains(t, err.Error(), "ledger unavailable")

	assert.Equal(t, models.FundingFailed, st.Status)
	assert.Nil(t, st.CompletedAt)
	assert.Equal(t, []models.FundingPhase{
		models.PhaseInitialization,
		models.PhaseTrustlineActivation,
		models.PhaseStellarAssetSetup,
		models.PhaseBondCreation,
		models.PhaseEscrowCreation,
	}, phaseNames(st))
	for _, p := range st.Phases[:4] {
		assert.Equal(t, models.FundingCompleted, p.Status, p.Phase)
	}
	escrow, _ := st.PhaseResult(models.PhaseEscrowCreation)
	assert.Equal(t, models.FundingFailed, escrow.Status)
	assert.Contains(t, escrow.Summary, "ledger unavailable")

	assert.Len(t, st.UnsignedTransactions, 11)
	assert.Len(t, f.queue.ByPipeline(id), 11)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, models.CodeEscrowCreationFailed, st.Errors[0].Code)
	assert.True(t, st.Errors[0].Recoverable)
	assert.Equal(t, models.PhaseEscrowCreation, st.Errors[0].Phase)

	require.Len(t, f.rec.on(events.TopicPipelineFailed), 1)
	assert.Len(t, f.rec.on(events.TopicPipelineError), 1)
	assert.Empty(t, f.rec.on(events.TopicPipelineCompleted))
}

func TestMissingBondIsValidationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID

	err := f.svc.CreateFundingEscrow(ctx, id, "1000", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrBondRequired)
	assert.True(t, services.IsValidationError(err))

	err = f.svc.IssueClaimReceipts(ctx, id, runParams().Recipients, true)
	assert.ErrorIs(t, err, services.ErrBondRequired)

	st, err := f.svc.Get(id)
	require.NoError(t, err)
	// a single phase failing leaves the pipeline status alone
	assert.Equal(t, models.FundingNotStarted, st.Status)
	require.Len(t, st.Errors, 2)
	assert.Equal(t, models.CodeEscrowCreationFailed, st.Errors[0].Code)
	assert.Equal(t, models.CodeIOUIssuanceFailed, st.Errors[1].Code)
	escrow, ok := st.PhaseResult(models.PhaseEscrowCreation)
	require.True(t, ok)
	assert.Equal(t, models.FundingFailed, escrow.Status)
	assert.Empty(t, st.UnsignedTransactions)
}

func TestRetriedPhaseUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	require.NoError(t, f.svc.CreateFundingBond(ctx, id))

	f.xrpl.FailOn("EscrowCreate", errors.New("timeout"))
	require.Error(t, f.svc.CreateFundingEscrow(ctx, id, "1000", true))

	f.xrpl.FailOn("EscrowCreate", nil)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.CreateFundingEscrow(ctx, id, "1000", true))

	st, err := f.svc.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []models.FundingPhase{models.PhaseBondCreation, models.PhaseEscrowCreation}, phaseNames(st))
	escrow, _ := st.PhaseResult(models.PhaseEscrowCreation)
	assert.Equal(t, models.FundingCompleted, escrow.Status)
	assert.Equal(t, start, escrow.StartedAt)
	assert.Equal(t, 1, escrow.TransactionCount)
	assert.Len(t, st.Errors, 1)
}

func TestInvalidRecipientFailsIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	require.NoError(t, f.svc.CreateFundingBond(ctx, id))

	err := f.svc.IssueClaimReceipts(ctx, id, []Recipient{{Address: offline.DemoXRPLAMM, Amount: "-5", ParticipantID: "P"}}, true)
	assert.True(t, services.IsValidationError(err))
	st, _ := f.svc.Get(id)
	issuance, _ := st.PhaseResult(models.PhaseIOUIssuance)
	assert.Equal(t, models.FundingFailed, issuance.Status)
}

type mockBondEngine struct {
	mock.Mock
}

func (m *mockBondEngine) Subscribe(topic string, l events.Listener) func() {
	return func() {}
}

func (m *mockBondEngine) CreateBond(ctx context.Context, terms engines.BondTerms) (*engines.Bond, error) {
	args := m.Called(ctx, terms)
	if b, ok := args.Get(0).(*engines.Bond); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestEngineErrorIsRecordedAndReturned(t *testing.T) {
	bonds := &mockBondEngine{}
	bonds.On("CreateBond", mock.Anything, mock.MatchedBy(func(terms engines.BondTerms) bool {
		return terms.Name == "Series A" && terms.IOUCurrency == "CLAIM" && terms.MaturityDate.Equal(start.AddDate(5, 0, 0))
	})).Return(nil, errors.New("registry unavailable"))

	f := newFixture(t, func(f *fixture, e *Engines) { e.Bonds = bonds })
	ctx := context.Background()
	id := f.svc.Create(ctx).ID

	err := f.svc.CreateFundingBond(ctx, id)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeExternal, services.GetErrorType(err))
	bonds.AssertExpectations(t)

	st, _ := f.svc.Get(id)
	assert.Empty(t, st.BondID)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, models.CodeBondCreationFailed, st.Errors[0].Code)
	assert.Equal(t, "registry unavailable", st.Errors[0].Message)
}

func TestEngineAuditNoticesAreForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	require.NoError(t, f.svc.CreateFundingBond(ctx, id))

	notices := f.rec.on(events.TopicEngineAudit)
	require.Len(t, notices, 1)
	assert.Equal(t, "bond", notices[0].Source)
	payload := notices[0].Payload.(map[string]interface{})
	assert.Equal(t, "bond_created", payload["action"])
}

func TestStellarPaymentLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	payer := offline.StellarAddressFor("buyer-stellar")

	require.NoError(t, f.svc.ExecuteSettlement(ctx, id, SettlementParams{
		Buyer:          offline.DemoXRPLTrading,
		Payer:          payer,
		DeliveryAmount: "100",
		PaymentAmount:  "98.5",
		PaymentLedger:  models.LedgerStellar,
	}, true))

	st, _ := f.svc.Get(id)
	legs := st.TransactionsFor(models.PhaseSettlementExecution)
	require.Len(t, legs, 2)
	assert.Equal(t, models.LedgerXRPL, legs[0].Ledger)
	assert.Equal(t, models.LedgerStellar, legs[1].Ledger)
	assert.Equal(t, payer, legs[1].Transaction.Account)

	link := queuedLink(t, f, legs[1].ID)
	assert.Equal(t, "FUNDUSD", link.Terms.PaymentCurrency)
	assert.Equal(t, offline.DemoStellarIssuer, link.Terms.PaymentIssuer)
}

func TestCheckReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	before, _ := f.svc.Get(id)

	report := f.svc.CheckReadiness(ctx)
	assert.True(t, report.Overall)
	assert.Empty(t, report.BlockingIssues)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "DefaultRipple")
	// 6 xrpl accounts + DefaultRipple, 3 stellar accounts + 3 issuer flags,
	// governance, compliance, legal
	assert.Len(t, report.Checks, 16)
	assert.Equal(t, start, report.GeneratedAt)

	after, _ := f.svc.Get(id)
	assert.Equal(t, before, after)

	f.xrpl.SetAccount(offline.FundedAccount(offline.DemoXRPLTreasury, 5, 0))
	f.stellar.Seed(offline.NewSnapshot())
	report = f.svc.CheckReadiness(ctx)
	assert.False(t, report.Overall)
	assert.Contains(t, report.BlockingIssues, "XRPL treasury account has insufficient balance (5 XRP)")
	assert.Len(t, report.BlockingIssues, 4)
	for _, issue := range report.BlockingIssues[1:] {
		assert.Contains(t, issue, "not accessible")
	}
}

func TestReadinessGovernanceAndCompliance(t *testing.T) {
	f := newFixture(t)
	f.svc.config.RequiredSignatures = 4
	f.svc.config.Bond.CoverageRatio = 0.8
	f.svc.config.LegalDocsHashed = false

	report := f.svc.CheckReadiness(context.Background())
	assert.False(t, report.Overall)
	assert.Len(t, report.BlockingIssues, 2)
	assert.Len(t, report.Warnings, 2)
}

func TestGenerateActivationReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.svc.GenerateActivationReport(ctx)
	require.NoError(t, err)
	assert.False(t, report.XRPL.IssuerFlagsSet)
	assert.Equal(t, 5, report.XRPL.TrustlinesDeployed)
	assert.Equal(t, 0, report.XRPL.TrustlinesVerified)
	assert.True(t, report.Stellar.IssuerFlagsSet)
	assert.True(t, report.Stellar.RegulatedAssetReady)
	assert.Equal(t, 2, report.Stellar.TrustlinesDeployed)
	assert.False(t, report.Ready)

	f.xrpl.SetAccount(offline.FundedAccount(offline.DemoXRPLIssuer, 100, ledger.XRPLFlagDefaultRipple))
	for _, account := range testConfig().XRPL.recipients() {
		f.xrpl.AddTrustline(ledger.TrustlineInfo{Account: account, Currency: "CLAIM", Issuer: offline.DemoXRPLIssuer})
	}
	report, err = f.svc.GenerateActivationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.XRPL.TrustlinesVerified)
	assert.True(t, report.Ready)

	f.xrpl.Seed(offline.NewSnapshot())
	_, err = f.svc.GenerateActivationReport(ctx)
	assert.Equal(t, services.ErrorTypeExternal, services.GetErrorType(err))
}

func TestLiveRunVerifiesTrustlines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	f.xrpl.AddTrustline(ledger.TrustlineInfo{Account: offline.DemoXRPLTreasury, Currency: "CLAIM", Issuer: offline.DemoXRPLIssuer})

	require.NoError(t, f.svc.ActivateXRPLTrustlines(ctx, id, false))
	st, _ := f.svc.Get(id)
	phase, _ := st.PhaseResult(models.PhaseTrustlineActivation)
	results := phase.Details["verificationResults"].([]map[string]interface{})
	require.Len(t, results, 5)
	assert.Equal(t, true, results[0]["configured"])
	assert.Equal(t, false, results[1]["configured"])
}

func TestUnknownPipeline(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get("FUND-9999")
	assert.True(t, services.IsNotFoundError(err))
	err = f.svc.CreateFundingBond(context.Background(), "FUND-9999")
	assert.ErrorIs(t, err, services.ErrPipelineNotFound)
	_, err = f.svc.RunFullPipeline(context.Background(), "FUND-9999", runParams())
	assert.True(t, services.IsNotFoundError(err))
}

func TestLoadRestoresPipelines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.svc.Create(ctx).ID
	require.NoError(t, f.svc.CreateFundingBond(ctx, id))

	restored := NewService(f.repos, f.queue, nil, f.xrpl, f.stellar, Engines{}, testConfig(), f.clock, shared.NewSequentialIDs(), zap.NewNop())
	restored.Load(ctx)

	st, err := restored.Get(id)
	require.NoError(t, err)
	assert.NotEmpty(t, st.BondID)
	assert.Equal(t, []models.FundingPhase{models.PhaseBondCreation}, phaseNames(st))
	assert.Len(t, restored.List(), 1)
}
