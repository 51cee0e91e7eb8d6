// Package pipeline drives the seven phase funding state machine. Each phase
// asks the domain engines for unsigned transactions and registers every one
// of them with the multisig transaction queue. A failed phase is recorded and
// returned; completed phases are never rolled back.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/upb/funding-control-plane/engines"
	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/txqueue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const component = "pipeline"

// TrustlineEngine prepares and verifies XRPL trustlines
type TrustlineEngine interface {
	events.Source
	PrepareDeployment(ctx context.Context, d engines.TrustlineDeployment, dryRun bool) ([]*models.PreparedTransaction, error)
	VerifyTrustlines(ctx context.Context, accounts []string, currency, issuer string) ([]engines.TrustlineVerification, error)
}

// IssuanceEngine prepares IOU payments from the issuer
type IssuanceEngine interface {
	events.Source
	PrepareIssuance(ctx context.Context, req engines.IssuanceRequest, dryRun bool) (*models.PreparedTransaction, error)
}

// EscrowEngine prepares escrows from registered templates
type EscrowEngine interface {
	events.Source
	PrepareCreate(ctx context.Context, req engines.EscrowCreateRequest, dryRun bool) (*engines.EscrowCreation, error)
}

// BondEngine registers bond definitions
type BondEngine interface {
	events.Source
	CreateBond(ctx context.Context, terms engines.BondTerms) (*engines.Bond, error)
}

// ClearingEngine turns DvP instructions into per-leg transfers
type ClearingEngine interface {
	events.Source
	CreateSettlement(ctx context.Context, req engines.InstructionRequest) (*engines.SettlementInstruction, error)
	ExecuteSettlement(ctx context.Context, id string, dryRun bool) (*engines.SettlementExecution, error)
}

// AttestationEngine anchors hashes on both ledgers
type AttestationEngine interface {
	events.Source
	Attest(ctx context.Context, req engines.AttestationRequest, dryRun bool) (*engines.Attestation, error)
}

// Engines groups the domain engines a pipeline calls
type Engines struct {
	Trustlines  TrustlineEngine
	Issuance    IssuanceEngine
	Escrow      EscrowEngine
	Bonds       BondEngine
	Clearing    ClearingEngine
	Attestation AttestationEngine
}

func (e Engines) sources() []events.Source {
	var out []events.Source
	for _, src := range []events.Source{e.Trustlines, e.Issuance, e.Escrow, e.Bonds, e.Clearing, e.Attestation} {
		if src != nil {
			out = append(out, src)
		}
	}
	return out
}

// Queue is the part of the transaction queue a pipeline needs
type Queue interface {
	Enqueue(ctx context.Context, req txqueue.EnqueueRequest) (*models.QueuedTransaction, error)
}

// XRPLAccounts are the XRPL addresses the pipeline prepares transactions for
type XRPLAccounts struct {
	Issuer      string
	Treasury    string
	Escrow      string
	Attestation string
	AMM         string
	Trading     string
}

// recipients are the accounts that hold trustlines to the issuer
func (a XRPLAccounts) recipients() []string {
	return []string{a.Treasury, a.Escrow, a.Attestation, a.AMM, a.Trading}
}

// StellarAccounts are the Stellar addresses the pipeline prepares
// transactions for
type StellarAccounts struct {
	Issuer       string
	Distribution string
	Anchor       string
}

// Token is one asset activated by the pipeline
type Token struct {
	Code           string
	Ledger         models.Ledger
	Type           string
	TrustlineLimit string
}

// BondConfig holds the terms of the funding bond
type BondConfig struct {
	Name                  string
	FaceValue             string
	Currency              string
	CouponRate            float64
	MaturityYears         int
	CollateralDescription string
	CollateralValue       string
	CoverageRatio         float64
}

// Config holds everything a pipeline run needs to know about the accounts
// and instruments it works with
type Config struct {
	XRPL               XRPLAccounts
	Stellar            StellarAccounts
	Tokens             []Token
	Bond               BondConfig
	RequiredSignatures int
	SignerRoles        []string
	LegalDocsHashed    bool
}

// TokensFor returns the tokens living on l in configuration order
func (c Config) TokensFor(l models.Ledger) []Token {
	var out []Token
	for _, t := range c.Tokens {
		if t.Ledger == l {
			out = append(out, t)
		}
	}
	return out
}

// claimCurrency is the XRPL IOU issued as bond claim receipt
func (c Config) claimCurrency() string {
	xrpl := c.TokensFor(models.LedgerXRPL)
	for _, t := range xrpl {
		if t.Type == "claim_receipt" {
			return t.Code
		}
	}
	if len(xrpl) > 0 {
		return xrpl[0].Code
	}
	return "BOND"
}

// PhaseUpdate is published on TopicPipelinePhase for every phase record
type PhaseUpdate struct {
	PipelineID       string                 `json:"pipeline_id"`
	Phase            models.FundingPhase    `json:"phase"`
	Status           models.FundingStatus   `json:"status"`
	Summary          string                 `json:"summary"`
	TransactionCount int                    `json:"transaction_count"`
	Details          map[string]interface{} `json:"details,omitempty"`
}

// PipelineError is published on TopicPipelineError
type PipelineError struct {
	PipelineID string `json:"pipeline_id"`
	models.FundingError
}

// Milestone is published on TopicPipelineMilestone when a phase produces
// something notable
type Milestone struct {
	PipelineID string                 `json:"pipeline_id"`
	Name       string                 `json:"name"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Failure is the payload of TopicPipelineFailed
type Failure struct {
	Error string                `json:"error"`
	State *models.PipelineState `json:"state"`
}

// run guards one pipeline. phaseMu serialises phase calls for the whole
// duration of a phase; stateMu only guards reads and writes of state.
type run struct {
	id      string
	phaseMu sync.Mutex
	stateMu sync.Mutex
	state   *models.PipelineState
}

// Service runs funding pipelines
type Service struct {
	repos   *repositories.Repositories
	queue   Queue
	bus     events.Publisher
	xrpl    ledger.Client
	stellar ledger.Client
	engines Engines
	config  Config
	clock   shared.Clock
	ids     shared.IDGenerator
	tracer  trace.Tracer
	logger  *zap.Logger

	mu    sync.Mutex
	runs  map[string]*run
	order []string
}

// Option configures a Service
type Option func(*Service)

// WithTracer sets the tracer used for phase spans
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a pipeline service. Engine audit notices are re-published
// verbatim on bus.
func NewService(repos *repositories.Repositories, queue Queue, bus *events.Bus, xrpl, stellar ledger.Client, eng Engines, config Config, clock shared.Clock, ids shared.IDGenerator, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repos:   repos,
		queue:   queue,
		xrpl:    xrpl,
		stellar: stellar,
		engines: eng,
		config:  config,
		clock:   clock,
		ids:     ids,
		tracer:  otel.Tracer("github.com/upb/funding-control-plane/services/pipeline"),
		logger:  logger.With(zap.String("component", component)),
		runs:    make(map[string]*run),
	}
	if bus != nil {
		s.bus = bus
		for _, src := range eng.sources() {
			src.Subscribe(events.TopicEngineAudit, events.Forward(bus))
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores persisted pipelines
func (s *Service) Load(ctx context.Context) {
	stored, err := s.repos.Pipelines.List(ctx)
	if err != nil {
		s.report(ctx, events.TopicLoadError, s.failure("list_pipelines", "", err))
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].StartedAt.Before(stored[j].StartedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stored {
		if _, ok := s.runs[st.ID]; !ok {
			s.order = append(s.order, st.ID)
		}
		s.runs[st.ID] = &run{id: st.ID, state: st}
	}
	s.logger.Info("pipelines loaded", zap.Int("pipelines", len(stored)))
}

// Create starts a new pipeline in not_started
func (s *Service) Create(ctx context.Context) *models.PipelineState {
	st := models.NewPipelineState(s.ids.NewID(shared.PrefixPipeline), s.clock.Now())
	r := &run{id: st.ID, state: st}

	s.mu.Lock()
	s.runs[st.ID] = r
	s.order = append(s.order, st.ID)
	s.mu.Unlock()

	r.stateMu.Lock()
	failure := s.persist(ctx, st)
	out := st.Clone()
	r.stateMu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	s.logger.Info("pipeline created", zap.String("pipeline_id", out.ID))
	return out
}

// Get returns a copy of the pipeline state
func (s *Service) Get(id string) (*models.PipelineState, error) {
	r, err := s.run(id)
	if err != nil {
		return nil, err
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.Clone(), nil
}

// List returns every pipeline in creation order
func (s *Service) List() []*models.PipelineState {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.order))
	for _, id := range s.order {
		runs = append(runs, s.runs[id])
	}
	s.mu.Unlock()

	out := make([]*models.PipelineState, 0, len(runs))
	for _, r := range runs {
		r.stateMu.Lock()
		out = append(out, r.state.Clone())
		r.stateMu.Unlock()
	}
	return out
}

// Config returns the pipeline configuration
func (s *Service) Config() Config {
	return s.config
}

func (s *Service) run(id string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, services.ErrPipelineNotFound.Newf("pipeline %s", id)
	}
	return r, nil
}

// update applies fn to the state under stateMu and persists the result
func (s *Service) update(ctx context.Context, r *run, fn func(st *models.PipelineState)) *models.PipelineState {
	r.stateMu.Lock()
	fn(r.state)
	failure := s.persist(ctx, r.state)
	out := r.state.Clone()
	r.stateMu.Unlock()

	s.report(ctx, events.TopicPersistError, failure)
	return out
}

// persist must be called with the run's stateMu held
func (s *Service) persist(ctx context.Context, st *models.PipelineState) *events.StorageFailure {
	if s.repos == nil {
		return nil
	}
	if err := s.repos.Pipelines.Put(ctx, st); err != nil {
		return s.failure("put_pipeline", st.ID, err)
	}
	return nil
}

func (s *Service) failure(op, key string, err error) *events.StorageFailure {
	s.logger.Error("pipeline storage failure",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
	return &events.StorageFailure{
		Component: component,
		Operation: op,
		Key:       key,
		Err:       err,
		Message:   err.Error(),
	}
}

func (s *Service) report(ctx context.Context, topic string, failure *events.StorageFailure) {
	if failure != nil {
		s.publish(ctx, topic, *failure)
	}
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.Event{
		Topic:   topic,
		Source:  component,
		Payload: payload,
		At:      s.clock.Now(),
	})
}

func (s *Service) milestone(ctx context.Context, id, name string, data map[string]interface{}) {
	s.publish(ctx, events.TopicPipelineMilestone, Milestone{PipelineID: id, Name: name, Data: data})
}
