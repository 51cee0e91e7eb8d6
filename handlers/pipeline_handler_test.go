package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/services"
	"github.com/upb/funding-control-plane/services/pipeline"
	"github.com/upb/funding-control-plane/utils"
	"go.uber.org/zap"
)

// MockPipelines is a mock implementation of Pipelines
type MockPipelines struct {
	mock.Mock
}

func (m *MockPipelines) Create(ctx context.Context) *models.PipelineState {
	return m.Called(ctx).Get(0).(*models.PipelineState)
}

func (m *MockPipelines) Get(id string) (*models.PipelineState, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PipelineState), args.Error(1)
}

func (m *MockPipelines) List() []*models.PipelineState {
	return m.Called().Get(0).([]*models.PipelineState)
}

func (m *MockPipelines) RunFullPipeline(ctx context.Context, id string, params pipeline.RunParams) (*models.PipelineState, error) {
	args := m.Called(ctx, id, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PipelineState), args.Error(1)
}

func (m *MockPipelines) ActivateXRPLTrustlines(ctx context.Context, id string, dryRun bool) error {
	return m.Called(ctx, id, dryRun).Error(0)
}

func (m *MockPipelines) ActivateStellarAssets(ctx context.Context, id string, dryRun bool) error {
	return m.Called(ctx, id, dryRun).Error(0)
}

func (m *MockPipelines) CreateFundingBond(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockPipelines) CreateFundingEscrow(ctx context.Context, id, amount string, dryRun bool) error {
	return m.Called(ctx, id, amount, dryRun).Error(0)
}

func (m *MockPipelines) IssueClaimReceipts(ctx context.Context, id string, recipients []pipeline.Recipient, dryRun bool) error {
	return m.Called(ctx, id, recipients, dryRun).Error(0)
}

func (m *MockPipelines) ExecuteSettlement(ctx context.Context, id string, params pipeline.SettlementParams, dryRun bool) error {
	return m.Called(ctx, id, params, dryRun).Error(0)
}

func (m *MockPipelines) AttestFundingOperation(ctx context.Context, id string, dryRun bool) error {
	return m.Called(ctx, id, dryRun).Error(0)
}

func (m *MockPipelines) CheckReadiness(ctx context.Context) *models.ReadinessReport {
	return m.Called(ctx).Get(0).(*models.ReadinessReport)
}

func (m *MockPipelines) GenerateActivationReport(ctx context.Context) (*models.ActivationReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ActivationReport), args.Error(1)
}

func TestPipelineHandlerCreateAndGet(t *testing.T) {
	m := new(MockPipelines)
	h := NewPipelineHandler(m, zap.NewNop())

	state := &models.PipelineState{ID: "FUND-0001", Status: models.FundingNotStarted}
	m.On("Create", mock.Anything).Return(state)
	m.On("Get", "FUND-0001").Return(state, nil)
	m.On("Get", "FUND-9999").Return(nil, services.ErrPipelineNotFound.Newf("pipeline FUND-9999"))

	w := httptest.NewRecorder()
	h.HandleCreate(w, request(t, http.MethodPost, "/pipelines", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	h.HandleGet(w, request(t, http.MethodGet, "/", nil, "pipelineID", "FUND-0001"))
	require.Equal(t, http.StatusOK, w.Code)
	var got models.PipelineState
	envelope(t, w, &got)
	assert.Equal(t, "FUND-0001", got.ID)

	w = httptest.NewRecorder()
	h.HandleGet(w, request(t, http.MethodGet, "/", nil, "pipelineID", "FUND-9999"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	m.AssertExpectations(t)
}

func TestPipelineHandlerRun(t *testing.T) {
	params := pipeline.RunParams{
		EscrowAmount: "1000",
		Recipients:   []pipeline.Recipient{{Address: "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh", Amount: "250", ParticipantID: "lender-1"}},
		DryRun:       true,
	}

	t.Run("completed run", func(t *testing.T) {
		m := new(MockPipelines)
		h := NewPipelineHandler(m, zap.NewNop())
		m.On("RunFullPipeline", mock.Anything, "FUND-0001", params).
			Return(&models.PipelineState{ID: "FUND-0001", Status: models.FundingCompleted}, nil)

		w := httptest.NewRecorder()
		h.HandleRun(w, request(t, http.MethodPost, "/", params, "pipelineID", "FUND-0001"))
		require.Equal(t, http.StatusOK, w.Code)
		m.AssertExpectations(t)
	})

	t.Run("failed run returns the partial state", func(t *testing.T) {
		m := new(MockPipelines)
		h := NewPipelineHandler(m, zap.NewNop())
		partial := &models.PipelineState{ID: "FUND-0001", Status: models.FundingFailed}
		m.On("RunFullPipeline", mock.Anything, "FUND-0001", params).
			Return(partial, services.ErrEngine.Newf("escrow engine unavailable"))

		w := httptest.NewRecorder()
		h.HandleRun(w, request(t, http.MethodPost, "/", params, "pipelineID", "FUND-0001"))
		assert.Equal(t, http.StatusBadGateway, w.Code)

		var resp utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		st := resp.Details["pipeline"].(map[string]interface{})
		assert.Equal(t, "failed", st["status"])
	})

	t.Run("invalid params never reach the pipeline", func(t *testing.T) {
		m := new(MockPipelines)
		h := NewPipelineHandler(m, zap.NewNop())

		w := httptest.NewRecorder()
		h.HandleRun(w, request(t, http.MethodPost, "/", pipeline.RunParams{EscrowAmount: "-5"}, "pipelineID", "FUND-0001"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		m.AssertNotCalled(t, "RunFullPipeline", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPipelineHandlerPhases(t *testing.T) {
	state := &models.PipelineState{ID: "FUND-0001", Status: models.FundingInProgress}
	settlementParams := pipeline.SettlementParams{
		Buyer:          "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh",
		DeliveryAmount: "100",
		PaymentAmount:  "98",
	}

	tests := []struct {
		phase  string
		body   interface{}
		expect func(m *MockPipelines)
	}{
		{PhaseXRPLTrustlines, PhaseRequest{DryRun: true}, func(m *MockPipelines) {
			m.On("ActivateXRPLTrustlines", mock.Anything, "FUND-0001", true).Return(nil)
		}},
		{PhaseStellarAssets, nil, func(m *MockPipelines) {
			m.On("ActivateStellarAssets", mock.Anything, "FUND-0001", false).Return(nil)
		}},
		{PhaseBond, nil, func(m *MockPipelines) {
			m.On("CreateFundingBond", mock.Anything, "FUND-0001").Return(nil)
		}},
		{PhaseEscrow, PhaseRequest{Amount: "5000"}, func(m *MockPipelines) {
			m.On("CreateFundingEscrow", mock.Anything, "FUND-0001", "5000", false).Return(nil)
		}},
		{PhaseSettlement, PhaseRequest{Settlement: &settlementParams}, func(m *MockPipelines) {
			m.On("ExecuteSettlement", mock.Anything, "FUND-0001", settlementParams, false).Return(nil)
		}},
		{PhaseAttestation, PhaseRequest{}, func(m *MockPipelines) {
			m.On("AttestFundingOperation", mock.Anything, "FUND-0001", false).Return(nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.phase, func(t *testing.T) {
			m := new(MockPipelines)
			h := NewPipelineHandler(m, zap.NewNop())
			tt.expect(m)
			m.On("Get", "FUND-0001").Return(state, nil)

			w := httptest.NewRecorder()
			h.HandlePhase(w, request(t, http.MethodPost, "/", tt.body, "pipelineID", "FUND-0001", "phase", tt.phase))
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			m.AssertExpectations(t)
		})
	}
}

func TestPipelineHandlerPhaseErrors(t *testing.T) {
	m := new(MockPipelines)
	h := NewPipelineHandler(m, zap.NewNop())
	m.On("CreateFundingBond", mock.Anything, "FUND-0001").Return(services.ErrEngine.Newf("registry unavailable"))
	m.On("IssueClaimReceipts", mock.Anything, "FUND-0001", []pipeline.Recipient(nil), false).
		Return(services.ErrBondRequired.Newf("pipeline FUND-0001"))

	phase := func(name string, body interface{}) int {
		w := httptest.NewRecorder()
		h.HandlePhase(w, request(t, http.MethodPost, "/", body, "pipelineID", "FUND-0001", "phase", name))
		return w.Code
	}

	assert.Equal(t, http.StatusBadGateway, phase(PhaseBond, nil))
	assert.Equal(t, http.StatusBadRequest, phase(PhaseIOUIssuance, nil))
	assert.Equal(t, http.StatusBadRequest, phase(PhaseEscrow, PhaseRequest{Amount: "abc"}))
	assert.Equal(t, http.StatusBadRequest, phase(PhaseSettlement, PhaseRequest{}))
	assert.Equal(t, http.StatusNotFound, phase("teleport", nil))
	m.AssertExpectations(t)
}

func TestPipelineHandlerReports(t *testing.T) {
	m := new(MockPipelines)
	h := NewPipelineHandler(m, zap.NewNop())
	m.On("CheckReadiness", mock.Anything).Return(&models.ReadinessReport{Overall: true})
	m.On("GenerateActivationReport", mock.Anything).Return(&models.ActivationReport{}, nil)
	m.On("List").Return([]*models.PipelineState{{ID: "FUND-0001"}})

	w := httptest.NewRecorder()
	h.HandleReadiness(w, request(t, http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.HandleActivationReport(w, request(t, http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.HandleList(w, request(t, http.MethodGet, "/", nil))
	var list []models.PipelineState
	envelope(t, w, &list)
	assert.Len(t, list, 1)
	m.AssertExpectations(t)
}
