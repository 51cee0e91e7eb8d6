package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/funding-control-plane/app"
	"github.com/upb/funding-control-plane/handlers"
	"github.com/upb/funding-control-plane/middleware"
	"github.com/upb/funding-control-plane/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.PropagateRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Store, deps.Logger)
	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)

	txs := handlers.NewTxHandler(deps.Queue, deps.Logger)
	audit := handlers.NewAuditHandler(deps.Audit, deps.Logger)
	settlements := handlers.NewSettlementHandler(deps.Settlements, deps.Logger)
	pipelines := handlers.NewPipelineHandler(deps.Pipelines, deps.Logger)

	// Writes require a signer token when auth is enabled; reads stay open
	protect := func(r chi.Router) chi.Router {
		if deps.AuthMiddleware == nil {
			return r
		}
		return r.With(deps.AuthMiddleware.RequireAuth)
	}
	governance := func(r chi.Router) chi.Router {
		if deps.AuthMiddleware == nil {
			return r
		}
		return r.With(deps.AuthMiddleware.RequireAuth, deps.AuthMiddleware.RequireRole(deps.Config.Queue.SignerRoles...))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", txs.HandleList)
			r.Get("/summary", txs.HandleSummary)
			r.Get("/audit-log", txs.HandleAuditLog)
			r.Get("/{txID}", txs.HandleGet)
			r.Get("/{txID}/audit-log", txs.HandleAuditLog)

			w := protect(r)
			w.Post("/", txs.HandleEnqueue)
			w.Post("/batch", txs.HandleEnqueueBatch)
			w.Post("/expire", txs.HandleExpire)
			w.Post("/{txID}/sign", txs.HandleSign)
			w.Post("/{txID}/submit", txs.HandleSubmit)
			w.Post("/{txID}/confirm", txs.HandleConfirm)
			w.Post("/{txID}/fail", txs.HandleFail)
			w.Post("/{txID}/cancel", txs.HandleCancel)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", audit.HandleQuery)
			r.Get("/events/{eventID}", audit.HandleGet)
			r.Get("/events/{eventID}/verify", audit.HandleVerify)
			r.Get("/verify", audit.HandleVerifyAll)
			r.Get("/unanchored", audit.HandleUnanchored)
			r.Get("/critical", audit.HandleCritical)
			r.Get("/summary", audit.HandleSummary)
			r.Get("/stats", audit.HandleStats)

			protect(r).Post("/events/{eventID}/anchor", audit.HandleAnchor)
			governance(r).Post("/governance", audit.HandleGovernance)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Get("/", settlements.HandleList)
			r.Get("/pending", settlements.HandlePending)
			r.Get("/completed", settlements.HandleCompleted)
			r.Get("/overdue", settlements.HandleOverdue)
			r.Get("/summary", settlements.HandleSummary)
			r.Get("/events", settlements.HandleEvents)
			r.Get("/{settlementID}", settlements.HandleGet)

			w := protect(r)
			w.Post("/", settlements.HandleCreate)
			w.Post("/{settlementID}/legs/{direction}/submitted", settlements.HandleLegSubmitted)
			w.Post("/{settlementID}/delivery", settlements.HandleDelivery)
			w.Post("/{settlementID}/payment", settlements.HandlePayment)
			w.Post("/{settlementID}/fail", settlements.HandleFail)
			w.Post("/{settlementID}/dispute", settlements.HandleDispute)
		})

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", pipelines.HandleList)
			r.Get("/readiness", pipelines.HandleReadiness)
			r.Get("/activation-report", pipelines.HandleActivationReport)
			r.Get("/{pipelineID}", pipelines.HandleGet)

			w := protect(r)
			w.Post("/", pipelines.HandleCreate)
			w.Post("/{pipelineID}/run", pipelines.HandleRun)
			w.Post("/{pipelineID}/phases/{phase}", pipelines.HandlePhase)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
