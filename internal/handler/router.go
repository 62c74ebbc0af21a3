package handler

import (
	"net/http"

	"trimatrix/internal/allocation"
	"trimatrix/internal/deposit"
	"trimatrix/internal/ledger"
	"trimatrix/internal/middleware"
	"trimatrix/internal/plan"
	"trimatrix/internal/query"
	"trimatrix/internal/settlement"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/gorilla/mux"
)

// Services are the engine operations exposed over HTTP.
type Services struct {
	Engine     *allocation.Engine
	Reconciler *deposit.Reconciler
	Ledger     *ledger.Service
	Settlement *settlement.Service
	Plans      *plan.Catalog
	Query      *query.Service
}

// Metrics is what the router needs from the metrics package.
type Metrics interface {
	Recorder
	middleware.HTTPRecorder
	Handler() http.Handler
}

// RouterOptions configures the transport layer. Auth is required; the other
// middleware is skipped when nil.
type RouterOptions struct {
	Auth        *middleware.AuthMiddleware
	TOTP        *middleware.TOTPMiddleware
	Idempotency *middleware.IdempotencyMiddleware
	RateLimiter *middleware.RateLimiter
	Metrics     Metrics
	Checks      []Check
	Logger      logger.Logger
}

func NewRouter(svc Services, opts RouterOptions) *mux.Router {
	if opts.Auth == nil {
		panic("handler: RouterOptions.Auth is required")
	}
	log := opts.Logger
	val := validator.New()

	var rec Recorder = nopRecorder{}
	if opts.Metrics != nil {
		rec = opts.Metrics
	}

	placements := NewPlacementHandler(svc.Engine, val, rec, log)
	deposits := NewDepositHandler(svc.Reconciler, val, rec, log)
	ledgers := NewLedgerHandler(svc.Ledger, val, log)
	settlements := NewSettlementHandler(svc.Settlement, rec, log)
	plans := NewPlanHandler(svc.Plans, val, log)
	queries := NewQueryHandler(svc.Query, log)
	system := NewSystemHandler(opts.Checks, log)

	r := mux.NewRouter()
	r.Use(middleware.CorrelationID, middleware.Recovery(log), middleware.SecurityHeaders, middleware.CORS)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", system.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", system.Ready).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(opts.Auth.Authenticate)
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Limit)
	}
	if opts.Idempotency != nil {
		api.Use(opts.Idempotency.Require)
	}

	api.HandleFunc("/placements", placements.Place).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals", ledgers.RequestWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/plans", plans.Current).Methods(http.MethodGet)
	api.HandleFunc("/positions/{id}", queries.Position).Methods(http.MethodGet)
	api.HandleFunc("/triangles/{id}", queries.Triangle).Methods(http.MethodGet)
	api.HandleFunc("/triangles/{id}/children", queries.Children).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/positions", queries.UserPositions).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/transactions", ledgers.Transactions).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/balance", ledgers.Balance).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/ledger/verify", ledgers.VerifyChain).Methods(http.MethodGet)

	observer := api.PathPrefix("/deposits").Subrouter()
	observer.Use(middleware.RequireRole(middleware.RoleObserver, middleware.RoleAdmin))
	observer.HandleFunc("/confirmations", deposits.Confirm).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	admin.HandleFunc("/queue", queries.AdminQueue).Methods(http.MethodGet)
	admin.HandleFunc("/positions/stale", queries.StalePositions).Methods(http.MethodGet)
	admin.HandleFunc("/triangles/{id}/settle", settlements.Settle).Methods(http.MethodPost)
	admin.HandleFunc("/plans", plans.Publish).Methods(http.MethodPost)

	// Moving money out needs a second factor when one is configured.
	disbursements := admin.PathPrefix("/disbursements").Subrouter()
	if opts.TOTP != nil {
		disbursements.Use(opts.TOTP.Require)
	}
	disbursements.HandleFunc("/{id}/confirm", ledgers.ConfirmDisbursement).Methods(http.MethodPost)
	disbursements.HandleFunc("/{id}/fail", ledgers.FailDisbursement).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "Not found")
	})
	return r
}
