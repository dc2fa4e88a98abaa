package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/walletsync-go/internal/export"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/port"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Services bundles the domain services the HTTP surface calls.
type Services struct {
	Auth         *service.AuthService
	Users        *service.UserService
	Wallets      *service.WalletService
	Categories   *service.CategoryService
	Transactions *service.TransactionService
	Budgets      *service.BudgetService
	Export       *export.Exporter

	// Sync is nil when replication is disabled.
	Sync port.Syncer
}

// Options configures the operational side of the router.
type Options struct {
	// GatewayToken is the shared secret of the identity gateway.
	GatewayToken string
	// Ready reports whether the local store is open.
	Ready func() bool
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, opts Options, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Sync, opts.Ready))
	r.Get("/readyz", readyzHandler(opts.Ready))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if svc.Auth == nil {
			r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "data layer not initialised")
			}))
			return
		}

		// =============================================
		// Authentication (public)
		// =============================================
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", authRegisterHandler(svc.Auth, logger))
			r.Post("/login", authLoginHandler(svc.Auth, logger))
			r.Post("/verify", authVerifyHandler(svc.Auth, logger))
			r.With(GatewayAuthMiddleware(opts.GatewayToken, logger)).
				Post("/identity", authIdentityHandler(svc.Auth, logger))
		})

		// =============================================
		// Protected routes
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(svc.Auth, logger))

			// Users
			r.Get("/me", getMeHandler(svc.Users, logger))
			r.Patch("/me", updateProfileHandler(svc.Users, logger))
			r.Post("/me/disable", disableUserHandler(svc.Users, logger))
			r.Put("/me/sharing", toggleSharingHandler(svc.Users, logger))
			r.Get("/me/users", listUsersHandler(svc.Users, logger))
			r.Post("/me/reconcile", reconcileUserHandler(svc.Users, logger))

			// Wallets
			r.Get("/wallets", listWalletsHandler(svc.Wallets, logger))
			r.Post("/wallets", createWalletHandler(svc.Wallets, logger))
			r.Get("/wallets/{walletId}", getWalletHandler(svc.Wallets, logger))
			r.Patch("/wallets/{walletId}", updateWalletHandler(svc.Wallets, logger))
			r.Delete("/wallets/{walletId}", deleteWalletHandler(svc.Wallets, logger))
			r.Get("/wallets/{walletId}/transactions", listWalletTransactionsHandler(svc.Transactions, logger))
			r.Post("/wallets/{walletId}/share", shareWalletHandler(svc.Users, logger))
			r.Delete("/wallets/{walletId}/share/{userId}", unshareWalletHandler(svc.Users, logger))

			// Categories
			r.Get("/categories", listCategoriesHandler(svc.Categories, logger))
			r.Post("/categories", createCategoryHandler(svc.Categories, logger))
			r.Get("/categories/{categoryId}", getCategoryHandler(svc.Categories, logger))
			r.Patch("/categories/{categoryId}", updateCategoryHandler(svc.Categories, logger))
			r.Delete("/categories/{categoryId}", deleteCategoryHandler(svc.Categories, logger))

			// Transactions
			r.Get("/transactions", listTransactionsHandler(svc.Transactions, logger))
			r.Post("/transactions", createTransactionHandler(svc.Transactions, logger))
			r.Get("/transactions/summary", summaryHandler(svc.Transactions, logger))
			r.Get("/transactions/{transactionId}", getTransactionHandler(svc.Transactions, logger))
			r.Patch("/transactions/{transactionId}", updateTransactionHandler(svc.Transactions, logger))
			r.Delete("/transactions/{transactionId}", deleteTransactionHandler(svc.Transactions, logger))

			// Budgets
			r.Get("/budgets", listBudgetsHandler(svc.Budgets, logger))
			r.Post("/budgets", createBudgetHandler(svc.Budgets, logger))
			r.Get("/budgets/{budgetId}", getBudgetHandler(svc.Budgets, logger))
			r.Patch("/budgets/{budgetId}", updateBudgetHandler(svc.Budgets, logger))
			r.Delete("/budgets/{budgetId}", deleteBudgetHandler(svc.Budgets, logger))

			// Sync
			r.Get("/sync/status", syncStatusHandler(svc.Sync))
			r.Post("/sync/flush", syncFlushHandler(svc.Sync, logger))

			// Export
			if svc.Export != nil {
				r.Get("/export/transactions.csv", exportTransactionsHandler(svc.Export, logger))
			}
		})
	})

	return r
}

// ============================================================
// Operational endpoints
// ============================================================

type healthResponse struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Sync      any       `json:"sync,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

func healthzHandler(sync port.Syncer, ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Store: "open", CheckedAt: time.Now().UTC()}
		if ready != nil && !ready() {
			resp.Status = "degraded"
			resp.Store = "not ready"
		}
		if sync != nil {
			status := sync.Status()
			resp.Sync = status
			if status.LastError != "" && status.LastErrorAt.After(status.LastPullAt) {
				// Offline is a normal state for a local-first store.
				resp.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func readyzHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
