package handler

import (
	"net/http"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Budgets
// ============================================================

// listBudgetsHandler lists the user's budgets; ?period=current keeps the
// ones overlapping this month.
func listBudgetsHandler(svc *service.BudgetService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /budgets")
		defer span.End()
		userID := UserIDFromContext(ctx)

		var budgets []*domain.Budget
		var err error
		if r.URL.Query().Get("period") == "current" {
			budgets, err = svc.CurrentMonthBudgets(ctx, userID)
		} else {
			budgets, err = svc.LoadAll(ctx, userID)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, budgets)
	}
}

func getBudgetHandler(svc *service.BudgetService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /budgets/{budgetId}")
		defer span.End()
		budget, err := svc.Get(ctx, UserIDFromContext(ctx), chi.URLParam(r, "budgetId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, budget)
	}
}

func createBudgetHandler(svc *service.BudgetService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /budgets")
		defer span.End()
		var req domain.Budget
		if !decodeBody(w, r, &req) {
			return
		}
		req.Meta = domain.Meta{}
		budget, err := svc.Add(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, budget)
	}
}

func updateBudgetHandler(svc *service.BudgetService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /budgets/{budgetId}")
		defer span.End()
		var patch domain.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		budget, err := svc.Update(ctx, UserIDFromContext(ctx), chi.URLParam(r, "budgetId"), patch)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, budget)
	}
}

func deleteBudgetHandler(svc *service.BudgetService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /budgets/{budgetId}")
		defer span.End()
		if err := svc.Delete(ctx, UserIDFromContext(ctx), chi.URLParam(r, "budgetId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
