package handler

import (
	"net/http"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Categories Handlers
// ============================================================

// listCategoriesHandler lists visible categories, optionally filtered with
// ?kind=income or ?kind=expense.
func listCategoriesHandler(svc *service.CategoryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /categories")
		defer span.End()
		userID := UserIDFromContext(ctx)

		var categories []*domain.Category
		var err error
		switch kind := r.URL.Query().Get("kind"); kind {
		case "":
			categories, err = svc.LoadAll(ctx, userID)
		case domain.KindIncome:
			categories, err = svc.IncomeCategories(ctx, userID)
		case domain.KindExpense:
			categories, err = svc.ExpenseCategories(ctx, userID)
		default:
			writeError(w, http.StatusBadRequest, "kind must be income or expense")
			return
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, categories)
	}
}

func getCategoryHandler(svc *service.CategoryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /categories/{categoryId}")
		defer span.End()
		category, err := svc.Get(ctx, UserIDFromContext(ctx), chi.URLParam(r, "categoryId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, category)
	}
}

func createCategoryHandler(svc *service.CategoryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /categories")
		defer span.End()
		var req domain.Category
		if !decodeBody(w, r, &req) {
			return
		}
		req.Meta = domain.Meta{}
		category, err := svc.Add(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, category)
	}
}

func updateCategoryHandler(svc *service.CategoryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /categories/{categoryId}")
		defer span.End()
		var patch domain.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		category, err := svc.Update(ctx, UserIDFromContext(ctx), chi.URLParam(r, "categoryId"), patch)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, category)
	}
}

func deleteCategoryHandler(svc *service.CategoryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /categories/{categoryId}")
		defer span.End()
		if err := svc.Delete(ctx, UserIDFromContext(ctx), chi.URLParam(r, "categoryId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
