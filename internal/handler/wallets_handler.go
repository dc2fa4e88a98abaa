package handler

import (
	"net/http"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Wallets Handlers
// ============================================================

func listWalletsHandler(svc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /wallets")
		defer span.End()
		wallets, err := svc.LoadAll(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, wallets)
	}
}

func getWalletHandler(svc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /wallets/{walletId}")
		defer span.End()
		wallet, err := svc.Get(ctx, UserIDFromContext(ctx), chi.URLParam(r, "walletId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}

func createWalletHandler(svc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /wallets")
		defer span.End()
		var req domain.Wallet
		if !decodeBody(w, r, &req) {
			return
		}
		req.Meta = domain.Meta{}
		wallet, err := svc.Add(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, wallet)
	}
}

func updateWalletHandler(svc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /wallets/{walletId}")
		defer span.End()
		var patch domain.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		wallet, err := svc.Update(ctx, UserIDFromContext(ctx), chi.URLParam(r, "walletId"), patch)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}

func deleteWalletHandler(svc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /wallets/{walletId}")
		defer span.End()
		if err := svc.Delete(ctx, UserIDFromContext(ctx), chi.URLParam(r, "walletId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type shareRequest struct {
	Email string `json:"email"`
}

func shareWalletHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /wallets/{walletId}/share")
		defer span.End()
		var req shareRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wallet, err := svc.ShareWallet(ctx, UserIDFromContext(ctx), chi.URLParam(r, "walletId"), req.Email)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}

func unshareWalletHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /wallets/{walletId}/share/{userId}")
		defer span.End()
		wallet, err := svc.StopSharingWallet(ctx, UserIDFromContext(ctx), chi.URLParam(r, "walletId"), chi.URLParam(r, "userId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}
