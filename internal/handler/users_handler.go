package handler

import (
	"net/http"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Users
// ============================================================

// public strips the credential hash before a user leaves the process.
func public(u *domain.User) *domain.User {
	out := *u
	out.PasswordHash = ""
	return &out
}

func getMeHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/me")
		defer span.End()

		user, err := svc.Get(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, public(user))
	}
}

func updateProfileHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/me")
		defer span.End()

		var patch domain.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		user, err := svc.UpdateProfile(ctx, UserIDFromContext(ctx), patch)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, public(user))
	}
}

func disableUserHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/disable")
		defer span.End()

		user, err := svc.Disable(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, public(user))
	}
}

type sharingRequest struct {
	Enabled bool `json:"enabled"`
}

func toggleSharingHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/me/sharing")
		defer span.End()

		var req sharingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		user, err := svc.ToggleSharing(ctx, UserIDFromContext(ctx), req.Enabled)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, public(user))
	}
}

func listUsersHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/me/users")
		defer span.End()

		users, err := svc.LoadAll(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		out := make([]*domain.User, 0, len(users))
		for _, u := range users {
			out = append(out, public(u))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func reconcileUserHandler(svc *service.UserService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/me/reconcile")
		defer span.End()

		changed, err := svc.Reconcile(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
	}
}
