package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================
// Login: POST /v1/auth/login
// ============================================================

func (s *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.Session, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Login")
	defer span.End()

	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, &domain.ErrUnauthorized{Message: "email and password are required"}
	}

	// Pick up accounts created on other replicas before deciding.
	synced := s.handshake(ctx)

	user, err := s.queries.UserByEmail(ctx, email)
	if isNotFound(err) {
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}

	if user.Disabled {
		s.logger.Warn("login: account disabled", zap.String("user_id", user.ID))
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}
	if user.PasswordHash == "" {
		return nil, &domain.ErrUnauthorized{Message: "this account signs in with " + user.Provider}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("login: wrong password", zap.String("user_id", user.ID))
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}
	if !user.EmailVerified {
		return nil, &domain.ErrForbidden{Action: "log in before verifying the email"}
	}

	s.logger.Info("login successful", zap.String("user_id", user.ID), zap.Bool("synced", synced))
	return s.session(user, false, synced)
}
