package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================
// Register: POST /v1/auth/register
// ============================================================

// Register creates a password account. The account cannot log in until the
// email is verified with the returned token.
func (s *AuthService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Register")
	defer span.End()

	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, domain.Invalid(domain.TypeUser, "email", "is required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, domain.Invalid(domain.TypeUser, "password", fmt.Sprintf("must have at least %d characters", minPasswordLength))
	}

	s.handshake(ctx)

	// Check if the email is already registered
	_, err := s.queries.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, &domain.ErrDuplicate{Key: "email " + email}
	case !isNotFound(err):
		return nil, fmt.Errorf("check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.createUser(ctx, &domain.User{
		Email:        email,
		Name:         displayName(req.Name, email),
		PasswordHash: string(hash),
		Provider:     domain.ProviderTraditional,
	})
	if err != nil {
		return nil, err
	}

	token, err := s.signVerificationToken(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("sign verification token: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return &domain.RegisterResponse{UserID: user.ID, VerificationToken: token}, nil
}

// ============================================================
// VerifyEmail: POST /v1/auth/verify
// ============================================================

func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*domain.User, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.VerifyEmail")
	defer span.End()

	claims, err := s.parseToken(token, tokenTypeVerify)
	if err != nil {
		return nil, err
	}

	user, err := mutateAs(ctx, s.writer, claims.Sub, func(u *domain.User) error {
		if u.Email != claims.Email {
			return &domain.ErrUnauthorized{Message: "verification token does not match the account email"}
		}
		if u.EmailVerified {
			return ErrUnchanged
		}
		u.EmailVerified = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("email verified", zap.String("user_id", user.ID))
	return redact(user), nil
}
