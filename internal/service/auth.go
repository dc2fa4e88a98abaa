package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var authTracer = otel.Tracer("service/auth")

const (
	bcryptCost        = 12
	minPasswordLength = 6
	verifyTokenTTL    = 24 * time.Hour
)

// AuthService sits on the identity boundary: it turns a verified identity
// or a password login into a user document and a session token.
type AuthService struct {
	writer    *Writer
	queries   *Queries
	bootstrap *Bootstrap
	syncer    port.Syncer
	jwtSecret []byte
	accessTTL time.Duration
	logger    *zap.Logger
}

// NewAuthService creates a new auth service. syncer may be nil when
// replication is disabled.
func NewAuthService(writer *Writer, queries *Queries, bootstrap *Bootstrap, syncer port.Syncer, jwtSecret string, accessTTL time.Duration, logger *zap.Logger) *AuthService {
	return &AuthService{
		writer:    writer,
		queries:   queries,
		bootstrap: bootstrap,
		syncer:    syncer,
		jwtSecret: []byte(jwtSecret),
		accessTTL: accessTTL,
		logger:    logger.Named("auth"),
	}
}

// ============================================================
// LoginWithIdentity: POST /v1/auth/identity
// ============================================================

// LoginWithIdentity signs in a person already verified by an external
// provider. It syncs first (bounded) and then resolves the email with an
// authoritative store query, so a user created on another replica is found
// rather than duplicated.
func (s *AuthService) LoginWithIdentity(ctx context.Context, id *domain.VerifiedIdentity) (*domain.Session, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.LoginWithIdentity")
	defer span.End()

	email := normalizeEmail(id.Email)
	if email == "" {
		return nil, domain.Invalid(domain.TypeUser, "email", "is required")
	}
	provider := id.Provider
	if provider == "" {
		provider = domain.ProviderGoogle
	}
	span.SetAttributes(attribute.String("auth.provider", provider))

	synced := s.handshake(ctx)

	user, err := s.queries.UserByEmail(ctx, email)
	isNew := false
	switch {
	case isNotFound(err):
		user, err = s.createUser(ctx, &domain.User{
			Email:         email,
			Name:          displayName(id.DisplayName, email),
			Picture:       id.PictureURL,
			Provider:      provider,
			EmailVerified: true,
		})
		if err != nil {
			return nil, err
		}
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("find user by email: %w", err)
	default:
		if user.Disabled {
			return nil, &domain.ErrForbidden{Action: "sign in to a disabled account"}
		}
		user, err = mutateAs(ctx, s.writer, user.ID, func(u *domain.User) error {
			if id.DisplayName != "" {
				u.Name = id.DisplayName
			}
			if id.PictureURL != "" {
				u.Picture = id.PictureURL
			}
			// A password account keeps its provider so password login
			// still works.
			if u.PasswordHash == "" {
				u.Provider = provider
			}
			u.EmailVerified = true
			u.LastSyncAt = s.writer.Now()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update user from identity: %w", err)
		}
	}

	s.logger.Info("identity login",
		zap.String("user_id", user.ID),
		zap.String("provider", provider),
		zap.Bool("new_user", isNew),
		zap.Bool("synced", synced),
	)
	return s.session(user, isNew, synced)
}

// ============================================================
// Internal helpers
// ============================================================

// handshake runs a bounded sync round when replication is configured.
func (s *AuthService) handshake(ctx context.Context) bool {
	if s.syncer == nil {
		return false
	}
	return s.syncer.Handshake(ctx)
}

// createUser stores a new user pointing at its primary wallet and
// provisions the user's starting data.
func (s *AuthService) createUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	u.ID = s.writer.NewID(domain.TypeUser)
	u.Type = domain.TypeUser
	u.WalletID = PrimaryWalletID(u.ID)

	doc, err := s.writer.Create(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := s.bootstrap.Provision(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	// Provisioning rewrote the reference arrays; return the stored user.
	created, err := getAs[*domain.User](ctx, s.writer.store, doc.DocMeta().ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user created", zap.String("user_id", created.ID), zap.String("provider", created.Provider))
	return created, nil
}

func (s *AuthService) session(user *domain.User, isNew, synced bool) (*domain.Session, error) {
	token, err := s.signAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &domain.Session{
		AccessToken: token,
		ExpiresIn:   int(s.accessTTL.Seconds()),
		User:        redact(user),
		IsNewUser:   isNew,
		Synced:      synced,
	}, nil
}

// redact returns a copy of u without its credential hash.
func redact(u *domain.User) *domain.User {
	out := *u
	out.PasswordHash = ""
	return &out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func displayName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
