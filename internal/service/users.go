package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var userTracer = otel.Tracer("service/users")

// profileFields are the user fields UpdateProfile may change.
var profileFields = map[string]bool{"name": true, "picture": true}

// UserService owns the user lifecycle. Users are never deleted, only
// disabled.
type UserService struct {
	writer  *Writer
	queries *Queries
	agg     *Aggregator
	logger  *zap.Logger
}

// NewUserService creates a new user service.
func NewUserService(writer *Writer, queries *Queries, agg *Aggregator, logger *zap.Logger) *UserService {
	return &UserService{writer: writer, queries: queries, agg: agg, logger: logger.Named("users")}
}

func (s *UserService) Get(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := userTracer.Start(ctx, "UserService.Get")
	defer span.End()

	return getAs[*domain.User](ctx, s.writer.store, userID)
}

// LoadAll returns the user followed by the users they share with.
func (s *UserService) LoadAll(ctx context.Context, userID string) ([]*domain.User, error) {
	ctx, span := userTracer.Start(ctx, "UserService.LoadAll")
	defer span.End()

	me, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []*domain.User{me}
	for _, id := range me.SharedWithUserIDs {
		u, err := s.Get(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *UserService) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.queries.UserByEmail(ctx, email)
}

// UpdateProfile changes the display fields of a user. Any other field in
// the patch is rejected.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, patch domain.Patch) (*domain.User, error) {
	ctx, span := userTracer.Start(ctx, "UserService.UpdateProfile")
	defer span.End()

	for k := range patch {
		if !profileFields[k] {
			return nil, domain.Invalid(domain.TypeUser, k, "cannot be changed through the profile")
		}
	}
	doc, err := s.writer.Update(ctx, userID, patch)
	if err != nil {
		return nil, err
	}
	return domain.As[*domain.User](doc)
}

// Disable flags the account as retired.
func (s *UserService) Disable(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := userTracer.Start(ctx, "UserService.Disable")
	defer span.End()

	u, err := mutateAs(ctx, s.writer, userID, func(u *domain.User) error {
		if u.Disabled {
			return ErrUnchanged
		}
		u.Disabled = true
		u.IsSharingEnabled = false
		u.SharingStatus = domain.SharingDisabled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user disabled", zap.String("user_id", userID))
	return u, nil
}

// ToggleSharing turns wallet sharing on or off for the user.
func (s *UserService) ToggleSharing(ctx context.Context, userID string, enabled bool) (*domain.User, error) {
	ctx, span := userTracer.Start(ctx, "UserService.ToggleSharing")
	defer span.End()
	span.SetAttributes(attribute.Bool("sharing.enabled", enabled))

	return mutateAs(ctx, s.writer, userID, func(u *domain.User) error {
		if u.Disabled {
			return &domain.ErrForbidden{Action: "change sharing of a disabled account"}
		}
		u.IsSharingEnabled = enabled
		switch {
		case !enabled:
			u.SharingStatus = domain.SharingSingle
		case len(u.SharedWithUserIDs) > 0:
			u.SharingStatus = domain.SharingShared
		}
		return nil
	})
}

// ShareWallet gives the user with email access to one of the owner's
// wallets. The wallet and both users are updated, each through its own
// conflict-checked write.
func (s *UserService) ShareWallet(ctx context.Context, ownerID, walletID, email string) (*domain.Wallet, error) {
	ctx, span := userTracer.Start(ctx, "UserService.ShareWallet")
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", walletID))

	owner, err := s.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.IsSharingEnabled {
		return nil, &domain.ErrForbidden{Action: "share a wallet with sharing disabled"}
	}
	target, err := s.queries.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if target.ID == ownerID {
		return nil, domain.Invalid(domain.TypeWallet, "sharedWithUserIds", "cannot share a wallet with its owner")
	}

	wallet, err := mutateAs(ctx, s.writer, walletID, func(w *domain.Wallet) error {
		if w.OwnerUserID != ownerID {
			return &domain.ErrForbidden{Action: "share a wallet you do not own"}
		}
		return addID(&w.SharedWithUserIDs, target.ID)
	})
	if err != nil {
		return nil, err
	}
	if err := s.addRef(ctx, target.ID, func(u *domain.User) *[]string { return &u.SharedWalletIDs }, walletID); err != nil {
		return nil, err
	}
	if _, err := mutateAs(ctx, s.writer, ownerID, func(u *domain.User) error {
		if err := addID(&u.SharedWithUserIDs, target.ID); err != nil {
			return err
		}
		u.SharingStatus = domain.SharingShared
		return nil
	}); err != nil {
		return nil, err
	}

	s.logger.Info("wallet shared",
		zap.String("wallet_id", walletID),
		zap.String("owner_id", ownerID),
		zap.String("shared_with", target.ID),
	)
	return wallet, nil
}

// StopSharingWallet revokes a user's access to the owner's wallet.
func (s *UserService) StopSharingWallet(ctx context.Context, ownerID, walletID, userID string) (*domain.Wallet, error) {
	ctx, span := userTracer.Start(ctx, "UserService.StopSharingWallet")
	defer span.End()

	wallet, err := mutateAs(ctx, s.writer, walletID, func(w *domain.Wallet) error {
		if w.OwnerUserID != ownerID {
			return &domain.ErrForbidden{Action: "unshare a wallet you do not own"}
		}
		return removeID(&w.SharedWithUserIDs, userID)
	})
	if err != nil {
		return nil, err
	}
	if err := s.removeRef(ctx, userID, func(u *domain.User) *[]string { return &u.SharedWalletIDs }, walletID); err != nil && !isNotFound(err) {
		return nil, err
	}

	// The owner keeps the user in SharedWithUserIDs while another wallet is
	// still shared with them.
	owned, err := s.queries.WalletsOwnedBy(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stillShared := slices.ContainsFunc(owned, func(w *domain.Wallet) bool {
		return slices.Contains(w.SharedWithUserIDs, userID)
	})
	if !stillShared {
		if _, err := mutateAs(ctx, s.writer, ownerID, func(u *domain.User) error {
			if err := removeID(&u.SharedWithUserIDs, userID); err != nil {
				return err
			}
			if len(u.SharedWithUserIDs) == 0 && u.SharingStatus == domain.SharingShared {
				u.SharingStatus = domain.SharingSingle
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return wallet, nil
}

// Reconcile rebuilds the user's reference arrays from the documents that
// actually exist.
func (s *UserService) Reconcile(ctx context.Context, userID string) (bool, error) {
	return s.agg.ReconcileUser(ctx, userID)
}

// ============================================================
// Reference array upkeep
// ============================================================

// addRef appends id to one of the user's reference arrays. The array is a
// cache; a failure here is repaired by reconciliation.
func (s *UserService) addRef(ctx context.Context, userID string, field func(*domain.User) *[]string, id string) error {
	_, err := mutateAs(ctx, s.writer, userID, func(u *domain.User) error {
		return addID(field(u), id)
	})
	if err != nil {
		return fmt.Errorf("add %s to user %s: %w", id, userID, err)
	}
	return nil
}

func (s *UserService) removeRef(ctx context.Context, userID string, field func(*domain.User) *[]string, id string) error {
	_, err := mutateAs(ctx, s.writer, userID, func(u *domain.User) error {
		return removeID(field(u), id)
	})
	if err != nil {
		return fmt.Errorf("remove %s from user %s: %w", id, userID, err)
	}
	return nil
}

// addID appends id unless present; ErrUnchanged when it was.
func addID(ids *[]string, id string) error {
	if slices.Contains(*ids, id) {
		return ErrUnchanged
	}
	*ids = append(*ids, id)
	return nil
}

// removeID drops every occurrence of id; ErrUnchanged when there was none.
func removeID(ids *[]string, id string) error {
	if !slices.Contains(*ids, id) {
		return ErrUnchanged
	}
	*ids = slices.DeleteFunc(*ids, func(v string) bool { return v == id })
	return nil
}

// Typed accessors for the reference arrays.
func transactionRefs(u *domain.User) *[]string { return &u.TransactionIDs }
func budgetRefs(u *domain.User) *[]string      { return &u.BudgetIDs }
func categoryRefs(u *domain.User) *[]string    { return &u.CategoryIDs }

// canSee reports whether userID owns w or w is shared with them.
func canSee(w *domain.Wallet, userID string) bool {
	return w.OwnerUserID == userID || slices.Contains(w.SharedWithUserIDs, userID)
}
