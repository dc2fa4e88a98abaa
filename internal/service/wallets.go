package service

import (
	"context"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var walletTracer = otel.Tracer("service/wallets")

// WalletService owns the wallet lifecycle. Balances are derived and cannot
// be written by callers.
type WalletService struct {
	writer  *Writer
	queries *Queries
	logger  *zap.Logger
}

// NewWalletService creates a new wallet service.
func NewWalletService(writer *Writer, queries *Queries, logger *zap.Logger) *WalletService {
	return &WalletService{writer: writer, queries: queries, logger: logger.Named("wallets")}
}

// LoadAll returns the wallets the user owns followed by those shared with
// them.
func (s *WalletService) LoadAll(ctx context.Context, userID string) ([]*domain.Wallet, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.LoadAll")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	return s.queries.WalletsVisibleTo(ctx, userID)
}

// Get returns a wallet visible to the user.
func (s *WalletService) Get(ctx context.Context, userID, walletID string) (*domain.Wallet, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Get")
	defer span.End()

	w, err := getAs[*domain.Wallet](ctx, s.writer.store, walletID)
	if err != nil {
		return nil, err
	}
	if !canSee(w, userID) {
		return nil, &domain.ErrNotFound{Resource: "wallet", ID: walletID}
	}
	return w, nil
}

func (s *WalletService) Add(ctx context.Context, userID string, w *domain.Wallet) (*domain.Wallet, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Add")
	defer span.End()

	w.OwnerUserID = userID
	w.Balance = decimal.Zero
	doc, err := s.writer.Create(ctx, w)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet created", zap.String("wallet_id", doc.DocMeta().ID), zap.String("user_id", userID))
	return domain.As[*domain.Wallet](doc)
}

// Update patches a wallet the user owns. Balance and ownership are not
// patchable.
func (s *WalletService) Update(ctx context.Context, userID, walletID string, patch domain.Patch) (*domain.Wallet, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Update")
	defer span.End()

	if err := s.owned(ctx, userID, walletID); err != nil {
		return nil, err
	}
	doc, err := s.writer.Update(ctx, walletID, without(patch, "balance", "ownerUserId"))
	if err != nil {
		return nil, err
	}
	return domain.As[*domain.Wallet](doc)
}

// Delete tombstones a wallet. The user's primary wallet and wallets that
// still have transactions are refused.
func (s *WalletService) Delete(ctx context.Context, userID, walletID string) error {
	ctx, span := walletTracer.Start(ctx, "WalletService.Delete")
	defer span.End()

	if err := s.owned(ctx, userID, walletID); err != nil {
		return err
	}
	user, err := getAs[*domain.User](ctx, s.writer.store, userID)
	if err != nil {
		return err
	}
	if user.WalletID == walletID {
		return domain.Invalid(domain.TypeWallet, "_id", "the primary wallet cannot be deleted")
	}
	txs, err := s.queries.TransactionsForWallet(ctx, walletID, zeroTime, zeroTime)
	if err != nil {
		return err
	}
	if len(txs) > 0 {
		return domain.Invalid(domain.TypeWallet, "_id", "wallet still has transactions")
	}

	if _, err := s.writer.Delete(ctx, walletID); err != nil {
		return err
	}
	s.logger.Info("wallet deleted", zap.String("wallet_id", walletID), zap.String("user_id", userID))
	return nil
}

func (s *WalletService) owned(ctx context.Context, userID, walletID string) error {
	w, err := getAs[*domain.Wallet](ctx, s.writer.store, walletID)
	if err != nil {
		return err
	}
	if w.OwnerUserID != userID {
		if canSee(w, userID) {
			return &domain.ErrForbidden{Action: "change a wallet shared with you"}
		}
		return &domain.ErrNotFound{Resource: "wallet", ID: walletID}
	}
	return nil
}

// without returns a copy of patch minus keys.
func without(patch domain.Patch, keys ...string) domain.Patch {
	out := make(domain.Patch, len(patch))
	for k, v := range patch {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
