package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

const (
	PayoutInitiated = "initiated"
	PayoutPaid      = "paid"
	PayoutFailed    = "failed"
)

// Settler captures the held funds backing a payout; satisfied by the stripe
// client.
type Settler interface {
	Capture(ctx context.Context, paymentIntentID string) error
}

// Service is the wallet/payout action layer. Writes are idempotent by
// caller-supplied key; balances themselves are settled server-side and only
// read through here.
type Service struct {
	Orders  storage.OrderStore
	Wallets storage.WalletStore
	Settle  Settler // optional
	Logger  *slog.Logger

	now func() time.Time
}

func NewService(orders storage.OrderStore, wallets storage.WalletStore, settle Settler, logger *slog.Logger) *Service {
	return &Service{Orders: orders, Wallets: wallets, Settle: settle, Logger: logger}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// SubmitPaymentProof records the customer's proof of payment. The reported
// amount matching the order total settles immediately as paid; anything
// else lands in manual review.
func (s *Service) SubmitPaymentProof(ctx context.Context, orderID, txnID string, reportedAmount int64, receiptURL string) (models.PaymentStatus, error) {
	if txnID == "" {
		return "", fmt.Errorf("txn id required")
	}
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	status := models.PaymentPaid
	if reportedAmount != o.Total {
		status = models.PaymentPendingReview
	}
	if err := s.Orders.SetPaymentStatus(ctx, orderID, status); err != nil {
		return "", err
	}

	if w, werr := s.Wallets.GetWallet(ctx, o.UserID); werr == nil {
		tx := &models.WalletTransaction{
			ID:        uuid.NewString(),
			WalletID:  w.ID,
			OrderID:   orderID,
			Type:      "topup",
			Amount:    reportedAmount,
			Status:    string(status),
			CreatedAt: s.clock(),
		}
		if err := s.Wallets.AppendWalletTransaction(ctx, tx); err != nil {
			// the ledger row is advisory; the payment status is the record
			s.Logger.Warn("wallet transaction append failed", "order_id", orderID, "error", err)
		}
	}
	s.Logger.Info("payment proof submitted", "order_id", orderID, "txn_id", txnID, "status", status, "receipt", receiptURL)
	return status, nil
}

// InitiatePayout starts a restaurant payout. Replaying the same idempotency
// key returns the stored result instead of a second payout.
func (s *Service) InitiatePayout(ctx context.Context, orderID, idempotencyKey, payoutRef string) (string, error) {
	if idempotencyKey == "" {
		return "", fmt.Errorf("idempotency key required")
	}
	if rec, err := s.Wallets.GetPayout(ctx, idempotencyKey); err == nil {
		return rec.Status, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	rec := &storage.PayoutRecord{
		IdempotencyKey: idempotencyKey,
		OrderID:        orderID,
		PayoutRef:      payoutRef,
		Status:         PayoutInitiated,
		UpdatedAt:      s.clock(),
	}
	if err := s.Wallets.SavePayout(ctx, rec); err != nil {
		return "", err
	}
	return PayoutInitiated, nil
}

// FinalizePayout settles a previously initiated payout. Like initiate, a
// replayed key returns the already-recorded outcome.
func (s *Service) FinalizePayout(ctx context.Context, orderID, idempotencyKey string, success bool, payoutRef string) (string, error) {
	rec, err := s.Wallets.GetPayout(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("payout %s not initiated", idempotencyKey)
		}
		return "", err
	}
	if rec.Status != PayoutInitiated {
		return rec.Status, nil
	}

	if !success {
		rec.Status = PayoutFailed
		rec.UpdatedAt = s.clock()
		if err := s.Wallets.SavePayout(ctx, rec); err != nil {
			return "", err
		}
		return PayoutFailed, nil
	}

	if s.Settle != nil && payoutRef != "" {
		if err := s.Settle.Capture(ctx, payoutRef); err != nil {
			return "", err
		}
	}
	rec.Status = PayoutPaid
	rec.UpdatedAt = s.clock()
	if err := s.Wallets.SavePayout(ctx, rec); err != nil {
		return "", err
	}

	s.appendPayoutTransaction(ctx, orderID)
	return PayoutPaid, nil
}

// appendPayoutTransaction records the restaurant's share on its ledger;
// best-effort since the payout record is authoritative.
func (s *Service) appendPayoutTransaction(ctx context.Context, orderID string) {
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		s.Logger.Warn("payout ledger skipped: order unreadable", "order_id", orderID, "error", err)
		return
	}
	w, err := s.Wallets.GetWallet(ctx, o.RestaurantID)
	if err != nil {
		s.Logger.Warn("payout ledger skipped: wallet unreadable", "restaurant_id", o.RestaurantID, "error", err)
		return
	}
	tx := &models.WalletTransaction{
		ID:        uuid.NewString(),
		WalletID:  w.ID,
		OrderID:   orderID,
		Type:      "payout",
		Amount:    o.Total - o.PlatformFee,
		Status:    PayoutPaid,
		CreatedAt: s.clock(),
	}
	if err := s.Wallets.AppendWalletTransaction(ctx, tx); err != nil {
		s.Logger.Warn("payout ledger append failed", "order_id", orderID, "error", err)
	}
}

// Overview is the read-through surface for the wallet screens.
func (s *Service) Overview(ctx context.Context, ownerID string) (*models.Wallet, []models.WalletTransaction, error) {
	w, err := s.Wallets.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.Wallets.ListWalletTransactions(ctx, w.ID)
	if err != nil {
		return nil, nil, err
	}
	return w, txs, nil
}
