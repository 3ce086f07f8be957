// Package ledger implements one-time redeem tokens and the purchase log.
//
// Redemption is a read followed by a single version-predicated update. The
// update predicate carries all correctness: of any number of concurrent
// redeemers of one token exactly one observes success. Conflicts are results,
// not errors, and are never retried.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
	"github.com/xtxerr/tally/internal/storage/types"
	"github.com/xtxerr/tally/internal/validation"
)

var log = logging.Component("ledger")

// Store is the persistence the ledger needs. Satisfied by *gateway.Gateway.
type Store interface {
	InsertToken(ctx context.Context, token string) error
	SelectToken(ctx context.Context, token string) (*types.RedeemToken, error)
	UpdateToken(ctx context.Context, token, account string, expectedVersion int32, now time.Time) (bool, error)
	InsertPurchase(ctx context.Context, p types.PurchaseRecord) error
	SelectPurchases(ctx context.Context, account string) ([]types.PurchaseRecord, error)
}

// Ledger issues and redeems tokens and records purchases.
type Ledger struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Ledger
}

// New creates a ledger over store.
func New(store Store, m *metrics.Ledger) *Ledger {
	return &Ledger{store: store, now: time.Now, metrics: m}
}

// NewToken returns a random token: a UUID without dashes.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IssueToken creates and stores a fresh unredeemed token.
func (l *Ledger) IssueToken(ctx context.Context) (string, error) {
	token := NewToken()
	if err := l.store.InsertToken(ctx, token); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	l.metrics.Issued()
	return token, nil
}

// AddToken stores a caller-provided token, for tokens minted elsewhere.
func (l *Ledger) AddToken(ctx context.Context, token string) error {
	if err := validation.ValidateToken(token); err != nil {
		return errors.NewInvalidInput("token", token, err.Error())
	}
	if err := l.store.InsertToken(ctx, token); err != nil {
		return fmt.Errorf("add token: %w", err)
	}
	l.metrics.Issued()
	return nil
}

// Token returns the current state of a token.
func (l *Ledger) Token(ctx context.Context, token string) (*types.RedeemToken, error) {
	return l.store.SelectToken(ctx, token)
}

// Redeem marks token as redeemed by account.
func (l *Ledger) Redeem(ctx context.Context, token, account string) (types.RedeemResult, error) {
	if err := validation.ValidateAccount(account); err != nil {
		return types.RedeemNotFound, errors.NewInvalidInput("account", account, err.Error())
	}
	if validation.ValidateToken(token) != nil {
		l.metrics.Redeemed(types.RedeemNotFound.String())
		return types.RedeemNotFound, nil
	}

	result, err := l.redeem(ctx, token, account)
	if err != nil {
		return result, err
	}

	l.metrics.Redeemed(result.String())
	log.Info("token redemption", "token", token, "account", account, "result", result)
	return result, nil
}

func (l *Ledger) redeem(ctx context.Context, token, account string) (types.RedeemResult, error) {
	current, err := l.store.SelectToken(ctx, token)
	if errors.Is(err, errors.ErrNotFound) {
		return types.RedeemNotFound, nil
	}
	if err != nil {
		return types.RedeemNotFound, fmt.Errorf("redeem %s: %w", token, err)
	}

	if current.Redeemed {
		return types.RedeemAlreadyRedeemed, nil
	}

	ok, err := l.store.UpdateToken(ctx, token, account, current.Version, l.now())
	if err != nil {
		return types.RedeemNotFound, fmt.Errorf("redeem %s: %w", token, err)
	}
	if !ok {
		return types.RedeemAlreadyRedeemed, nil
	}
	return types.RedeemSuccess, nil
}

// RecordPurchase appends a purchase record.
func (l *Ledger) RecordPurchase(ctx context.Context, account string, reward int32, transactionID string, price float64) error {
	v := errors.NewValidationErrors()
	if err := validation.ValidateAccount(account); err != nil {
		v.Add(errors.NewInvalidInput("account", account, err.Error()))
	}
	if err := validation.ValidateTransactionID(transactionID); err != nil {
		v.Add(errors.NewInvalidInput("transaction_id", transactionID, err.Error()))
	}
	if err := v.Err(); err != nil {
		return err
	}

	p := types.PurchaseRecord{
		Account:       account,
		Reward:        reward,
		TransactionID: transactionID,
		Price:         price,
		CreatedAt:     l.now(),
	}
	if err := l.store.InsertPurchase(ctx, p); err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	l.metrics.Purchased()
	return nil
}

// Purchases returns the purchase history of account.
func (l *Ledger) Purchases(ctx context.Context, account string) ([]types.PurchaseRecord, error) {
	return l.store.SelectPurchases(ctx, account)
}
