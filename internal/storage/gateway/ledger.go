package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/types"
)

// =============================================================================
// Redeem tokens
// =============================================================================

// InsertToken stores a new unredeemed token at version 1.
func (g *Gateway) InsertToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.NewInvalidInput("token", token, "empty")
	}
	if _, err := g.db.ExecContext(ctx, "INSERT INTO redeem (token) VALUES (?)", token); err != nil {
		return fmt.Errorf("insert token: %w", classify(err))
	}
	return nil
}

// SelectToken returns the token or an error wrapping errors.ErrNotFound.
func (g *Gateway) SelectToken(ctx context.Context, token string) (*types.RedeemToken, error) {
	var (
		t       types.RedeemToken
		account sql.NullString
		ts      sql.NullInt64
	)

	err := g.db.QueryRowContext(ctx,
		"SELECT token, account, redeemed, ts, version FROM redeem WHERE token = ?", token,
	).Scan(&t.Token, &account, &t.Redeemed, &ts, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("token", token)
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", classify(err))
	}

	t.Account = account.String
	if ts.Valid {
		t.RedeemedAt = time.UnixMilli(ts.Int64).UTC()
	}
	return &t, nil
}

// UpdateToken marks the token redeemed by account if it is still unredeemed
// at expectedVersion. It returns true only for the single caller whose
// predicate matched. A concurrent writer that loses the race reports false.
func (g *Gateway) UpdateToken(ctx context.Context, token, account string, expectedVersion int32, now time.Time) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE redeem
		SET account = ?, redeemed = true, ts = ?, version = version + 1
		WHERE token = ? AND redeemed = false AND version = ?`,
		account, now.UnixMilli(), token, expectedVersion)
	if err != nil {
		err = classify(err)
		if isWriteConflict(err) {
			log.Debug("token update lost write conflict", "token", token)
			return false, nil
		}
		return false, fmt.Errorf("update token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// =============================================================================
// Purchases
// =============================================================================

// InsertPurchase appends a purchase record.
func (g *Gateway) InsertPurchase(ctx context.Context, p types.PurchaseRecord) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := g.db.ExecContext(ctx,
		"INSERT INTO purchase (account, reward, transaction_id, price, ts) VALUES (?, ?, ?, ?, ?)",
		p.Account, p.Reward, p.TransactionID, p.Price, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert purchase: %w", classify(err))
	}
	return nil
}

// SelectPurchases returns the purchases of account, oldest first.
func (g *Gateway) SelectPurchases(ctx context.Context, account string) ([]types.PurchaseRecord, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT account, reward, transaction_id, price, ts FROM purchase WHERE account = ? ORDER BY ts ASC, transaction_id ASC",
		account)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", classify(err))
	}
	defer rows.Close()

	out := make([]types.PurchaseRecord, 0)
	for rows.Next() {
		var (
			p  types.PurchaseRecord
			ts int64
		)
		if err := rows.Scan(&p.Account, &p.Reward, &p.TransactionID, &p.Price, &ts); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", classify(err))
		}
		p.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", classify(err))
	}
	return out, nil
}
