package types

import "time"

// RedeemToken is a one-time token. Tokens move from unredeemed to redeemed
// exactly once and are never deleted.
type RedeemToken struct {
	Token      string
	Redeemed   bool
	Account    string    // empty until redeemed
	RedeemedAt time.Time // zero until redeemed
	Version    int32
}

// RedeemResult is the outcome of a redemption attempt.
type RedeemResult int

const (
	RedeemSuccess RedeemResult = iota
	RedeemAlreadyRedeemed
	RedeemNotFound
)

func (r RedeemResult) String() string {
	switch r {
	case RedeemSuccess:
		return "success"
	case RedeemAlreadyRedeemed:
		return "already_redeemed"
	case RedeemNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PurchaseRecord is an append-only record of a completed purchase.
type PurchaseRecord struct {
	Account       string
	Reward        int32
	TransactionID string
	Price         float64
	CreatedAt     time.Time
}
