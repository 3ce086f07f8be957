package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/gateway"
	"github.com/xtxerr/tally/internal/storage/types"
	"github.com/xtxerr/tally/internal/testutil"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()

	cfg := gateway.DefaultConfig()
	cfg.Path = ""
	g, err := gateway.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open gateway: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	if err := g.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return New(g, nil)
}

func TestRedeemScenario(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	if err := l.AddToken(ctx, "ABC"); err != nil {
		t.Fatal(err)
	}

	res, err := l.Redeem(ctx, "ABC", "u1")
	if err != nil || res != types.RedeemSuccess {
		t.Fatalf("expected success, got %v (%v)", res, err)
	}
	tok, _ := l.Token(ctx, "ABC")
	if tok.Version != 2 || tok.Account != "u1" || !tok.Redeemed {
		t.Fatalf("unexpected token after redeem: %+v", tok)
	}

	res, err = l.Redeem(ctx, "ABC", "u2")
	if err != nil || res != types.RedeemAlreadyRedeemed {
		t.Fatalf("expected already redeemed, got %v (%v)", res, err)
	}
	tok, _ = l.Token(ctx, "ABC")
	if tok.Version != 2 {
		t.Errorf("expected version unchanged at 2, got %d", tok.Version)
	}
	if tok.Account != "u1" {
		t.Errorf("expected account to remain u1, got %s", tok.Account)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	l := setupTestLedger(t)

	res, err := l.Redeem(context.Background(), "missing", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res != types.RedeemNotFound {
		t.Errorf("expected not found, got %v", res)
	}
}

func TestRedeemRequiresAccount(t *testing.T) {
	l := setupTestLedger(t)

	if _, err := l.Redeem(context.Background(), "ABC", ""); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRedeemMalformedToken(t *testing.T) {
	l := setupTestLedger(t)

	res, err := l.Redeem(context.Background(), "bad token/../", "u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res != types.RedeemNotFound {
		t.Errorf("expected not found, got %v", res)
	}
}

func TestIssueToken(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	token, err := l.IssueToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 32 {
		t.Errorf("expected 32 hex characters, got %q", token)
	}

	tok, err := l.Token(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Redeemed || tok.Version != 1 {
		t.Errorf("expected fresh token, got %+v", tok)
	}
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	token, _ := l.IssueToken(ctx)

	const n = 20
	var mu sync.Mutex
	results := make(map[types.RedeemResult]int)

	gt := testutil.NewGoroutineTest(t)
	for i := 0; i < n; i++ {
		account := fmt.Sprintf("user%d", i)
		gt.Go(func() error {
			res, err := l.Redeem(ctx, token, account)
			if err != nil {
				return err
			}
			mu.Lock()
			results[res]++
			mu.Unlock()
			return nil
		})
	}
	gt.Wait()

	if results[types.RedeemSuccess] != 1 {
		t.Errorf("expected exactly one success, got %v", results)
	}
	if results[types.RedeemAlreadyRedeemed] != n-1 {
		t.Errorf("expected %d already-redeemed, got %v", n-1, results)
	}

	tok, _ := l.Token(ctx, token)
	if tok.Version != 2 {
		t.Errorf("expected version 2, got %d", tok.Version)
	}
}

func TestRecordPurchase(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	l.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := l.RecordPurchase(ctx, "test@gmail.com", 1000, "123456", 0.99); err != nil {
		t.Fatal(err)
	}

	got, err := l.Purchases(ctx, "test@gmail.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(got))
	}
	if got[0].TransactionID != "123456" || !got[0].CreatedAt.Equal(l.now()) {
		t.Errorf("unexpected purchase %+v", got[0])
	}
}

func TestRecordPurchaseValidation(t *testing.T) {
	l := setupTestLedger(t)

	err := l.RecordPurchase(context.Background(), "", 1, "", 1)
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var v *errors.ValidationErrors
	if !errors.As(err, &v) || len(v.Errors) != 2 {
		t.Errorf("expected 2 collected errors, got %v", err)
	}
}
