package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicstudio/internal/billing"
	"comicstudio/internal/billing/billingtest"
	"comicstudio/internal/domain"
)

var alice = domain.Identity{UserID: "alice"}

func TestPreflight(t *testing.T) {
	ctx := context.Background()

	t.Run("enough credits", func(t *testing.T) {
		r := billing.New(billingtest.NewLedger(map[string]int{"alice": 10}), nil)
		assert.NoError(t, r.Preflight(ctx, alice, 10))
	})
	t.Run("insufficient", func(t *testing.T) {
		r := billing.New(billingtest.NewLedger(map[string]int{"alice": 2}), nil)
		assert.ErrorIs(t, r.Preflight(ctx, alice, 5), domain.ErrInsufficientCredits)
	})
	t.Run("ledger down", func(t *testing.T) {
		ledger := billingtest.NewLedger(nil)
		ledger.CheckErr = errors.New("dial tcp: refused")
		err := billing.New(ledger, nil).Preflight(ctx, alice, 1)
		assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	})
	t.Run("anonymous skips ledger", func(t *testing.T) {
		ledger := billingtest.NewLedger(nil)
		require.NoError(t, billing.New(ledger, nil).Preflight(ctx, domain.AnonymousIdentity(), 5))
		assert.Zero(t, ledger.Checks())
	})
}

func TestChargeRecordsOneTransaction(t *testing.T) {
	ledger := billingtest.NewLedger(map[string]int{"alice": 10})
	r := billing.New(ledger, nil)

	out := r.Charge(context.Background(), alice, 3, domain.ReasonComicScene, "scene-1")
	assert.True(t, out.Charged)
	assert.Empty(t, out.Warning)
	assert.Equal(t, 7, out.BalanceAfter)

	again := r.Charge(context.Background(), alice, 3, domain.ReasonComicScene, "scene-1")
	assert.True(t, again.Charged)
	assert.Len(t, ledger.Transactions(), 1)
	assert.Equal(t, 7, ledger.Balance("alice"))
}

func TestChargeFailureBecomesWarning(t *testing.T) {
	ledger := billingtest.NewLedger(map[string]int{"alice": 10})
	ledger.DeductErr = errors.New("ledger timeout")

	out := billing.New(ledger, nil).Charge(context.Background(), alice, 1, domain.ReasonImageGeneration, "scene-9")
	assert.False(t, out.Charged)
	assert.Equal(t, billing.DeductionFailedWarning, out.Warning)
	assert.Equal(t, 1, ledger.DeductCalls())
}

func TestChargeRefusedBecomesWarning(t *testing.T) {
	ledger := billingtest.NewLedger(map[string]int{"alice": 0})
	out := billing.New(ledger, nil).Charge(context.Background(), alice, 1, domain.ReasonComicScene, "scene-2")
	assert.False(t, out.Charged)
	assert.NotEmpty(t, out.Warning)
}

func TestChargeSkipsAnonymous(t *testing.T) {
	ledger := billingtest.NewLedger(nil)
	out := billing.New(ledger, nil).Charge(context.Background(), domain.AnonymousIdentity(), 1, domain.ReasonImageGeneration, "x")
	assert.Equal(t, billing.Outcome{}, out)
	assert.Zero(t, ledger.DeductCalls())
}

func TestRetryEntity(t *testing.T) {
	assert.Equal(t, "scene-1#retry-2", billing.RetryEntity("scene-1", 2))
	assert.NotEqual(t, billing.RetryEntity("scene-1", 1), billing.RetryEntity("scene-1", 2))
}
