package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewService(db, NewLocalLocker(), clk, zap.NewNop(), nil), db
}

func TestService_TopUpThenOverdraw(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	r := testutil.CreateReseller(t, db, "acme")

	bal, err := svc.Balance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	bal, err = svc.AddCredits(ctx, Posting{ResellerID: r.ID, Amount: 500, Description: "top-up"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	_, err = svc.DeductCredits(ctx, Posting{ResellerID: r.ID, Amount: 700})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err = svc.Balance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	bal, err = svc.DeductCredits(ctx, Posting{ResellerID: r.ID, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	entries, total, err := svc.History(ctx, r.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, models.LedgerEntryDeduct, entries[0].Type)
	assert.Equal(t, int64(-500), entries[0].Delta)
	assert.Equal(t, models.LedgerEntryAdd, entries[1].Type)
}

func TestService_RejectsInvalidAmount(t *testing.T) {
	svc, db := newTestService(t)
	r := testutil.CreateReseller(t, db, "acme")

	for _, amount := range []int64{0, -5} {
		_, err := svc.AddCredits(context.Background(), Posting{ResellerID: r.ID, Amount: amount})
		assert.True(t, apperr.IsValidation(err), "amount %d", amount)
	}

	var count int64
	db.Model(&models.CreditLedgerEntry{}).Count(&count)
	assert.Zero(t, count)
}

func TestService_UnknownReseller(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.AddCredits(context.Background(), Posting{ResellerID: 999, Amount: 10})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Balance(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_ConcurrentDeductsNeverOverdraw(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	r := testutil.CreateReseller(t, db, "acme")

	_, err := svc.AddCredits(ctx, Posting{ResellerID: r.ID, Amount: 100})
	require.NoError(t, err)

	amounts := []int64{60, 70, 30, 40, 20, 50, 10, 80}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int64
	)
	for _, amount := range amounts {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := svc.DeductCredits(ctx, Posting{ResellerID: r.ID, Amount: amount})
			if err == nil {
				mu.Lock()
				charged += amount
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrInsufficientBalance), "unexpected error: %v", err)
		}(amount)
	}
	wg.Wait()

	assert.LessOrEqual(t, charged, int64(100))

	bal, err := svc.Balance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 100-charged, bal)
	assertFoldConsistent(t, svc, db, r.ID)
}

func TestService_TwoDeductsAgainstSmallBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	r := testutil.CreateReseller(t, db, "acme")
	_, err := svc.AddCredits(ctx, Posting{ResellerID: r.ID, Amount: 100})
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, amount := range []int64{60, 50} {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			_, errs[i] = svc.DeductCredits(ctx, Posting{ResellerID: r.ID, Amount: amount})
		}(i, amount)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestService_Transfer(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	from := testutil.CreateReseller(t, db, "parent")
	to := testutil.CreateReseller(t, db, "child")

	_, err := svc.AddCredits(ctx, Posting{ResellerID: from.ID, Amount: 300})
	require.NoError(t, err)

	res, err := svc.Transfer(ctx, TransferRequest{FromResellerID: from.ID, ToResellerID: to.ID, Amount: 120})
	require.NoError(t, err)
	assert.Equal(t, int64(180), res.FromBalance)
	assert.Equal(t, int64(120), res.ToBalance)
	assert.NotEmpty(t, res.Reference)

	var linked []models.CreditLedgerEntry
	require.NoError(t, db.Where("reference = ?", res.Reference).Order("id").Find(&linked).Error)
	require.Len(t, linked, 2)
	// Same type on both sides; only the delta sign tells out from in.
	for _, e := range linked {
		assert.Equal(t, models.LedgerEntryTransfer, e.Type)
	}
	assert.Equal(t, int64(-120), linked[0].Delta)
	assert.Equal(t, int64(120), linked[1].Delta)

	_, err = svc.Transfer(ctx, TransferRequest{FromResellerID: from.ID, ToResellerID: to.ID, Amount: 500})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	bal, _ := svc.Balance(ctx, to.ID)
	assert.Equal(t, int64(120), bal, "failed transfer must not credit destination")

	_, err = svc.Transfer(ctx, TransferRequest{FromResellerID: from.ID, ToResellerID: from.ID, Amount: 1})
	assert.True(t, apperr.IsValidation(err))
}

func TestService_OpposingTransfersDoNotDeadlock(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	a := testutil.CreateReseller(t, db, "a")
	b := testutil.CreateReseller(t, db, "b")
	_, _ = svc.AddCredits(ctx, Posting{ResellerID: a.ID, Amount: 1000})
	_, _ = svc.AddCredits(ctx, Posting{ResellerID: b.ID, Amount: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, TransferRequest{FromResellerID: a.ID, ToResellerID: b.ID, Amount: 5})
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, TransferRequest{FromResellerID: b.ID, ToResellerID: a.ID, Amount: 5})
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers deadlocked")
	}

	balA, _ := svc.Balance(ctx, a.ID)
	balB, _ := svc.Balance(ctx, b.ID)
	assert.Equal(t, int64(2000), balA+balB)
}

func TestService_MixedSequenceFoldsToBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	r := testutil.CreateReseller(t, db, "acme")
	other := testutil.CreateReseller(t, db, "other")

	ops := []struct {
		kind   string
		amount int64
	}{
		{"add", 50}, {"deduct", 20}, {"deduct", 40}, {"refund", 15},
		{"transfer", 30}, {"add", 5}, {"transfer", 100}, {"deduct", 20},
	}
	for _, op := range ops {
		switch op.kind {
		case "add":
			_, _ = svc.AddCredits(ctx, Posting{ResellerID: r.ID, Amount: op.amount})
		case "deduct":
			_, _ = svc.DeductCredits(ctx, Posting{ResellerID: r.ID, Amount: op.amount})
		case "refund":
			_, _ = svc.Refund(ctx, Posting{ResellerID: r.ID, Amount: op.amount})
		case "transfer":
			_, _ = svc.Transfer(ctx, TransferRequest{FromResellerID: r.ID, ToResellerID: other.ID, Amount: op.amount})
		}
	}

	assertFoldConsistent(t, svc, db, r.ID)
	assertFoldConsistent(t, svc, db, other.ID)
}

func TestService_GuardAbortsPosting(t *testing.T) {
	svc, db := newTestService(t)
	r := testutil.CreateReseller(t, db, "acme")
	boom := errors.New("guard refused")

	_, err := svc.AddCredits(context.Background(), Posting{
		ResellerID: r.ID,
		Amount:     10,
		Guard:      func(tx *gorm.DB) error { return boom },
	})
	require.ErrorIs(t, err, boom)

	bal, err := svc.Balance(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestService_LogsFilterByType(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	a := testutil.CreateReseller(t, db, "a")
	b := testutil.CreateReseller(t, db, "b")
	_, _ = svc.AddCredits(ctx, Posting{ResellerID: a.ID, Amount: 10})
	_, _ = svc.AddCredits(ctx, Posting{ResellerID: b.ID, Amount: 10})
	_, _ = svc.DeductCredits(ctx, Posting{ResellerID: b.ID, Amount: 3})

	all, total, err := svc.Logs(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 3)

	deducts, total, err := svc.Logs(ctx, Filter{Type: models.LedgerEntryDeduct}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, b.ID, deducts[0].ResellerID)

	page, _, err := svc.Logs(ctx, Filter{}, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, _, err = svc.Logs(ctx, Filter{Type: "BOGUS"}, 10, 0)
	assert.True(t, apperr.IsValidation(err))
}

// assertFoldConsistent checks that balanceAfter chains by signed delta, never
// goes negative, and matches both the fold and the cached column.
func assertFoldConsistent(t *testing.T, svc *Service, db *gorm.DB, resellerID uint) {
	t.Helper()

	var entries []models.CreditLedgerEntry
	require.NoError(t, db.Where("reseller_id = ?", resellerID).Order("id").Find(&entries).Error)

	var running int64
	for _, e := range entries {
		running += e.Delta
		assert.Equal(t, running, e.BalanceAfter, "entry %d", e.ID)
		assert.GreaterOrEqual(t, e.BalanceAfter, int64(0))
		assert.Positive(t, e.Amount)
	}

	fold, err := svc.Fold(context.Background(), resellerID)
	require.NoError(t, err)
	assert.Equal(t, running, fold)

	bal, err := svc.Balance(context.Background(), resellerID)
	require.NoError(t, err)
	assert.Equal(t, running, bal)

	var reseller models.Reseller
	require.NoError(t, db.First(&reseller, resellerID).Error)
	assert.Equal(t, running, reseller.CreditBalance)
}
