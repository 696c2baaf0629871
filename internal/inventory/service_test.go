package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

var testActor = shared.Actor{ID: 7, Name: "Rina", BusinessID: 1}

func qty(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func input(variationID, locationID int64, amount string, ref Reference) MovementInput {
	return MovementInput{
		BusinessID:  1,
		ProductID:   100 + variationID,
		VariationID: variationID,
		LocationID:  locationID,
		Qty:         qty(amount),
		Reference:   ref,
		Actor:       testActor,
	}
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository(2 * time.Second)
	return NewService(repo, nil, cfg), repo
}

func seed(t *testing.T, svc *Service, variationID, locationID int64, amount string) {
	t.Helper()
	_, err := svc.PostOpeningStock(context.Background(), input(variationID, locationID, amount, Reference{}))
	require.NoError(t, err)
}

func TestMutateWritesPositionLedgerAndHistory(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	in := input(1, 10, "10", Reference{Type: RefGoodsReceipt, ID: "55", Number: "GRN-55"})
	in.UnitCost = decimal.NewNullDecimal(qty("2.5"))
	res, err := svc.PostPurchase(ctx, in)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.True(t, res.NewBalance.Equal(qty("10")))
	require.True(t, res.Entry.BalanceQty.Equal(qty("10")))
	require.Equal(t, MovementPurchase, res.Entry.Type)
	require.Equal(t, res.Entry.ID, res.History.LedgerEntryID)
	require.Equal(t, "GRN-55", res.History.RefNumber)
	require.Equal(t, "Rina", res.History.ActorName)
	require.True(t, res.History.TotalValue.Decimal.Equal(qty("25")))

	res, err = svc.PostSale(ctx, input(1, 10, "3", Reference{Type: RefSale, ID: "S-1"}))
	require.NoError(t, err)
	require.True(t, res.Entry.Quantity.Equal(qty("-3")))
	require.True(t, res.NewBalance.Equal(qty("7")))

	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.True(t, bal.Equal(qty("7")))

	entries, err := svc.ListEntries(ctx, EntryFilter{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	history, err := svc.ListHistory(ctx, EntryFilter{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestGetBalanceWithoutPositionIsZero(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	bal, err := svc.GetBalance(context.Background(), PositionKey{VariationID: 9, LocationID: 9})
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func TestInsufficientStockLeavesNoTrace(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, 1, 10, "5")

	_, err := svc.PostSale(ctx, input(1, 10, "8", Reference{Type: RefSale, ID: "S-9"}))
	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(101), insufficient.ProductID)
	require.Equal(t, int64(10), insufficient.LocationID)
	require.True(t, insufficient.Shortfall().Equal(qty("3")))

	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.True(t, bal.Equal(qty("5")))
	entries, err := svc.ListEntries(ctx, EntryFilter{RefType: RefSale, RefID: "S-9"})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNegativeAdjustmentEnforcesButInboundNeverChecks(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	adj := input(2, 10, "-1", Reference{Type: RefCorrection, ID: "1"})
	adj.Reason = "damaged"
	_, err := svc.PostAdjustment(ctx, adj)
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.PostCustomerReturn(ctx, input(2, 10, "2", Reference{Type: RefCustomerReturn, ID: "R-1"}))
	require.NoError(t, err)

	_, err = svc.PostAdjustment(ctx, adj)
	require.NoError(t, err)
	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 2, LocationID: 10})
	require.NoError(t, err)
	require.True(t, bal.Equal(qty("1")))
}

func TestDuplicateOperationReturnsPriorResult(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, 1, 10, "10")

	ref := Reference{Type: RefSale, ID: "S-2"}
	first, err := svc.PostSale(ctx, input(1, 10, "4", ref))
	require.NoError(t, err)

	again, err := svc.PostSale(ctx, input(1, 10, "4", ref))
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.True(t, again.Replayed)
	require.Equal(t, first.Entry.ID, again.Entry.ID)
	require.True(t, again.NewBalance.Equal(first.NewBalance))

	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.True(t, bal.Equal(qty("6")))

	// same document at another variation is a different key
	seed(t, svc, 2, 10, "10")
	_, err = svc.PostSale(ctx, input(2, 10, "4", ref))
	require.NoError(t, err)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo := newTestService(t, ServiceConfig{Retry: RetryPolicy{Attempts: 5, Backoff: time.Millisecond}})
	ctx := context.Background()
	seed(t, svc, 1, 10, "100")

	var applied, rejected atomic.Int64
	var g errgroup.Group
	for i := 0; i < 150; i++ {
		i := i
		g.Go(func() error {
			_, err := svc.PostSale(ctx, input(1, 10, "1", Reference{Type: RefSale, ID: fmt.Sprintf("S-%d", i)}))
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(100), applied.Load())
	require.Equal(t, int64(50), rejected.Load())

	key := PositionKey{VariationID: 1, LocationID: 10}
	discrepancies, err := svc.CheckIntegrity(ctx, key)
	require.NoError(t, err)
	require.Empty(t, discrepancies)

	pos, err := repo.GetPosition(ctx, key)
	require.NoError(t, err)
	require.True(t, pos.QtyAvailable.IsZero())
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, 1, 10, "50")

	var applied, duplicates atomic.Int64
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.PostSale(ctx, input(1, 10, "5", Reference{Type: RefSale, ID: "S-same"}))
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, ErrDuplicateOperation):
				duplicates.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(1), applied.Load())
	require.Equal(t, int64(19), duplicates.Load())

	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	require.True(t, bal.Equal(qty("45")))
}

func TestIndependentKeysDoNotBlockEachOther(t *testing.T) {
	repo := NewMemoryRepository(50 * time.Millisecond)
	svc := NewService(repo, nil, ServiceConfig{Retry: RetryPolicy{Attempts: 1}})
	ctx := context.Background()

	held := repo.Begin()
	_, err := held.LockPosition(ctx, StockPosition{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	defer held.Rollback()

	_, err = svc.PostOpeningStock(ctx, input(2, 10, "3", Reference{}))
	require.NoError(t, err)

	_, err = svc.PostOpeningStock(ctx, input(1, 10, "3", Reference{}))
	require.ErrorIs(t, err, ErrContention)
}

func TestContentionIsRetried(t *testing.T) {
	repo := NewMemoryRepository(20 * time.Millisecond)
	svc := NewService(repo, nil, ServiceConfig{Retry: RetryPolicy{Attempts: 10, Backoff: 10 * time.Millisecond}})
	ctx := context.Background()

	held := repo.Begin()
	_, err := held.LockPosition(ctx, StockPosition{VariationID: 1, LocationID: 10})
	require.NoError(t, err)
	go func() {
		time.Sleep(60 * time.Millisecond)
		held.Rollback()
	}()

	res, err := svc.PostOpeningStock(ctx, input(1, 10, "3", Reference{}))
	require.NoError(t, err)
	require.True(t, res.NewBalance.Equal(qty("3")))
}

func TestApplyRollsBackWholeUnitOfWork(t *testing.T) {
	svc, repo := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, 1, 10, "2")

	ref := Reference{Type: RefTransfer, ID: "T-1"}
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		in, err := NewOperation(MovementTransferIn, input(1, 20, "5", ref))
		require.NoError(t, err)
		if _, err := svc.Apply(ctx, tx, in); err != nil {
			return err
		}
		out, err := NewOperation(MovementTransferOut, input(1, 10, "5", ref))
		require.NoError(t, err)
		_, err = svc.Apply(ctx, tx, out)
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	entries, err := svc.FindEntries(ctx, RefTransfer, "T-1")
	require.NoError(t, err)
	require.Empty(t, entries)
	bal, err := svc.GetBalance(ctx, PositionKey{VariationID: 1, LocationID: 20})
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func TestReplayReproducesPositionsForRandomSequences(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	types := []MovementType{MovementPurchase, MovementSale, MovementCustomerReturn, MovementAdjustment, MovementTransferOut, MovementTransferIn}

	for i := 0; i < 300; i++ {
		variation := int64(rng.Intn(3) + 1)
		location := int64(rng.Intn(2) + 1)
		mt := types[rng.Intn(len(types))]
		amount := decimal.NewFromInt(int64(rng.Intn(9) + 1))
		if mt == MovementAdjustment && rng.Intn(2) == 0 {
			amount = amount.Neg()
		}
		in := input(variation, location, "1", Reference{Type: "test", ID: fmt.Sprintf("doc-%d", i)})
		in.Qty = amount
		in.UnitCost = decimal.NewNullDecimal(decimal.NewFromInt(3))
		in.Reason = "cycle count"
		op, err := NewOperation(mt, in)
		require.NoError(t, err)
		_, err = svc.Mutate(ctx, op)
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientStock)
		}
	}

	keys, err := svc.Keys(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, key := range keys {
		discrepancies, err := svc.CheckIntegrity(ctx, key)
		require.NoError(t, err)
		require.Empty(t, discrepancies, key.String())
		bal, err := svc.GetBalance(ctx, key)
		require.NoError(t, err)
		require.False(t, bal.IsNegative())
	}
}

func TestLargeAdjustmentRaisesAuditEvent(t *testing.T) {
	audit := &auditRecorder{}
	repo := NewMemoryRepository(time.Second)
	svc := NewService(repo, audit, ServiceConfig{LargeAdjustmentThreshold: qty("100")})
	ctx := context.Background()

	small := input(1, 10, "99", Reference{Type: RefCorrection, ID: "1"})
	small.Reason = "recount"
	_, err := svc.PostAdjustment(ctx, small)
	require.NoError(t, err)
	require.Empty(t, audit.logs)

	large := input(1, 10, "150", Reference{Type: RefCorrection, ID: "2"})
	large.Reason = "found pallet"
	_, err = svc.PostAdjustment(ctx, large)
	require.NoError(t, err)
	require.Len(t, audit.logs, 1)
	require.Equal(t, shared.AuditLargeAdjustment, audit.logs[0].Action)
	require.Equal(t, "1@10", audit.logs[0].EntityID)
	require.Equal(t, "found pallet", audit.logs[0].Meta["reason"])

	// replays never publish twice
	_, err = svc.PostAdjustment(ctx, large)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.Len(t, audit.logs, 1)
}

func TestOpeningStockOncePerPosition(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	seed(t, svc, 1, 10, "4")
	_, err := svc.PostOpeningStock(context.Background(), input(1, 10, "4", Reference{}))
	require.ErrorIs(t, err, ErrDuplicateOperation)
}
