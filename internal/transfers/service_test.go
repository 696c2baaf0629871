package transfers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

var clerk = shared.Actor{ID: 21, Name: "Sari", BusinessID: 1}

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

// flakyLedger fails transfer_in legs while failIn is set.
type flakyLedger struct {
	*inventory.Service
	failIn atomic.Bool
}

func (l *flakyLedger) Apply(ctx context.Context, tx inventory.TxRepository, op inventory.Operation) (inventory.Result, error) {
	if op.Type == inventory.MovementTransferIn && l.failIn.Load() {
		return inventory.Result{}, errors.New("destination store offline")
	}
	return l.Service.Apply(ctx, tx, op)
}

type fixture struct {
	svc    *Service
	ledger *flakyLedger
	stock  *inventory.MemoryRepository
	repo   *MemoryRepository
	audit  *auditRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stock := inventory.NewMemoryRepository(2 * time.Second)
	ledger := &flakyLedger{Service: inventory.NewService(stock, nil, inventory.ServiceConfig{})}
	f := &fixture{ledger: ledger, stock: stock, repo: NewMemoryRepository(stock, 2*time.Second), audit: &auditRecorder{}}
	f.svc = NewService(f.repo, ledger, f.audit, shared.NewMemoryIdempotencyStore(), nil)
	return f
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (f *fixture) seed(t *testing.T, variationID, locationID int64, amount string) {
	t.Helper()
	_, err := f.ledger.PostOpeningStock(context.Background(), inventory.MovementInput{
		BusinessID: 1, ProductID: 100 + variationID, VariationID: variationID, LocationID: locationID, Qty: dec(amount), Actor: clerk,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, variationID, locationID int64) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), inventory.PositionKey{VariationID: variationID, LocationID: locationID})
	require.NoError(t, err)
	return bal
}

func (f *fixture) create(t *testing.T, lines ...LineInput) Transfer {
	t.Helper()
	tr, _, err := f.svc.CreateTransfer(context.Background(), CreateInput{SourceLocationID: 1, DestinationLocationID: 2, Actor: clerk, Lines: lines})
	require.NoError(t, err)
	return tr
}

func line(variationID int64, qty string) LineInput {
	return LineInput{ProductID: 100 + variationID, VariationID: variationID, Qty: dec(qty)}
}

func TestExecuteMovesStockWithBothLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "115")

	tr := f.create(t, line(1, "10"))
	require.Equal(t, StatusPending, tr.Status)
	require.True(t, f.balance(t, 1, 1).Equal(dec("115")))

	done, err := f.svc.Execute(ctx, tr.ID, clerk)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, done.Status)
	require.True(t, done.Direct)
	require.True(t, f.balance(t, 1, 1).Equal(dec("105")))
	require.True(t, f.balance(t, 1, 2).Equal(dec("10")))

	entries, err := f.ledger.FindEntries(ctx, inventory.RefTransfer, strconv.FormatInt(tr.ID, 10))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, inventory.MovementTransferOut, entries[0].Type)
	require.Equal(t, int64(1), entries[0].LocationID)
	require.True(t, entries[0].Quantity.Equal(dec("-10")))
	require.Equal(t, inventory.MovementTransferIn, entries[1].Type)
	require.Equal(t, int64(2), entries[1].LocationID)
	require.True(t, entries[0].Quantity.Add(entries[1].Quantity).IsZero())

	progress, err := f.svc.Progress(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, progress.Complete())
}

func TestDispatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "50")
	f.seed(t, 2, 1, "3")

	tr := f.create(t, line(1, "20"), line(2, "5"))
	_, err := f.svc.Dispatch(ctx, tr.ID, clerk)
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(2), insufficient.VariationID)
	require.True(t, insufficient.Shortfall().Equal(dec("2")))

	require.True(t, f.balance(t, 1, 1).Equal(dec("50")))
	stored, err := f.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	progress, err := f.svc.Progress(ctx, tr.ID)
	require.NoError(t, err)
	require.Zero(t, progress.OutLegs())
}

func TestTwoPhaseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "30")
	tr := f.create(t, line(1, "12"))

	moving, err := f.svc.Dispatch(ctx, tr.ID, clerk)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, moving.Status)
	require.NotNil(t, moving.DispatchedAt)
	require.True(t, f.balance(t, 1, 1).Equal(dec("18")))
	require.True(t, f.balance(t, 1, 2).IsZero())

	_, err = f.svc.Dispatch(ctx, tr.ID, clerk)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	_, err = f.svc.Cancel(ctx, tr.ID, clerk)
	require.ErrorIs(t, err, ErrInvalidState)

	received, err := f.svc.Receive(ctx, tr.ID, clerk)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Status)
	require.Equal(t, clerk.ID, received.ReceivedBy)
	require.True(t, f.balance(t, 1, 2).Equal(dec("12")))

	_, err = f.svc.Receive(ctx, tr.ID, clerk)
	require.ErrorIs(t, err, ErrInvalidState)
	require.True(t, f.balance(t, 1, 2).Equal(dec("12")))
}

func TestCancelPendingTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, line(1, "1"))

	_, err := f.svc.Receive(ctx, tr.ID, clerk)
	require.ErrorIs(t, err, ErrInvalidState)

	cancelled, err := f.svc.Cancel(ctx, tr.ID, clerk)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	_, err = f.svc.Dispatch(ctx, tr.ID, clerk)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReconcileCompletesMissingInLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "40")
	f.seed(t, 2, 1, "40")
	tr := f.create(t, line(1, "10"), line(2, "4"))

	f.ledger.failIn.Store(true)
	stuck, err := f.svc.Execute(ctx, tr.ID, clerk)
	require.Error(t, err)
	require.Equal(t, StatusInTransit, stuck.Status)
	require.True(t, f.balance(t, 1, 1).Equal(dec("30")))
	require.True(t, f.balance(t, 1, 2).IsZero())

	progress, err := f.svc.Progress(ctx, tr.ID)
	require.NoError(t, err)
	require.False(t, progress.Complete(), "out without in must never look complete")
	require.Equal(t, 2, progress.OutLegs())
	require.Zero(t, progress.InLegs())

	f.ledger.failIn.Store(false)
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := f.svc.Reconcile(ctx, tr.ID, clerk)
			return err
		})
	}
	require.NoError(t, g.Wait())

	progress, err = f.svc.Progress(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, progress.Complete())
	require.Equal(t, StatusReceived, progress.Transfer.Status)
	require.True(t, f.balance(t, 1, 2).Equal(dec("10")))
	require.True(t, f.balance(t, 2, 2).Equal(dec("4")))

	entries, err := f.ledger.FindEntries(ctx, inventory.RefTransfer, strconv.FormatInt(tr.ID, 10))
	require.NoError(t, err)
	require.Len(t, entries, 4)
}

func TestReconcileCallerCancellationDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "20")
	tr := f.create(t, line(1, "6"))

	f.ledger.failIn.Store(true)
	_, err := f.svc.Execute(ctx, tr.ID, clerk)
	require.Error(t, err)
	f.ledger.failIn.Store(false)

	// hold the destination so the shared run blocks on the in leg
	holder := f.stock.Begin()
	_, err = holder.LockPosition(ctx, inventory.StockPosition{BusinessID: 1, ProductID: 101, VariationID: 1, LocationID: 2})
	require.NoError(t, err)

	first, cancelFirst := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Reconcile(first, tr.ID, clerk)
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	type outcome struct {
		progress Progress
		err      error
	}
	second := make(chan outcome, 1)
	go func() {
		p, err := f.svc.Reconcile(ctx, tr.ID, clerk)
		second <- outcome{p, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	holder.Rollback()

	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, StatusReceived, res.progress.Transfer.Status)
	require.True(t, res.progress.Complete())
	require.True(t, f.balance(t, 1, 2).Equal(dec("6")))

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	for _, log := range f.audit.logs {
		require.NotEqual(t, shared.AuditTransferReconciliationFailed, log.Action)
	}
}

func TestReconcileCompletesLegsInVariationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "10")
	f.seed(t, 2, 1, "10")
	f.seed(t, 3, 1, "10")
	tr := f.create(t, line(3, "1"), line(1, "1"), line(2, "1"))

	f.ledger.failIn.Store(true)
	_, err := f.svc.Execute(ctx, tr.ID, clerk)
	require.Error(t, err)
	f.ledger.failIn.Store(false)

	_, err = f.svc.Reconcile(ctx, tr.ID, clerk)
	require.NoError(t, err)

	entries, err := f.ledger.FindEntries(ctx, inventory.RefTransfer, strconv.FormatInt(tr.ID, 10))
	require.NoError(t, err)
	var in []int64
	for _, e := range entries {
		if e.Type == inventory.MovementTransferIn {
			in = append(in, e.VariationID)
		}
	}
	require.Equal(t, []int64{1, 2, 3}, in)
}

func TestReconcileLeavesOrdinaryTransitAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "5")
	tr := f.create(t, line(1, "5"))
	_, err := f.svc.Dispatch(ctx, tr.ID, clerk)
	require.NoError(t, err)

	progress, err := f.svc.Reconcile(ctx, tr.ID, clerk)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, progress.Transfer.Status)
	require.Equal(t, 1, progress.OutLegs())
	require.Zero(t, progress.InLegs())
	require.True(t, f.balance(t, 1, 2).IsZero())
}

func TestReconcileReportsInconsistentLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, line(1, "3"))

	// an in leg booked against a transfer that never left the source
	_, err := f.ledger.Mutate(ctx, inventory.Operation{
		BusinessID: 1, ProductID: 101, VariationID: 1, LocationID: 2,
		Type:      inventory.MovementTransferIn,
		Quantity:  dec("3"),
		Reference: inventory.Reference{Type: inventory.RefTransfer, ID: strconv.FormatInt(tr.ID, 10)},
		Actor:     clerk,
	})
	require.NoError(t, err)

	_, err = f.svc.Reconcile(ctx, tr.ID, clerk)
	var recErr *ReconciliationError
	require.ErrorAs(t, err, &recErr)
	require.ErrorIs(t, err, ErrReconciliation)
	require.Equal(t, tr.ID, recErr.TransferID)
	require.NotEmpty(t, recErr.Issues)

	require.Len(t, f.audit.logs, 1)
	require.Equal(t, shared.AuditTransferReconciliationFailed, f.audit.logs[0].Action)
	require.Equal(t, strconv.FormatInt(tr.ID, 10), f.audit.logs[0].EntityID)
}

func TestConcurrentDispatchNeverOversells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "100")
	first := f.create(t, line(1, "60"))
	second := f.create(t, line(1, "60"))

	var ok, short atomic.Int32
	var g errgroup.Group
	for _, id := range []int64{first.ID, second.ID} {
		g.Go(func() error {
			_, err := f.svc.Dispatch(ctx, id, clerk)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(1), short.Load())
	require.True(t, f.balance(t, 1, 1).Equal(dec("40")))
}

func TestListStaleReturnsOverdueTransit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1, 1, "10")
	tr := f.create(t, line(1, "2"))
	f.create(t, line(1, "2"))
	_, err := f.svc.Dispatch(ctx, tr.ID, clerk)
	require.NoError(t, err)

	stale, err := f.svc.ListStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	stale, err = f.svc.ListStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, tr.ID, stale[0].ID)
	require.Len(t, stale[0].Lines, 1)
}

func TestCreateTransferValidationAndIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateTransfer(ctx, CreateInput{SourceLocationID: 1, DestinationLocationID: 1, Actor: clerk, Lines: []LineInput{line(1, "1")}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = f.svc.CreateTransfer(ctx, CreateInput{SourceLocationID: 1, DestinationLocationID: 2, Actor: clerk, Lines: []LineInput{line(1, "1"), line(1, "2")}})
	require.ErrorIs(t, err, ErrValidation)
	_, _, err = f.svc.CreateTransfer(ctx, CreateInput{SourceLocationID: 1, DestinationLocationID: 2, Actor: clerk, Lines: []LineInput{line(1, "-1")}})
	require.ErrorIs(t, err, ErrValidation)

	in := CreateInput{IdempotencyKey: "trf-1", SourceLocationID: 1, DestinationLocationID: 2, Actor: clerk, Lines: []LineInput{line(1, "1")}}
	first, replayed, err := f.svc.CreateTransfer(ctx, in)
	require.NoError(t, err)
	require.False(t, replayed)
	again, replayed, err := f.svc.CreateTransfer(ctx, in)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first.ID, again.ID)

	items, page, err := f.svc.ListTransfers(ctx, ListFilters{LocationID: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, page.Total)
}

func TestMissingTransferIsReferenceNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Execute(ctx, 999, clerk)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, inventory.ErrReferenceNotFound)
	_, err = f.svc.Reconcile(ctx, 999, clerk)
	require.ErrorIs(t, err, inventory.ErrReferenceNotFound)
}
