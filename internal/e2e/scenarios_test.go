package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/audit"
	"github.com/odyssey-erp/stockledger/internal/corrections"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/procurement"
	"github.com/odyssey-erp/stockledger/internal/shared"
	_ "github.com/odyssey-erp/stockledger/internal/testing/guard"
	"github.com/odyssey-erp/stockledger/internal/transfers"
)

const (
	product   = 501
	variation = 7
	location1 = 1
	location2 = 2
)

type actorHeaders struct {
	id   string
	name string
}

var (
	clerk    = actorHeaders{id: "21", name: "Rina"}
	manager  = actorHeaders{id: "22", name: "Budi"}
	business = "1"
)

type stack struct {
	t        *testing.T
	router   http.Handler
	services *app.Services
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &app.Config{
		AppEnv:                   "test",
		AppRequestTimeout:        10 * time.Second,
		StoreDriver:              app.StoreMemory,
		StockLockTimeout:         2 * time.Second,
		StockRetryAttempts:       3,
		StockRetryBackoff:        10 * time.Millisecond,
		LargeAdjustmentThreshold: decimal.NewFromInt(100),
	}
	services, err := app.BuildServices(app.ServiceDeps{Config: cfg, Logger: logger})
	require.NoError(t, err)
	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		InventoryHandler:  inventory.NewHandler(logger, services.Ledger),
		ReceiptHandler:    procurement.NewHandler(logger, services.Receipts),
		TransferHandler:   transfers.NewHandler(logger, services.Transfers),
		CorrectionHandler: corrections.NewHandler(logger, services.Corrections),
		AuditHandler:      audit.NewHandler(logger, services.Audit),
		MutationLimit:     10_000,
	})
	return &stack{t: t, router: router, services: services}
}

func (s *stack) do(method, path string, actor actorHeaders, body any, out any) int {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "/api/v1"+path, reader)
	if actor.id != "" {
		req.Header.Set(app.HeaderActorID, actor.id)
		req.Header.Set(app.HeaderActorName, actor.name)
		req.Header.Set(app.HeaderBusinessID, business)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

type entry struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	BalanceQty decimal.Decimal `json:"balance_qty"`
	RefType    string          `json:"ref_type"`
	RefID      string          `json:"ref_id"`
}

type historyRow struct {
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
	RefType  string          `json:"ref_type"`
}

func (s *stack) balance(loc int64) decimal.Decimal {
	s.t.Helper()
	var pos struct {
		QtyAvailable decimal.Decimal `json:"qty_available"`
	}
	code := s.do(http.MethodGet, "/inventory/positions/"+strconv.Itoa(variation)+"/"+strconv.FormatInt(loc, 10), actorHeaders{}, nil, &pos)
	require.Equal(s.t, http.StatusOK, code)
	return pos.QtyAvailable
}

func (s *stack) entries(loc int64, movement string) []entry {
	s.t.Helper()
	var out struct {
		Entries []entry `json:"entries"`
	}
	path := "/inventory/positions/" + strconv.Itoa(variation) + "/" + strconv.FormatInt(loc, 10) + "/entries"
	if movement != "" {
		path += "?type=" + movement
	}
	require.Equal(s.t, http.StatusOK, s.do(http.MethodGet, path, actorHeaders{}, nil, &out))
	return out.Entries
}

func (s *stack) requireConsistent(loc int64) {
	s.t.Helper()
	var out struct {
		Consistent    bool     `json:"consistent"`
		Discrepancies []string `json:"discrepancies"`
	}
	path := "/inventory/positions/" + strconv.Itoa(variation) + "/" + strconv.FormatInt(loc, 10) + "/integrity"
	require.Equal(s.t, http.StatusOK, s.do(http.MethodGet, path, actorHeaders{}, nil, &out))
	require.True(s.t, out.Consistent, "%v", out.Discrepancies)
}

func mutation(movement, refType, refID, qty string, loc int64) map[string]any {
	return map[string]any{
		"type":         movement,
		"product_id":   product,
		"variation_id": variation,
		"location_id":  loc,
		"qty":          qty,
		"reference":    map[string]any{"type": refType, "id": refID},
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// Opening stock, receipt, sale with a duplicate, transfer and correction run
// in sequence against one position, checking the ledger after each step.
func TestStockLifecycle(t *testing.T) {
	s := newStack(t)

	// 1. opening stock
	var res struct {
		Entry      entry           `json:"entry"`
		NewBalance decimal.Decimal `json:"new_balance"`
		Replayed   bool            `json:"replayed"`
	}
	code := s.do(http.MethodPost, "/inventory/mutations", clerk, mutation("opening_stock", "opening_stock", "open-1", "100", location1), &res)
	require.Equal(t, http.StatusCreated, code)
	opening := s.entries(location1, "")
	require.Len(t, opening, 1)
	require.Equal(t, "opening_stock", opening[0].Type)
	require.True(t, opening[0].Quantity.Equal(dec("100")))
	require.True(t, opening[0].BalanceQty.Equal(dec("100")))

	// 2. purchase receipt approved
	var grn struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	code = s.do(http.MethodPost, "/receipts/", clerk, map[string]any{
		"purchase_order_id": 88,
		"supplier_id":       4,
		"location_id":       location1,
		"lines":             []map[string]any{{"product_id": product, "variation_id": variation, "qty": "20", "unit_cost": "12.5"}},
	}, &grn)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, s.balance(location1).Equal(dec("100")), "pending receipt must not move stock")

	grnPath := "/receipts/" + strconv.FormatInt(grn.ID, 10)
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, grnPath+"/approve", clerk, nil, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, grnPath+"/approve", manager, nil, &grn))
	require.Equal(t, "approved", grn.Status)
	purchases := s.entries(location1, "purchase")
	require.Len(t, purchases, 1)
	require.True(t, purchases[0].Quantity.Equal(dec("20")))
	require.True(t, s.balance(location1).Equal(dec("120")))
	require.Equal(t, http.StatusConflict, s.do(http.MethodPost, grnPath+"/approve", manager, nil, nil))

	// 3. sale and its duplicate
	code = s.do(http.MethodPost, "/inventory/mutations", clerk, mutation("sale", "sale", "INV-1", "5", location1), &res)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, res.NewBalance.Equal(dec("115")))
	code = s.do(http.MethodPost, "/inventory/mutations", clerk, mutation("sale", "sale", "INV-1", "5", location1), &res)
	require.Equal(t, http.StatusOK, code)
	require.True(t, res.Replayed)
	require.Len(t, s.entries(location1, "sale"), 1)
	require.True(t, s.balance(location1).Equal(dec("115")))

	// 4. transfer location1 -> location2
	var tr struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	code = s.do(http.MethodPost, "/transfers/", clerk, map[string]any{
		"source_location_id":      location1,
		"destination_location_id": location2,
		"lines":                   []map[string]any{{"product_id": product, "variation_id": variation, "qty": "10"}},
	}, &tr)
	require.Equal(t, http.StatusCreated, code)
	code = s.do(http.MethodPost, "/transfers/"+strconv.FormatInt(tr.ID, 10)+"/execute", clerk, nil, &tr)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "received", tr.Status)
	require.True(t, s.balance(location1).Equal(dec("105")))
	require.True(t, s.balance(location2).Equal(dec("10")))
	out := s.entries(location1, "transfer_out")
	in := s.entries(location2, "transfer_in")
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	require.True(t, out[0].Quantity.Equal(dec("-10")))
	require.True(t, in[0].Quantity.Equal(dec("10")))
	require.True(t, out[0].Quantity.Add(in[0].Quantity).IsZero())

	// 5. correction for 3 damaged units
	var corr struct {
		ID            int64           `json:"id"`
		Difference    decimal.Decimal `json:"difference"`
		LedgerEntryID int64           `json:"ledger_entry_id"`
	}
	code = s.do(http.MethodPost, "/corrections/", clerk, map[string]any{
		"product_id":     product,
		"variation_id":   variation,
		"location_id":    location1,
		"physical_count": "102",
		"reason":         "3 units damaged in storage",
	}, &corr)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, corr.Difference.Equal(dec("-3")))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/corrections/"+strconv.FormatInt(corr.ID, 10)+"/approve", manager, nil, &corr))
	adjustments := s.entries(location1, "adjustment")
	require.Len(t, adjustments, 1)
	require.True(t, adjustments[0].Quantity.Equal(dec("-3")))
	require.Equal(t, corr.LedgerEntryID, adjustments[0].ID)
	require.True(t, s.balance(location1).Equal(dec("102")))

	var hist struct {
		History []historyRow `json:"history"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/inventory/history?ref_type=inventory_correction&ref_id="+strconv.FormatInt(corr.ID, 10), actorHeaders{}, nil, &hist))
	require.Len(t, hist.History, 1)
	require.Equal(t, "3 units damaged in storage", hist.History[0].Reason)

	s.requireConsistent(location1)
	s.requireConsistent(location2)
}

// Concurrent sales of 2 and 3 against a balance of 4: one succeeds, the other
// fails with insufficient stock.
func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	actor := shared.Actor{ID: 21, Name: "Rina", BusinessID: 1}
	_, err := s.services.Ledger.PostOpeningStock(ctx, inventory.MovementInput{
		BusinessID: 1, ProductID: product, VariationID: variation, LocationID: location1, Qty: dec("4"), Actor: actor,
	})
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		if round > 0 {
			// top the position back up to 4
			bal, err := s.services.Ledger.GetBalance(ctx, inventory.PositionKey{VariationID: variation, LocationID: location1})
			require.NoError(t, err)
			_, err = s.services.Ledger.PostAdjustment(ctx, inventory.MovementInput{
				BusinessID: 1, ProductID: product, VariationID: variation, LocationID: location1,
				Qty: dec("4").Sub(bal), Actor: actor, Reason: "reset",
				Reference: inventory.Reference{Type: inventory.RefCorrection, ID: "reset-" + strconv.Itoa(round)},
			})
			require.NoError(t, err)
		}

		qtys := []string{"2", "3"}
		errs := make([]error, len(qtys))
		var g errgroup.Group
		for i, q := range qtys {
			g.Go(func() error {
				_, errs[i] = s.services.Ledger.PostSale(ctx, inventory.MovementInput{
					BusinessID: 1, ProductID: product, VariationID: variation, LocationID: location1, Qty: dec(q), Actor: actor,
					Reference: inventory.Reference{Type: inventory.RefSale, ID: "R" + strconv.Itoa(round) + "-" + q},
				})
				return nil
			})
		}
		require.NoError(t, g.Wait())

		succeeded := 0
		sold := decimal.Zero
		for i, err := range errs {
			if err == nil {
				succeeded++
				sold = sold.Add(dec(qtys[i]))
				continue
			}
			var insufficient *inventory.InsufficientStockError
			require.True(t, errors.As(err, &insufficient), "round %d: %v", round, err)
			require.ErrorIs(t, err, inventory.ErrInsufficientStock)
		}
		require.Equal(t, 1, succeeded, "round %d", round)
		bal, err := s.services.Ledger.GetBalance(ctx, inventory.PositionKey{VariationID: variation, LocationID: location1})
		require.NoError(t, err)
		require.True(t, bal.Equal(dec("4").Sub(sold)), "round %d balance %s", round, bal)
		require.True(t, bal.Equal(dec("1")) || bal.Equal(dec("2")))
	}

	discrepancies, err := s.services.Ledger.CheckIntegrity(ctx, inventory.PositionKey{VariationID: variation, LocationID: location1})
	require.NoError(t, err)
	require.Empty(t, discrepancies)
}

// Insufficient stock surfaces as a 422 naming the shortfall and leaves the
// ledger untouched.
func TestInsufficientStockResponse(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/inventory/mutations", clerk, mutation("opening_stock", "opening_stock", "open-1", "4", location1), nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/mutations", bytes.NewReader(mustJSON(t, mutation("sale", "sale", "INV-9", "6", location1))))
	req.Header.Set(app.HeaderActorID, clerk.id)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem struct {
		Fields map[string]any `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "2", problem.Fields["shortfall"])

	require.Len(t, s.entries(location1, ""), 1)
	require.True(t, s.balance(location1).Equal(dec("4")))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestRejectedReceiptAppearsOnAuditTimeline(t *testing.T) {
	s := newStack(t)
	var grn struct {
		ID int64 `json:"id"`
	}
	code := s.do(http.MethodPost, "/receipts/", clerk, map[string]any{
		"purchase_order_id": 91,
		"supplier_id":       4,
		"location_id":       location1,
		"lines":             []map[string]any{{"product_id": product, "variation_id": variation, "qty": "3", "unit_cost": "9"}},
	}, &grn)
	require.Equal(t, http.StatusCreated, code)
	grnID := strconv.FormatInt(grn.ID, 10)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/receipts/"+grnID+"/reject", manager, map[string]any{"reason": "wrong supplier"}, nil))

	var timeline struct {
		Rows []struct {
			ActorID  int64          `json:"actor_id"`
			Action   string         `json:"action"`
			EntityID string         `json:"entity_id"`
			Meta     map[string]any `json:"meta"`
		} `json:"rows"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/audit/timeline?entity=goods_receipt&entity_id="+grnID, actorHeaders{}, nil, &timeline))
	require.Len(t, timeline.Rows, 1)
	require.Equal(t, shared.AuditReceiptRejected, timeline.Rows[0].Action)
	require.Equal(t, int64(22), timeline.Rows[0].ActorID)
	require.Equal(t, "wrong supplier", timeline.Rows[0].Meta["reason"])
}
