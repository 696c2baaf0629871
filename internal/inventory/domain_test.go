package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func TestNewOperationValidatesPerType(t *testing.T) {
	base := MovementInput{
		BusinessID:  1,
		ProductID:   2,
		VariationID: 3,
		LocationID:  4,
		Qty:         decimal.NewFromInt(5),
		Reference:   Reference{Type: RefSale, ID: "S-1"},
		Actor:       shared.Actor{ID: 1},
	}

	op, err := NewOperation(MovementSale, base)
	require.NoError(t, err)
	require.True(t, op.Quantity.Equal(decimal.NewFromInt(-5)), "sales are stored negative")

	op, err = NewOperation(MovementTransferIn, base)
	require.NoError(t, err)
	require.True(t, op.Quantity.IsPositive())

	cases := map[string]struct {
		t      MovementType
		mutate func(*MovementInput)
	}{
		"unknown type":              {t: "gift", mutate: func(*MovementInput) {}},
		"purchase without cost":     {t: MovementPurchase, mutate: func(*MovementInput) {}},
		"negative cost":             {t: MovementPurchase, mutate: func(in *MovementInput) { in.UnitCost = decimal.NewNullDecimal(decimal.NewFromInt(-1)) }},
		"adjustment without reason": {t: MovementAdjustment, mutate: func(*MovementInput) {}},
		"zero adjustment":           {t: MovementAdjustment, mutate: func(in *MovementInput) { in.Qty = decimal.Zero; in.Reason = "x" }},
		"negative sale magnitude":   {t: MovementSale, mutate: func(in *MovementInput) { in.Qty = decimal.NewFromInt(-2) }},
		"missing reference":         {t: MovementSale, mutate: func(in *MovementInput) { in.Reference = Reference{} }},
		"missing actor":             {t: MovementSale, mutate: func(in *MovementInput) { in.Actor = shared.Actor{} }},
		"missing location":          {t: MovementSale, mutate: func(in *MovementInput) { in.LocationID = 0 }},
		"too many decimals":         {t: MovementSale, mutate: func(in *MovementInput) { in.Qty = decimal.RequireFromString("0.0000001") }},
	}
	for name, tc := range cases {
		in := base
		tc.mutate(&in)
		_, err := NewOperation(tc.t, in)
		require.ErrorIs(t, err, ErrInvalidOperation, name)
	}

	adj := base
	adj.Qty = decimal.NewFromInt(-2)
	adj.Reason = "breakage"
	op, err = NewOperation(MovementAdjustment, adj)
	require.NoError(t, err)
	require.True(t, op.Quantity.Equal(decimal.NewFromInt(-2)))
}

func TestEnforcesNonNegative(t *testing.T) {
	neg := decimal.NewFromInt(-1)
	pos := decimal.NewFromInt(1)
	require.True(t, MovementSale.EnforcesNonNegative(neg))
	require.True(t, MovementTransferOut.EnforcesNonNegative(neg))
	require.True(t, MovementAdjustment.EnforcesNonNegative(neg))
	require.False(t, MovementAdjustment.EnforcesNonNegative(pos))
	for _, mt := range []MovementType{MovementOpeningStock, MovementPurchase, MovementCustomerReturn, MovementTransferIn} {
		require.False(t, mt.EnforcesNonNegative(pos), mt)
	}
}

func TestIdempotencyKeyIncludesVariation(t *testing.T) {
	a := Operation{Type: MovementPurchase, Reference: Reference{Type: RefGoodsReceipt, ID: "1"}, LocationID: 1, VariationID: 1}
	b := a
	b.VariationID = 2
	require.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}
