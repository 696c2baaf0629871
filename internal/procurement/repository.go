package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type txRepo struct {
	inventory.TxRepository
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction whose row locks wait at
// most lockTimeout.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
	return inventory.MapStoreError(err)
}

const grnColumns = `id, number, business_id, COALESCE(purchase_order_id, 0) AS purchase_order_id, supplier_id, location_id,
status, received_by, received_by_name, received_at, COALESCE(approved_by, 0) AS approved_by, approved_at,
rejection_reason, note, created_at`

type grnRow struct {
	ID              int64      `db:"id"`
	Number          string     `db:"number"`
	BusinessID      int64      `db:"business_id"`
	POID            int64      `db:"purchase_order_id"`
	SupplierID      int64      `db:"supplier_id"`
	LocationID      int64      `db:"location_id"`
	Status          string     `db:"status"`
	ReceivedBy      int64      `db:"received_by"`
	ReceivedByName  string     `db:"received_by_name"`
	ReceivedAt      time.Time  `db:"received_at"`
	ApprovedBy      int64      `db:"approved_by"`
	ApprovedAt      *time.Time `db:"approved_at"`
	RejectionReason string     `db:"rejection_reason"`
	Note            string     `db:"note"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (row grnRow) toDomain() GoodsReceipt {
	return GoodsReceipt{
		ID:              row.ID,
		Number:          row.Number,
		BusinessID:      row.BusinessID,
		POID:            row.POID,
		SupplierID:      row.SupplierID,
		LocationID:      row.LocationID,
		Status:          GRNStatus(row.Status),
		ReceivedBy:      row.ReceivedBy,
		ReceivedByName:  row.ReceivedByName,
		ReceivedAt:      row.ReceivedAt,
		ApprovedBy:      row.ApprovedBy,
		ApprovedAt:      row.ApprovedAt,
		RejectionReason: row.RejectionReason,
		Note:            row.Note,
		CreatedAt:       row.CreatedAt,
	}
}

type grnLineRow struct {
	ID            int64           `db:"id"`
	ReceiptID     int64           `db:"receipt_id"`
	ProductID     int64           `db:"product_id"`
	VariationID   int64           `db:"variation_id"`
	Qty           decimal.Decimal `db:"qty"`
	UnitCost      decimal.Decimal `db:"unit_cost"`
	SerialNumbers []string        `db:"serial_numbers"`
}

func (row grnLineRow) toDomain() GRNLine {
	return GRNLine{
		ID:            row.ID,
		GRNID:         row.ReceiptID,
		ProductID:     row.ProductID,
		VariationID:   row.VariationID,
		Qty:           row.Qty,
		UnitCost:      row.UnitCost,
		SerialNumbers: row.SerialNumbers,
	}
}

func loadGRN(ctx context.Context, q pgxscan.Querier, id int64, forUpdate bool) (GoodsReceipt, error) {
	query := `SELECT ` + grnColumns + ` FROM goods_receipts WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row grnRow
	if err := pgxscan.Get(ctx, q, &row, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return GoodsReceipt{}, ErrNotFound
		}
		return GoodsReceipt{}, err
	}
	var lines []grnLineRow
	err := pgxscan.Select(ctx, q, &lines, `SELECT id, receipt_id, product_id, variation_id, qty, unit_cost, serial_numbers
FROM goods_receipt_lines WHERE receipt_id=$1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	grn := row.toDomain()
	for _, line := range lines {
		grn.Lines = append(grn.Lines, line.toDomain())
	}
	return grn, nil
}

// GetGRN fetches a goods receipt with lines.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GoodsReceipt, error) {
	return loadGRN(ctx, r.pool, id, false)
}

// ListGRNs returns one page of receipt headers and the total match count.
func (r *Repository) ListGRNs(ctx context.Context, filters ListFilters) ([]GoodsReceipt, int, error) {
	where := sq.And{}
	if filters.BusinessID != 0 {
		where = append(where, sq.Eq{"business_id": filters.BusinessID})
	}
	if filters.Status != "" {
		where = append(where, sq.Eq{"status": string(filters.Status)})
	}
	if filters.LocationID != 0 {
		where = append(where, sq.Eq{"location_id": filters.LocationID})
	}
	if filters.SupplierID != 0 {
		where = append(where, sq.Eq{"supplier_id": filters.SupplierID})
	}
	if filters.Search != "" {
		where = append(where, sq.ILike{"number": "%" + filters.Search + "%"})
	}

	countSQL, args, err := psql.Select("COUNT(*)").From("goods_receipts").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, args, err := psql.Select(grnColumns).From("goods_receipts").Where(where).
		OrderBy("id DESC").
		Limit(uint64(filters.PerPage)).
		Offset(uint64((filters.Page - 1) * filters.PerPage)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []grnRow
	if err := pgxscan.Select(ctx, r.pool, &rows, dataSQL, args...); err != nil {
		return nil, 0, err
	}
	grns := make([]GoodsReceipt, 0, len(rows))
	for _, row := range rows {
		grns = append(grns, row.toDomain())
	}
	return grns, total, nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (r *txRepo) CreateGRN(ctx context.Context, grn GoodsReceipt) (GoodsReceipt, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, business_id, purchase_order_id, supplier_id, location_id, status, received_by, received_by_name, received_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id, created_at`,
		grn.Number, grn.BusinessID, nullableID(grn.POID), grn.SupplierID, grn.LocationID, string(grn.Status),
		grn.ReceivedBy, grn.ReceivedByName, grn.ReceivedAt, grn.Note).Scan(&grn.ID, &grn.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return GoodsReceipt{}, fmt.Errorf("%w: receipt number %s already used", ErrValidation, grn.Number)
		}
		return GoodsReceipt{}, err
	}
	for i := range grn.Lines {
		line := &grn.Lines[i]
		line.GRNID = grn.ID
		serials := line.SerialNumbers
		if serials == nil {
			serials = []string{}
		}
		err := r.tx.QueryRow(ctx, `INSERT INTO goods_receipt_lines (receipt_id, product_id, variation_id, qty, unit_cost, serial_numbers)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, grn.ID, line.ProductID, line.VariationID, line.Qty, line.UnitCost, serials).Scan(&line.ID)
		if err != nil {
			return GoodsReceipt{}, err
		}
	}
	return grn, nil
}

func (r *txRepo) GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, error) {
	return loadGRN(ctx, r.tx, id, true)
}

func (r *txRepo) SetGRNDecision(ctx context.Context, id int64, decision Decision) error {
	tag, err := r.tx.Exec(ctx, `UPDATE goods_receipts SET status=$2, approved_by=$3, approved_at=$4, rejection_reason=$5
WHERE id=$1 AND status='pending'`, id, string(decision.Status), decision.ApprovedBy, decision.ApprovedAt, decision.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: receipt %d is no longer pending", ErrInvalidState, id)
	}
	return nil
}
