package corrections

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

// Repository persists corrections in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type txRepo struct {
	inventory.TxRepository
	tx pgx.Tx
}

// WithTx executes fn in a read-committed transaction shared with stock writes.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("corrections repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
	return inventory.MapStoreError(err)
}

const correctionColumns = `id, business_id, product_id, variation_id, location_id, system_count, physical_count, difference,
reason, status, proposed_by, proposed_at, COALESCE(approved_by, 0) AS approved_by, approved_at, rejection_reason,
COALESCE(ledger_entry_id, 0) AS ledger_entry_id`

type correctionRow struct {
	ID              int64           `db:"id"`
	BusinessID      int64           `db:"business_id"`
	ProductID       int64           `db:"product_id"`
	VariationID     int64           `db:"variation_id"`
	LocationID      int64           `db:"location_id"`
	SystemCount     decimal.Decimal `db:"system_count"`
	PhysicalCount   decimal.Decimal `db:"physical_count"`
	Difference      decimal.Decimal `db:"difference"`
	Reason          string          `db:"reason"`
	Status          string          `db:"status"`
	ProposedBy      int64           `db:"proposed_by"`
	ProposedAt      time.Time       `db:"proposed_at"`
	ApprovedBy      int64           `db:"approved_by"`
	ApprovedAt      *time.Time      `db:"approved_at"`
	RejectionReason string          `db:"rejection_reason"`
	LedgerEntryID   int64           `db:"ledger_entry_id"`
}

func (row correctionRow) toDomain() Correction {
	return Correction{
		ID:              row.ID,
		BusinessID:      row.BusinessID,
		ProductID:       row.ProductID,
		VariationID:     row.VariationID,
		LocationID:      row.LocationID,
		SystemCount:     row.SystemCount,
		PhysicalCount:   row.PhysicalCount,
		Difference:      row.Difference,
		Reason:          row.Reason,
		Status:          Status(row.Status),
		ProposedBy:      row.ProposedBy,
		ProposedAt:      row.ProposedAt,
		ApprovedBy:      row.ApprovedBy,
		ApprovedAt:      row.ApprovedAt,
		RejectionReason: row.RejectionReason,
		LedgerEntryID:   row.LedgerEntryID,
	}
}

func loadCorrection(ctx context.Context, q pgxscan.Querier, id int64, forUpdate bool) (Correction, error) {
	query := `SELECT ` + correctionColumns + ` FROM inventory_corrections WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row correctionRow
	if err := pgxscan.Get(ctx, q, &row, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Correction{}, ErrNotFound
		}
		return Correction{}, err
	}
	return row.toDomain(), nil
}

// GetCorrection loads one correction.
func (r *Repository) GetCorrection(ctx context.Context, id int64) (Correction, error) {
	return loadCorrection(ctx, r.pool, id, false)
}

// ListCorrections returns one page of corrections and the total match count.
func (r *Repository) ListCorrections(ctx context.Context, filters ListFilters) ([]Correction, int, error) {
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
	countSQL, args, err := psql.Select("COUNT(*)").From("inventory_corrections").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	dataSQL, args, err := psql.Select(correctionColumns).From("inventory_corrections").Where(where).
		OrderBy("id DESC").
		Limit(uint64(filters.PerPage)).
		Offset(uint64((filters.Page - 1) * filters.PerPage)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []correctionRow
	if err := pgxscan.Select(ctx, r.pool, &rows, dataSQL, args...); err != nil {
		return nil, 0, err
	}
	out := make([]Correction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, total, nil
}

func (r *txRepo) CreateCorrection(ctx context.Context, c Correction) (Correction, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_corrections (business_id, product_id, variation_id, location_id, system_count, physical_count, difference, reason, status, proposed_by, proposed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		c.BusinessID, c.ProductID, c.VariationID, c.LocationID, c.SystemCount, c.PhysicalCount, c.Difference,
		c.Reason, string(c.Status), c.ProposedBy, c.ProposedAt).Scan(&c.ID)
	if err != nil {
		return Correction{}, err
	}
	return c, nil
}

func (r *txRepo) GetCorrectionForUpdate(ctx context.Context, id int64) (Correction, error) {
	return loadCorrection(ctx, r.tx, id, true)
}

func (r *txRepo) SetDecision(ctx context.Context, id int64, decision Decision) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_corrections SET status=$2, approved_by=$3, approved_at=$4, rejection_reason=$5,
ledger_entry_id=NULLIF($6::bigint, 0) WHERE id=$1 AND status='proposed'`,
		id, string(decision.Status), decision.ApprovedBy, decision.ApprovedAt, decision.Reason, decision.LedgerEntryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: correction %d is no longer proposed", ErrInvalidState, id)
	}
	return nil
}
