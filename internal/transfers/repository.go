package transfers

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

// Repository persists transfers in PostgreSQL.
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
		return errors.New("transfers repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
	return inventory.MapStoreError(err)
}

const transferColumns = `id, number, business_id, source_location_id, destination_location_id, status, direct, note,
created_by, created_at, COALESCE(dispatched_by, 0) AS dispatched_by, dispatched_at,
COALESCE(received_by, 0) AS received_by, received_at`

type transferRow struct {
	ID                    int64      `db:"id"`
	Number                string     `db:"number"`
	BusinessID            int64      `db:"business_id"`
	SourceLocationID      int64      `db:"source_location_id"`
	DestinationLocationID int64      `db:"destination_location_id"`
	Status                string     `db:"status"`
	Direct                bool       `db:"direct"`
	Note                  string     `db:"note"`
	CreatedBy             int64      `db:"created_by"`
	CreatedAt             time.Time  `db:"created_at"`
	DispatchedBy          int64      `db:"dispatched_by"`
	DispatchedAt          *time.Time `db:"dispatched_at"`
	ReceivedBy            int64      `db:"received_by"`
	ReceivedAt            *time.Time `db:"received_at"`
}

func (row transferRow) toDomain() Transfer {
	return Transfer{
		ID:                    row.ID,
		Number:                row.Number,
		BusinessID:            row.BusinessID,
		SourceLocationID:      row.SourceLocationID,
		DestinationLocationID: row.DestinationLocationID,
		Status:                Status(row.Status),
		Direct:                row.Direct,
		Note:                  row.Note,
		CreatedBy:             row.CreatedBy,
		CreatedAt:             row.CreatedAt,
		DispatchedBy:          row.DispatchedBy,
		DispatchedAt:          row.DispatchedAt,
		ReceivedBy:            row.ReceivedBy,
		ReceivedAt:            row.ReceivedAt,
	}
}

type lineRow struct {
	ID          int64           `db:"id"`
	TransferID  int64           `db:"transfer_id"`
	ProductID   int64           `db:"product_id"`
	VariationID int64           `db:"variation_id"`
	Qty         decimal.Decimal `db:"qty"`
}

func loadTransfer(ctx context.Context, q pgxscan.Querier, id int64, forUpdate bool) (Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM stock_transfers WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row transferRow
	if err := pgxscan.Get(ctx, q, &row, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	var lines []lineRow
	err := pgxscan.Select(ctx, q, &lines, `SELECT id, transfer_id, product_id, variation_id, qty
FROM stock_transfer_lines WHERE transfer_id=$1 ORDER BY id`, id)
	if err != nil {
		return Transfer{}, err
	}
	t := row.toDomain()
	for _, l := range lines {
		t.Lines = append(t.Lines, Line{ID: l.ID, TransferID: l.TransferID, ProductID: l.ProductID, VariationID: l.VariationID, Qty: l.Qty})
	}
	return t, nil
}

// GetTransfer loads a transfer with lines.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	return loadTransfer(ctx, r.pool, id, false)
}

// ListTransfers returns one page of transfer headers and the total match count.
func (r *Repository) ListTransfers(ctx context.Context, filters ListFilters) ([]Transfer, int, error) {
	where := sq.And{}
	if filters.BusinessID != 0 {
		where = append(where, sq.Eq{"business_id": filters.BusinessID})
	}
	if filters.Status != "" {
		where = append(where, sq.Eq{"status": string(filters.Status)})
	}
	if filters.LocationID != 0 {
		where = append(where, sq.Or{
			sq.Eq{"source_location_id": filters.LocationID},
			sq.Eq{"destination_location_id": filters.LocationID},
		})
	}
	countSQL, args, err := psql.Select("COUNT(*)").From("stock_transfers").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	dataSQL, args, err := psql.Select(transferColumns).From("stock_transfers").Where(where).
		OrderBy("id DESC").
		Limit(uint64(filters.PerPage)).
		Offset(uint64((filters.Page - 1) * filters.PerPage)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []transferRow
	if err := pgxscan.Select(ctx, r.pool, &rows, dataSQL, args...); err != nil {
		return nil, 0, err
	}
	out := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, total, nil
}

// ListInTransitBefore returns in-transit transfers dispatched before cutoff, oldest first.
func (r *Repository) ListInTransitBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error) {
	var rows []transferRow
	err := pgxscan.Select(ctx, r.pool, &rows, `SELECT `+transferColumns+` FROM stock_transfers
WHERE status='in_transit' AND dispatched_at < $1 ORDER BY dispatched_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := loadTransfer(ctx, r.pool, row.ID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *txRepo) CreateTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfers (number, business_id, source_location_id, destination_location_id, status, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.Number, t.BusinessID, t.SourceLocationID, t.DestinationLocationID, string(t.Status), t.Note, t.CreatedBy, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Transfer{}, fmt.Errorf("%w: transfer number %s already used", ErrValidation, t.Number)
		}
		return Transfer{}, err
	}
	for i := range t.Lines {
		line := &t.Lines[i]
		line.TransferID = t.ID
		err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfer_lines (transfer_id, product_id, variation_id, qty)
VALUES ($1,$2,$3,$4) RETURNING id`, t.ID, line.ProductID, line.VariationID, line.Qty).Scan(&line.ID)
		if err != nil {
			return Transfer{}, err
		}
	}
	return t, nil
}

func (r *txRepo) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return loadTransfer(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateTransfer(ctx context.Context, t Transfer) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_transfers SET status=$2, direct=$3, dispatched_by=NULLIF($4::bigint, 0), dispatched_at=$5,
received_by=NULLIF($6::bigint, 0), received_at=$7 WHERE id=$1`,
		t.ID, string(t.Status), t.Direct, t.DispatchedBy, t.DispatchedAt, t.ReceivedBy, t.ReceivedAt)
	return err
}
