package inventory

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

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// RepositoryPort abstracts storage for the coordinator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, key PositionKey) (StockPosition, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]StockPosition, error)
	ListKeys(ctx context.Context) ([]PositionKey, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)
	ListHistory(ctx context.Context, filter EntryFilter) ([]HistoryEntry, error)
}

// TxRepository exposes the operations that must share one atomic unit.
type TxRepository interface {
	// LockPosition returns the position for seed's key and holds its lock until the
	// unit of work ends. A missing position is created at zero.
	LockPosition(ctx context.Context, seed StockPosition) (StockPosition, error)
	// FindApplied returns the entry already recorded under key, if any.
	FindApplied(ctx context.Context, key IdempotencyKey) (LedgerEntry, HistoryEntry, bool, error)
	SavePosition(ctx context.Context, pos StockPosition) error
	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	InsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	EntriesByReference(ctx context.Context, refType ReferenceType, refID string) ([]LedgerEntry, error)
}

const idempotencyConstraint = "ux_stock_ledger_idempotency"

// MapStoreError translates Postgres failures into engine errors.
func MapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContention), errors.Is(err, ErrDuplicateOperation):
		return err
	case db.IsContention(err):
		return fmt.Errorf("%w: %v", ErrContention, err)
	case db.IsUniqueViolation(err) && db.ConstraintName(err) == idempotencyConstraint:
		return fmt.Errorf("%w: %v", ErrDuplicateOperation, err)
	}
	return err
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds row-lock waits.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx executes the callback inside a read-committed transaction with a bounded lock wait.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
	return MapStoreError(err)
}

type positionRow struct {
	VariationID  int64           `db:"variation_id"`
	LocationID   int64           `db:"location_id"`
	BusinessID   int64           `db:"business_id"`
	ProductID    int64           `db:"product_id"`
	QtyAvailable decimal.Decimal `db:"qty_available"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (row positionRow) toDomain() StockPosition {
	return StockPosition{
		BusinessID:   row.BusinessID,
		ProductID:    row.ProductID,
		VariationID:  row.VariationID,
		LocationID:   row.LocationID,
		QtyAvailable: row.QtyAvailable,
		UpdatedAt:    row.UpdatedAt,
	}
}

type entryRow struct {
	ID           int64               `db:"id"`
	BusinessID   int64               `db:"business_id"`
	ProductID    int64               `db:"product_id"`
	VariationID  int64               `db:"variation_id"`
	LocationID   int64               `db:"location_id"`
	MovementType string              `db:"movement_type"`
	Quantity     decimal.Decimal     `db:"quantity"`
	BalanceQty   decimal.Decimal     `db:"balance_qty"`
	UnitCost     decimal.NullDecimal `db:"unit_cost"`
	RefType      string              `db:"ref_type"`
	RefID        string              `db:"ref_id"`
	ActorID      int64               `db:"actor_id"`
	Note         string              `db:"note"`
	CreatedAt    time.Time           `db:"created_at"`
}

func (row entryRow) toDomain() LedgerEntry {
	return LedgerEntry{
		ID:          row.ID,
		BusinessID:  row.BusinessID,
		ProductID:   row.ProductID,
		VariationID: row.VariationID,
		LocationID:  row.LocationID,
		Type:        MovementType(row.MovementType),
		Quantity:    row.Quantity,
		BalanceQty:  row.BalanceQty,
		UnitCost:    row.UnitCost,
		RefType:     ReferenceType(row.RefType),
		RefID:       row.RefID,
		ActorID:     row.ActorID,
		Note:        row.Note,
		CreatedAt:   row.CreatedAt,
	}
}

type historyRow struct {
	ID            string              `db:"id"`
	LedgerEntryID int64               `db:"ledger_entry_id"`
	BusinessID    int64               `db:"business_id"`
	ProductID     int64               `db:"product_id"`
	VariationID   int64               `db:"variation_id"`
	LocationID    int64               `db:"location_id"`
	MovementType  string              `db:"movement_type"`
	Quantity      decimal.Decimal     `db:"quantity"`
	BalanceQty    decimal.Decimal     `db:"balance_qty"`
	UnitCost      decimal.NullDecimal `db:"unit_cost"`
	TotalValue    decimal.NullDecimal `db:"total_value"`
	RefType       string              `db:"ref_type"`
	RefID         string              `db:"ref_id"`
	RefNumber     string              `db:"ref_number"`
	ActorID       int64               `db:"actor_id"`
	ActorName     string              `db:"actor_name"`
	Reason        string              `db:"reason"`
	Note          string              `db:"note"`
	CreatedAt     time.Time           `db:"created_at"`
}

func (row historyRow) toDomain() HistoryEntry {
	return HistoryEntry{
		ID:            row.ID,
		LedgerEntryID: row.LedgerEntryID,
		BusinessID:    row.BusinessID,
		ProductID:     row.ProductID,
		VariationID:   row.VariationID,
		LocationID:    row.LocationID,
		Type:          MovementType(row.MovementType),
		Quantity:      row.Quantity,
		BalanceQty:    row.BalanceQty,
		UnitCost:      row.UnitCost,
		TotalValue:    row.TotalValue,
		RefType:       ReferenceType(row.RefType),
		RefID:         row.RefID,
		RefNumber:     row.RefNumber,
		ActorID:       row.ActorID,
		ActorName:     row.ActorName,
		Reason:        row.Reason,
		Note:          row.Note,
		CreatedAt:     row.CreatedAt,
	}
}

const (
	positionColumns = "variation_id, location_id, business_id, product_id, qty_available, updated_at"
	entryColumns    = "id, business_id, product_id, variation_id, location_id, movement_type, quantity, balance_qty, unit_cost, ref_type, ref_id, actor_id, note, created_at"
	historyColumns  = "id::text AS id, ledger_entry_id, business_id, product_id, variation_id, location_id, movement_type, quantity, balance_qty, unit_cost, total_value, ref_type, ref_id, ref_number, actor_id, actor_name, reason, note, created_at"
)

// GetPosition returns the committed position for key.
func (r *Repository) GetPosition(ctx context.Context, key PositionKey) (StockPosition, error) {
	var row positionRow
	err := pgxscan.Get(ctx, r.pool, &row, `SELECT `+positionColumns+` FROM stock_positions WHERE variation_id=$1 AND location_id=$2`, key.VariationID, key.LocationID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return StockPosition{}, ErrPositionNotFound
		}
		return StockPosition{}, err
	}
	return row.toDomain(), nil
}

// ListPositions lists positions matching filter.
func (r *Repository) ListPositions(ctx context.Context, filter PositionFilter) ([]StockPosition, error) {
	q := psql.Select(positionColumns).From("stock_positions").OrderBy("location_id", "variation_id")
	if filter.BusinessID != 0 {
		q = q.Where(sq.Eq{"business_id": filter.BusinessID})
	}
	if filter.LocationID != 0 {
		q = q.Where(sq.Eq{"location_id": filter.LocationID})
	}
	if filter.VariationID != 0 {
		q = q.Where(sq.Eq{"variation_id": filter.VariationID})
	}
	if filter.NonZeroOnly {
		q = q.Where(sq.NotEq{"qty_available": 0})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query, args, err := q.Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	positions := make([]StockPosition, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, row.toDomain())
	}
	return positions, nil
}

// ListKeys returns every position key.
func (r *Repository) ListKeys(ctx context.Context) ([]PositionKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT variation_id, location_id FROM stock_positions ORDER BY location_id, variation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []PositionKey
	for rows.Next() {
		var k PositionKey
		if err := rows.Scan(&k.VariationID, &k.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func entryFilterQuery(columns, table string, filter EntryFilter, idColumn string) sq.SelectBuilder {
	q := psql.Select(columns).From(table)
	if filter.VariationID != 0 {
		q = q.Where(sq.Eq{"variation_id": filter.VariationID})
	}
	if filter.LocationID != 0 {
		q = q.Where(sq.Eq{"location_id": filter.LocationID})
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		q = q.Where(sq.Eq{"movement_type": types})
	}
	if filter.RefType != "" {
		q = q.Where(sq.Eq{"ref_type": string(filter.RefType)})
	}
	if filter.RefID != "" {
		q = q.Where(sq.Eq{"ref_id": filter.RefID})
	}
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.LtOrEq{"created_at": filter.To})
	}
	if filter.AfterID > 0 {
		q = q.Where(sq.Gt{idColumn: filter.AfterID})
	}
	return q.OrderBy(idColumn + " ASC").Limit(uint64(filter.limit()))
}

// ListEntries returns ledger entries in creation order.
func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	query, args, err := entryFilterQuery(entryColumns, "stock_ledger_entries", filter, "id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	entries := make([]LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

// ListHistory returns history entries in creation order.
func (r *Repository) ListHistory(ctx context.Context, filter EntryFilter) ([]HistoryEntry, error) {
	query, args, err := entryFilterQuery(historyColumns, "stock_history", filter, "ledger_entry_id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []historyRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps a transaction opened by another module's repository so
// its stock writes join that transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) LockPosition(ctx context.Context, seed StockPosition) (StockPosition, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_positions (variation_id, location_id, business_id, product_id, qty_available, updated_at)
VALUES ($1,$2,$3,$4,0,NOW())
ON CONFLICT (variation_id, location_id) DO NOTHING`, seed.VariationID, seed.LocationID, seed.BusinessID, seed.ProductID); err != nil {
		return StockPosition{}, MapStoreError(err)
	}
	var row positionRow
	err := pgxscan.Get(ctx, r.tx, &row, `SELECT `+positionColumns+` FROM stock_positions WHERE variation_id=$1 AND location_id=$2 FOR UPDATE`, seed.VariationID, seed.LocationID)
	if err != nil {
		return StockPosition{}, MapStoreError(err)
	}
	return row.toDomain(), nil
}

func (r *txRepository) FindApplied(ctx context.Context, key IdempotencyKey) (LedgerEntry, HistoryEntry, bool, error) {
	var row entryRow
	err := pgxscan.Get(ctx, r.tx, &row, `SELECT `+entryColumns+` FROM stock_ledger_entries
WHERE movement_type=$1 AND ref_type=$2 AND ref_id=$3 AND location_id=$4 AND variation_id=$5`,
		string(key.Type), string(key.RefType), key.RefID, key.LocationID, key.VariationID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return LedgerEntry{}, HistoryEntry{}, false, nil
		}
		return LedgerEntry{}, HistoryEntry{}, false, MapStoreError(err)
	}
	var hist historyRow
	err = pgxscan.Get(ctx, r.tx, &hist, `SELECT `+historyColumns+` FROM stock_history WHERE ledger_entry_id=$1`, row.ID)
	if err != nil && !pgxscan.NotFound(err) {
		return LedgerEntry{}, HistoryEntry{}, false, MapStoreError(err)
	}
	return row.toDomain(), hist.toDomain(), true, nil
}

func (r *txRepository) SavePosition(ctx context.Context, pos StockPosition) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_positions SET qty_available=$3, updated_at=$4 WHERE variation_id=$1 AND location_id=$2`,
		pos.VariationID, pos.LocationID, pos.QtyAvailable, pos.UpdatedAt)
	return MapStoreError(err)
}

func (r *txRepository) InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger_entries
(business_id, product_id, variation_id, location_id, movement_type, quantity, balance_qty, unit_cost, ref_type, ref_id, actor_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,clock_timestamp())
RETURNING id, created_at`,
		entry.BusinessID, entry.ProductID, entry.VariationID, entry.LocationID, string(entry.Type),
		entry.Quantity, entry.BalanceQty, entry.UnitCost, string(entry.RefType), entry.RefID, entry.ActorID, entry.Note).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, MapStoreError(err)
	}
	return entry, nil
}

func (r *txRepository) InsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_history
(id, ledger_entry_id, business_id, product_id, variation_id, location_id, movement_type, quantity, balance_qty, unit_cost, total_value,
 ref_type, ref_id, ref_number, actor_id, actor_name, reason, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		entry.ID, entry.LedgerEntryID, entry.BusinessID, entry.ProductID, entry.VariationID, entry.LocationID, string(entry.Type),
		entry.Quantity, entry.BalanceQty, entry.UnitCost, entry.TotalValue,
		string(entry.RefType), entry.RefID, entry.RefNumber, entry.ActorID, entry.ActorName, entry.Reason, entry.Note, entry.CreatedAt)
	if err != nil {
		return HistoryEntry{}, MapStoreError(err)
	}
	return entry, nil
}

func (r *txRepository) EntriesByReference(ctx context.Context, refType ReferenceType, refID string) ([]LedgerEntry, error) {
	var rows []entryRow
	err := pgxscan.Select(ctx, r.tx, &rows, `SELECT `+entryColumns+` FROM stock_ledger_entries WHERE ref_type=$1 AND ref_id=$2 ORDER BY id ASC`, string(refType), refID)
	if err != nil {
		return nil, MapStoreError(err)
	}
	entries := make([]LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepository)(nil)
)
