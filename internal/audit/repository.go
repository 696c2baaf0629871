package audit

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresRepository reads audit_logs.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres timeline store.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

type auditRow struct {
	ID         int64     `db:"id"`
	ActorID    int64     `db:"actor_id"`
	Action     string    `db:"action"`
	Entity     string    `db:"entity"`
	EntityID   string    `db:"entity_id"`
	Meta       []byte    `db:"meta"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Window implements Repository.
func (r *PostgresRepository) Window(ctx context.Context, params WindowParams) ([]TimelineRow, error) {
	q := psql.Select("id", "actor_id", "action", "entity", "entity_id", "meta", "occurred_at").
		From("audit_logs").
		OrderBy("occurred_at DESC", "id DESC")
	if !params.From.IsZero() {
		q = q.Where(sq.GtOrEq{"occurred_at": params.From})
	}
	if !params.To.IsZero() {
		q = q.Where(sq.Lt{"occurred_at": params.To})
	}
	if params.ActorID != 0 {
		q = q.Where(sq.Eq{"actor_id": params.ActorID})
	}
	if params.Entity != "" {
		q = q.Where(sq.Eq{"entity": params.Entity})
	}
	if params.EntityID != "" {
		q = q.Where(sq.Eq{"entity_id": params.EntityID})
	}
	if params.Action != "" {
		q = q.Where(sq.Eq{"action": params.Action})
	}
	if params.Limit > 0 {
		q = q.Limit(uint64(params.Limit))
	}
	if params.Offset > 0 {
		q = q.Offset(uint64(params.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []auditRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]TimelineRow, 0, len(rows))
	for _, row := range rows {
		tl := TimelineRow{ID: row.ID, At: row.OccurredAt, ActorID: row.ActorID, Action: row.Action, Entity: row.Entity, EntityID: row.EntityID}
		if len(row.Meta) > 0 {
			_ = json.Unmarshal(row.Meta, &tl.Meta)
		}
		out = append(out, tl)
	}
	return out, nil
}
