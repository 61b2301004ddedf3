package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/referral/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recCols = `id, request_id, request_code, tier, episode_at, raised_at,
	acknowledged_at, acknowledged_by, notified_at, resolved_at, resolution`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec          Record
		ackBy, resol *string
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.RequestCode, &rec.Tier, &rec.EpisodeAt, &rec.RaisedAt,
		&rec.AcknowledgedAt, &ackBy, &rec.NotifiedAt, &rec.ResolvedAt, &resol)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ackBy != nil {
		rec.AcknowledgedBy = *ackBy
	}
	if resol != nil {
		rec.Resolution = *resol
	}
	return &rec, nil
}

// CreateIfAbsent relies on the episode key and the partial open-tier index;
// ON CONFLICT DO NOTHING covers both.
func (r *repoPG) CreateIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO escalation_record (id, request_id, request_code, tier, episode_at, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.RequestID, rec.RequestCode, rec.Tier, rec.EpisodeAt, rec.RaisedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert escalation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec.clone(), true, nil
	}
	existing, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recCols+` FROM escalation_record
		WHERE request_id = $1 AND tier = $2
		  AND (episode_at = $3 OR (acknowledged_at IS NULL AND resolved_at IS NULL))
		ORDER BY raised_at DESC LIMIT 1`, rec.RequestID, rec.Tier, rec.EpisodeAt))
	if err != nil {
		return nil, false, fmt.Errorf("load existing escalation: %w", err)
	}
	return existing, false, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recCols+` FROM escalation_record WHERE id = $1`, id))
}

func (r *repoPG) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (*Record, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_record SET acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND acknowledged_at IS NULL`, id, at, actor)
	if err != nil {
		return nil, fmt.Errorf("acknowledge escalation: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *repoPG) ResolveOpen(ctx context.Context, requestID uuid.UUID, resolution string, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_record SET resolved_at = $2, resolution = $3
		WHERE request_id = $1 AND acknowledged_at IS NULL AND resolved_at IS NULL`, requestID, at, resolution)
	if err != nil {
		return 0, fmt.Errorf("resolve escalations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE escalation_record SET notified_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark escalation notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*Record, error) {
	return r.query(ctx, `SELECT `+recCols+` FROM escalation_record WHERE request_id = $1 ORDER BY raised_at, tier`, requestID)
}

func (r *repoPG) ListOpen(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM escalation_record
		WHERE acknowledged_at IS NULL AND resolved_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count open escalations: %w", err)
	}
	items, err := r.query(ctx, `SELECT `+recCols+` FROM escalation_record
		WHERE acknowledged_at IS NULL AND resolved_at IS NULL
		ORDER BY raised_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
