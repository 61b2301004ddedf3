package referral

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/referral/internal/domain/scoring"
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

const reqCols = `id, code, patient_age, justification, specialty, origin_clinic, submitted_by,
	priority, score, scoring_failure, state, decision_id, sequence, reopen_count,
	submitted_at, opened_at, deadline_at, decided_at, submission_token, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		req   Request
		token *string
	)
	err := row.Scan(&req.ID, &req.Code, &req.PatientAge, &req.Justification, &req.Specialty,
		&req.OriginClinic, &req.SubmittedBy,
		&req.Priority, &req.Score, &req.ScoringFailure, &req.State, &req.DecisionID, &req.Sequence, &req.ReopenCount,
		&req.SubmittedAt, &req.OpenedAt, &req.DeadlineAt, &req.DecidedAt, &token, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if token != nil {
		req.SubmissionToken = *token
	}
	return &req, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) NextSequence(ctx context.Context, year int) (int64, error) {
	var v int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO referral_code_counter (year, value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET value = referral_code_counter.value + 1
		RETURNING value`, year).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next referral sequence: %w", err)
	}
	return v, nil
}

func (r *repoPG) Create(ctx context.Context, req *Request, t *Transition) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO referral_request (id, code, patient_age, justification, specialty, origin_clinic, submitted_by,
				priority, score, scoring_failure, state, decision_id, sequence, reopen_count,
				submitted_at, opened_at, deadline_at, decided_at, submission_token, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			req.ID, req.Code, req.PatientAge, req.Justification, req.Specialty, req.OriginClinic, req.SubmittedBy,
			req.Priority, req.Score, req.ScoringFailure, req.State, req.DecisionID, req.Sequence, req.ReopenCount,
			req.SubmittedAt, req.OpenedAt, req.DeadlineAt, req.DecidedAt, nullable(req.SubmissionToken),
			req.CreatedAt, req.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "referral_request_submission_token_key") {
				return ErrDuplicateToken
			}
			return fmt.Errorf("insert referral: %w", err)
		}
		if t != nil {
			if err := r.insertTransition(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+reqCols+` FROM referral_request WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+reqCols+` FROM referral_request WHERE code = $1`, code))
}

func (r *repoPG) GetBySubmissionToken(ctx context.Context, token string) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+reqCols+` FROM referral_request WHERE submission_token = $1`, token))
}

func (r *repoPG) Apply(ctx context.Context, ch Change) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		req := ch.Request
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE referral_request SET priority=$3, score=$4, scoring_failure=$5, state=$6, decision_id=$7,
				sequence=$8, reopen_count=$9, opened_at=$10, deadline_at=$11, decided_at=$12, updated_at=$13
			WHERE id = $1 AND sequence = $2`,
			req.ID, ch.ExpectedSequence, req.Priority, req.Score, req.ScoringFailure, req.State, req.DecisionID,
			req.Sequence, req.ReopenCount, req.OpenedAt, req.DeadlineAt, req.DecidedAt, req.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update referral: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		if d := ch.Decision; d != nil {
			_, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO referral_decision (id, request_id, outcome, reviewer_id, justification, decided_at,
					automatic, guidance_message, estimated_time_to_service, sequence)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				d.ID, d.RequestID, d.Outcome, d.ReviewerID, d.Justification, d.DecidedAt,
				d.Automatic, d.GuidanceMessage, d.EstimatedTimeToService, d.Sequence)
			if err != nil {
				return fmt.Errorf("insert decision: %w", err)
			}
		}
		if ch.Transition != nil {
			if err := r.insertTransition(ctx, ch.Transition); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repoPG) insertTransition(ctx context.Context, t *Transition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_transition (request_id, sequence, action, from_state, to_state, actor, reason,
			idempotency_token, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.RequestID, t.Sequence, t.Action, t.From, t.To, t.Actor, t.Reason, nullable(t.IdempotencyToken), t.At)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrConflict
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

const transitionCols = `request_id, sequence, action, from_state, to_state, actor, reason, idempotency_token, at`

func scanTransition(row pgx.Row) (*Transition, error) {
	var (
		t     Transition
		token *string
	)
	if err := row.Scan(&t.RequestID, &t.Sequence, &t.Action, &t.From, &t.To, &t.Actor, &t.Reason, &token, &t.At); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if token != nil {
		t.IdempotencyToken = *token
	}
	return &t, nil
}

func (r *repoPG) FindTransition(ctx context.Context, requestID uuid.UUID, token string) (*Transition, error) {
	return scanTransition(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transitionCols+` FROM referral_transition WHERE request_id = $1 AND idempotency_token = $2`,
		requestID, token))
}

func (r *repoPG) ListTransitions(ctx context.Context, requestID uuid.UUID) ([]*Transition, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+transitionCols+` FROM referral_transition WHERE request_id = $1 ORDER BY sequence`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*Decision, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, request_id, outcome, reviewer_id, justification, decided_at,
			automatic, guidance_message, estimated_time_to_service, sequence
		FROM referral_decision WHERE request_id = $1 ORDER BY sequence`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.RequestID, &d.Outcome, &d.ReviewerID, &d.Justification, &d.DecidedAt,
			&d.Automatic, &d.GuidanceMessage, &d.EstimatedTimeToService, &d.Sequence); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPending(ctx context.Context, q PendingQuery) ([]*Request, error) {
	query := `SELECT ` + reqCols + ` FROM referral_request
		WHERE state IN ('OPEN', 'REOPENED') AND priority = $1`
	args := []interface{}{q.Priority}
	if !q.OpenedBy.IsZero() {
		args = append(args, q.OpenedBy)
		query += fmt.Sprintf(` AND opened_at <= $%d`, len(args))
	}
	if q.After != nil {
		args = append(args, q.After.OpenedAt, q.After.Code)
		query += fmt.Sprintf(` AND (opened_at, code) > ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY opened_at, code`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return r.queryRequests(ctx, query, args...)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.State != "" {
		where += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, f.State)
		idx++
	}
	if f.Priority != "" {
		where += fmt.Sprintf(` AND priority = $%d`, idx)
		args = append(args, f.Priority)
		idx++
	}
	if f.Specialty != "" {
		where += fmt.Sprintf(` AND lower(specialty) = lower($%d)`, idx)
		args = append(args, f.Specialty)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM referral_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + reqCols + ` FROM referral_request` + where +
		fmt.Sprintf(` ORDER BY submitted_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	items, err := r.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, req)
	}
	return items, rows.Err()
}
