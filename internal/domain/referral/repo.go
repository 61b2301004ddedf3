package referral

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/referral/internal/domain/scoring"
)

// Change is one atomic transition: the new request row, the sequence it must
// replace, the history entry and an optional new Decision.
type Change struct {
	Request          *Request
	ExpectedSequence int
	Transition       *Transition
	Decision         *Decision
}

type Repository interface {
	// NextSequence returns the next per-year code counter value.
	NextSequence(ctx context.Context, year int) (int64, error)
	// Create stores a new request with its submit transition.
	Create(ctx context.Context, req *Request, t *Transition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	GetByCode(ctx context.Context, code string) (*Request, error)
	GetBySubmissionToken(ctx context.Context, token string) (*Request, error)
	// Apply persists ch only if the stored sequence equals ch.ExpectedSequence,
	// otherwise it returns ErrConflict.
	Apply(ctx context.Context, ch Change) error
	// FindTransition looks up a transition by its idempotency token.
	FindTransition(ctx context.Context, requestID uuid.UUID, token string) (*Transition, error)
	ListTransitions(ctx context.Context, requestID uuid.UUID) ([]*Transition, error)
	ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*Decision, error)
	// ListPending returns one page of OPEN and REOPENED requests ordered by
	// (OpenedAt, Code).
	ListPending(ctx context.Context, q PendingQuery) ([]*Request, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error)
}

// PendingQuery selects a page of pending requests. Pages are keyed on
// (OpenedAt, Code) so requests decided between pages do not shift later ones.
type PendingQuery struct {
	Priority scoring.Priority
	// OpenedBy, when set, keeps requests with OpenedAt at or before it.
	OpenedBy time.Time
	// After resumes strictly past the last request of the previous page.
	After *PendingCursor
	Limit int
}

type PendingCursor struct {
	OpenedAt time.Time
	Code     string
}

// CursorAfter returns the cursor that continues past r.
func CursorAfter(r *Request) *PendingCursor {
	return &PendingCursor{OpenedAt: r.OpenedAt, Code: r.Code}
}

func (q PendingQuery) matches(r *Request) bool {
	if !r.Pending() || r.Priority != q.Priority {
		return false
	}
	if !q.OpenedBy.IsZero() && r.OpenedAt.After(q.OpenedBy) {
		return false
	}
	if q.After != nil {
		if r.OpenedAt.Before(q.After.OpenedAt) {
			return false
		}
		if r.OpenedAt.Equal(q.After.OpenedAt) && r.Code <= q.After.Code {
			return false
		}
	}
	return true
}
