package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateIfAbsent stores rec unless a record for the same request, tier and
	// episode exists, or an open one exists for the same request and tier. It
	// returns the stored record and whether rec was inserted.
	CreateIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// Acknowledge sets the acknowledgement once. Acknowledging an already
	// acknowledged record returns it unchanged.
	Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (*Record, error)
	// ResolveOpen marks every open record of the request resolved and returns
	// how many changed.
	ResolveOpen(ctx context.Context, requestID uuid.UUID, resolution string, at time.Time) (int, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*Record, error)
	// ListOpen returns open records, oldest RaisedAt first.
	ListOpen(ctx context.Context, limit, offset int) ([]*Record, int, error)
}
