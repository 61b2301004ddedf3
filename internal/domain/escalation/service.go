package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/referral/internal/platform/clock"
)

// Service exposes operator actions on escalation records.
type Service struct {
	repo   Repository
	clock  clock.Clock
	logger zerolog.Logger
}

func NewService(repo Repository, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{repo: repo, clock: clk, logger: logger.With().Str("component", "escalation").Logger()}
}

// Acknowledge records that actor has seen the escalation. Repeating it is a
// no-op that keeps the first acknowledgement.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("acknowledge escalation: actor is required")
	}
	rec, err := s.repo.Acknowledge(ctx, id, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("escalation", rec.ID.String()).
		Str("code", rec.RequestCode).
		Str("tier", string(rec.Tier)).
		Str("acknowledged_by", rec.AcknowledgedBy).
		Msg("escalation acknowledged")
	return rec, nil
}

// CloseForRequest resolves the open records of a request that left the
// pending states.
func (s *Service) CloseForRequest(ctx context.Context, requestID uuid.UUID, resolution string) (int, error) {
	return s.repo.ResolveOpen(ctx, requestID, resolution, s.clock.Now())
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*Record, error) {
	return s.repo.ListByRequest(ctx, requestID)
}

func (s *Service) ListOpen(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListOpen(ctx, limit, offset)
}
