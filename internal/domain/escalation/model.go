package escalation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("escalation not found")

// Tier is the severity of an escalation. Higher tiers are raised later.
type Tier string

const (
	TierFirstWarning   Tier = "FIRST_WARNING"
	TierCriticalBreach Tier = "CRITICAL_BREACH"
)

// Record is an alert raised for a CRITICAL request left without a decision.
// Records are never deleted; they end acknowledged or resolved.
type Record struct {
	ID          uuid.UUID `json:"id"`
	RequestID   uuid.UUID `json:"request_id"`
	RequestCode string    `json:"request_code"`
	Tier        Tier      `json:"tier"`
	// EpisodeAt is the request's OpenedAt when the record was raised. A tier
	// is raised at most once per episode.
	EpisodeAt      time.Time  `json:"episode_at"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
}

// Open reports whether the record is neither acknowledged nor resolved.
func (r *Record) Open() bool {
	return r.AcknowledgedAt == nil && r.ResolvedAt == nil
}

func (r *Record) clone() *Record {
	c := *r
	for _, p := range []**time.Time{&c.AcknowledgedAt, &c.NotifiedAt, &c.ResolvedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}
