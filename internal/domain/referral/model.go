package referral

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/referral/internal/domain/scoring"
)

type State string

const (
	StateOpen      State = "OPEN"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateReopened  State = "REOPENED"
	StateCancelled State = "CANCELLED"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

func (o Outcome) valid() bool {
	return o == OutcomeAccepted || o == OutcomeRejected
}

func (o Outcome) state() State {
	if o == OutcomeAccepted {
		return StateAccepted
	}
	return StateRejected
}

type Action string

const (
	ActionSubmit  Action = "submit"
	ActionDecide  Action = "decide"
	ActionReopen  Action = "reopen"
	ActionCancel  Action = "cancel"
	ActionRescore Action = "rescore"
)

// stateTransitions lists the actions allowed from each state.
var stateTransitions = map[State][]Action{
	StateOpen:      {ActionDecide, ActionCancel, ActionRescore},
	StateReopened:  {ActionDecide, ActionCancel, ActionRescore},
	StateAccepted:  {ActionReopen},
	StateRejected:  {ActionReopen},
	StateCancelled: {},
}

// ValidateTransition checks that action is legal from state.
func ValidateTransition(from State, action Action) error {
	allowed, ok := stateTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrIllegalTransition, from)
	}
	for _, a := range allowed {
		if a == action {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a request in state %s", ErrIllegalTransition, action, from)
}

// Request is a referral from an origin clinic to a specialist service.
type Request struct {
	ID             uuid.UUID        `json:"id"`
	Code           string           `json:"code"`
	PatientAge     int              `json:"patient_age"`
	Justification  string           `json:"justification"`
	Specialty      string           `json:"specialty"`
	OriginClinic   string           `json:"origin_clinic,omitempty"`
	SubmittedBy    string           `json:"submitted_by,omitempty"`
	Priority       scoring.Priority `json:"priority"`
	Score          float64          `json:"score"`
	ScoringFailure string           `json:"scoring_failure,omitempty"`
	State          State            `json:"state"`
	DecisionID     *uuid.UUID       `json:"decision_id,omitempty"`
	Sequence       int              `json:"sequence"`
	ReopenCount    int              `json:"reopen_count"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	OpenedAt       time.Time        `json:"opened_at"`
	DeadlineAt     time.Time        `json:"deadline_at"`
	DecidedAt      *time.Time       `json:"decided_at,omitempty"`
	// SubmissionToken is the idempotency token supplied with the submission.
	SubmissionToken string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Pending reports whether the request is awaiting a decision.
func (r *Request) Pending() bool {
	return r.State == StateOpen || r.State == StateReopened
}

// Overdue reports whether a pending request has passed its deadline.
func (r *Request) Overdue(now time.Time) bool {
	return r.Pending() && !now.Before(r.DeadlineAt)
}

func (r *Request) clone() *Request {
	c := *r
	if r.DecisionID != nil {
		id := *r.DecisionID
		c.DecisionID = &id
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// FormatCode renders the human-facing request code.
func FormatCode(year int, seq int64) string {
	return fmt.Sprintf("REF-%d-%06d", year, seq)
}

// Decision is a reviewer's (or the auto-responder's) verdict on a request.
// Decisions are append-only; reopening only detaches the request from one.
type Decision struct {
	ID                     uuid.UUID `json:"id"`
	RequestID              uuid.UUID `json:"request_id"`
	Outcome                Outcome   `json:"outcome"`
	ReviewerID             string    `json:"reviewer_id"`
	Justification          string    `json:"justification"`
	DecidedAt              time.Time `json:"decided_at"`
	Automatic              bool      `json:"automatic"`
	GuidanceMessage        string    `json:"guidance_message,omitempty"`
	EstimatedTimeToService string    `json:"estimated_time_to_service,omitempty"`
	Sequence               int       `json:"sequence"`
}

// Transition is one entry in a request's history.
type Transition struct {
	RequestID        uuid.UUID `json:"request_id"`
	Sequence         int       `json:"sequence"`
	Action           Action    `json:"action"`
	From             State     `json:"from,omitempty"`
	To               State     `json:"to"`
	Actor            string    `json:"actor,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	IdempotencyToken string    `json:"idempotency_token,omitempty"`
	At               time.Time `json:"at"`
}

// ---------------------------------------------------------------------------
// Inputs
// ---------------------------------------------------------------------------

type SubmitInput struct {
	PatientAge       *int   `json:"patient_age"`
	Justification    string `json:"justification"`
	Specialty        string `json:"specialty"`
	OriginClinic     string `json:"origin_clinic"`
	SubmittedBy      string `json:"submitted_by"`
	IdempotencyToken string `json:"idempotency_token"`
}

// Validate performs structural checks only; value ranges are the scorer's concern.
func (in SubmitInput) Validate() error {
	var missing []string
	if in.PatientAge == nil {
		missing = append(missing, "patient_age")
	}
	if strings.TrimSpace(in.Specialty) == "" {
		missing = append(missing, "specialty")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSubmission, strings.Join(missing, ", "))
	}
	return nil
}

type DecideInput struct {
	Outcome          Outcome `json:"outcome"`
	ReviewerID       string  `json:"reviewer_id"`
	Justification    string  `json:"justification"`
	IdempotencyToken string  `json:"idempotency_token"`
}

func (in DecideInput) Validate() error {
	if !in.Outcome.valid() {
		return fmt.Errorf("%w: outcome must be ACCEPTED or REJECTED, got %q", ErrInvalidDecision, in.Outcome)
	}
	if strings.TrimSpace(in.ReviewerID) == "" {
		return fmt.Errorf("%w: reviewer_id is required", ErrInvalidDecision)
	}
	return nil
}

type ReopenInput struct {
	Actor            string `json:"actor"`
	Reason           string `json:"reason"`
	IdempotencyToken string `json:"idempotency_token"`
}

type CancelInput struct {
	Actor            string `json:"actor"`
	Reason           string `json:"reason"`
	IdempotencyToken string `json:"idempotency_token"`
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	State     State
	Priority  scoring.Priority
	Specialty string
}
