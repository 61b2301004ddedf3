package referral

import "errors"

var (
	ErrNotFound          = errors.New("referral not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrWindowExpired     = errors.New("reopen window expired")
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrInvalidDecision   = errors.New("invalid decision")

	// ErrConflict is returned by repositories when a compare-and-set on the
	// request sequence loses to a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicateToken is returned by Create when the submission token is taken.
	ErrDuplicateToken = errors.New("duplicate idempotency token")
)
