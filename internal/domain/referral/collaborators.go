package referral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/referral/internal/platform/notification"
)

// Classifier is an optional external model estimating clinical severity.
type Classifier interface {
	Classify(ctx context.Context, in ClassifyInput) (float64, error)
}

type ClassifyInput struct {
	Justification string `json:"justification"`
	Specialty     string `json:"specialty"`
	PatientAge    int    `json:"patient_age"`
}

// Notifier receives every lifecycle event.
type Notifier interface {
	Dispatch(ctx context.Context, ev notification.Event) (notification.Report, error)
}

// EscalationCloser resolves open escalations once a request leaves the
// pending states.
type EscalationCloser interface {
	CloseForRequest(ctx context.Context, requestID uuid.UUID, resolution string) (int, error)
}

// Auditor records security-relevant facts about the lifecycle.
type Auditor interface {
	ScoringFailure(ctx context.Context, req *Request, cause error)
	Transition(ctx context.Context, req *Request, t *Transition)
}

// ---------------------------------------------------------------------------
// Log auditor
// ---------------------------------------------------------------------------

// LogAuditor writes audit records as structured log lines.
type LogAuditor struct {
	logger zerolog.Logger
}

func NewLogAuditor(logger zerolog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With().Str("component", "audit").Logger()}
}

func (a *LogAuditor) ScoringFailure(_ context.Context, req *Request, cause error) {
	a.logger.Warn().
		Err(cause).
		Str("referral", req.ID.String()).
		Str("code", req.Code).
		Str("priority", string(req.Priority)).
		Msg("scoring failed, defaulted to CRITICAL")
}

func (a *LogAuditor) Transition(_ context.Context, req *Request, t *Transition) {
	a.logger.Info().
		Str("referral", req.ID.String()).
		Str("code", req.Code).
		Int("sequence", t.Sequence).
		Str("action", string(t.Action)).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("actor", t.Actor).
		Str("reason", t.Reason).
		Msg("referral transition")
}

// ---------------------------------------------------------------------------
// HTTP classifier
// ---------------------------------------------------------------------------

// HTTPClassifier calls a JSON classification endpoint that answers
// {"confidence": <0..1>}.
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClassifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *HTTPClassifier) Classify(ctx context.Context, in ClassifyInput) (float64, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("classifier responded %d", resp.StatusCode)
	}

	var out struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode classifier response: %w", err)
	}
	if out.Confidence == nil {
		return 0, fmt.Errorf("classifier response missing confidence")
	}
	return *out.Confidence, nil
}
