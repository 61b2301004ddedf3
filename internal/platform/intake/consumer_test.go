package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/domain/scoring"
)

// fakeReader serves queued messages and cancels the run once drained.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	r.mu.Unlock()
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type flakySubmitter struct {
	failures int
	calls    int
	inputs   []referral.SubmitInput
}

func (s *flakySubmitter) Submit(_ context.Context, in referral.SubmitInput) (*referral.Request, error) {
	s.calls++
	s.inputs = append(s.inputs, in)
	if s.calls <= s.failures {
		return nil, errors.New("connection reset")
	}
	return &referral.Request{Code: "REF-2026-000001", Priority: scoring.PriorityRoutine, State: referral.StateOpen}, nil
}

func newService(t *testing.T) (*referral.Service, *referral.MemoryRepository) {
	t.Helper()
	engine, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)
	repo := referral.NewMemoryRepository()
	return referral.NewService(repo, engine, referral.DefaultConfig(), zerolog.Nop()), repo
}

func run(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	r.cancel = cancel
	require.NoError(t, c.Run(ctx))
}

func TestConsumer_SubmitsAndCommits(t *testing.T) {
	svc, repo := newService(t)
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("clinic-norte-0001"), Value: []byte(`{"patient_age":70,"justification":"dolor intenso, crítico","specialty":"Cardiología","origin_clinic":"norte"}`)},
		{Offset: 2, Key: []byte("clinic-norte-0001"), Value: []byte(`{"patient_age":70,"justification":"dolor intenso, crítico","specialty":"Cardiología","origin_clinic":"norte"}`)},
		{Offset: 3, Value: []byte(`{not json`)},
		{Offset: 4, Key: []byte("clinic-sur-0002"), Value: []byte(`{"justification":"control"}`)},
		{Offset: 5, Key: []byte("clinic-sur-0003"), Value: []byte(`{"patient_age":-3,"specialty":"pediatría"}`)},
	}}
	c := NewConsumer(r, svc, zerolog.Nop())

	run(t, c, r)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r.committed)
	assert.Equal(t, Stats{Submitted: 3, Rejected: 2}, c.Stats())

	_, total, err := svc.List(t.Context(), referral.ListFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total, "redelivered key must not create a second request")

	first, err := repo.GetBySubmissionToken(t.Context(), "clinic-norte-0001")
	require.NoError(t, err)
	assert.Equal(t, scoring.PriorityCritical, first.Priority)
	assert.Equal(t, "norte", first.OriginClinic)

	failSafe, err := repo.GetBySubmissionToken(t.Context(), "clinic-sur-0003")
	require.NoError(t, err)
	assert.Equal(t, scoring.PriorityCritical, failSafe.Priority)
	assert.NotEmpty(t, failSafe.ScoringFailure)
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	sub := &flakySubmitter{failures: 2}
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 7, Key: []byte("k-7"), Value: []byte(`{"patient_age":30,"specialty":"dermatología"}`)},
	}}
	c := NewConsumer(r, sub, zerolog.Nop(), WithRetry(5, time.Millisecond))

	run(t, c, r)

	assert.Equal(t, 3, sub.calls)
	assert.Equal(t, []int64{7}, r.committed)
	for _, in := range sub.inputs {
		assert.Equal(t, "k-7", in.IdempotencyToken)
	}
}

func TestConsumer_GivesUpWithoutCommit(t *testing.T) {
	sub := &flakySubmitter{failures: 100}
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 9, Key: []byte("k-9"), Value: []byte(`{"patient_age":30,"specialty":"dermatología"}`)},
	}}
	c := NewConsumer(r, sub, zerolog.Nop(), WithRetry(3, time.Millisecond))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	r.cancel = cancel

	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit offset 9")
	assert.Equal(t, 3, sub.calls)
	assert.Empty(t, r.committed)
}

func TestDecode_TokenPrecedence(t *testing.T) {
	body := []byte(`{"patient_age":40,"specialty":"traumatología","idempotency_token":"body-token"}`)

	tests := []struct {
		name string
		msg  kafka.Message
		want string
	}{
		{"key", kafka.Message{Key: []byte("key-token"), Value: body, Headers: []kafka.Header{{Key: IdempotencyHeader, Value: []byte("header-token")}}}, "key-token"},
		{"header", kafka.Message{Value: body, Headers: []kafka.Header{{Key: IdempotencyHeader, Value: []byte("header-token")}}}, "header-token"},
		{"body", kafka.Message{Value: body}, "body-token"},
		{"coordinates", kafka.Message{Topic: "referral.submissions", Partition: 2, Offset: 41, Value: []byte(`{"patient_age":40}`)}, "kafka:referral.submissions:2:41"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.IdempotencyToken)
		})
	}
}
