package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"preconsult/internal/clock"
	"preconsult/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }

// gateSleeper blocks every pause until released.
type gateSleeper struct {
	entered chan struct{}
	release chan struct{}
}

func newGateSleeper() *gateSleeper {
	return &gateSleeper{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pauseSleeper returns at once until armed, then holds pauses like
// gateSleeper.
type pauseSleeper struct {
	*gateSleeper
	armed atomic.Bool
}

func newPauseSleeper() *pauseSleeper {
	return &pauseSleeper{gateSleeper: newGateSleeper()}
}

func (p *pauseSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if !p.armed.Load() {
		return nil
	}
	return p.gateSleeper.Sleep(ctx, d)
}

// haltingKV drops every write once halted, like a process that has died.
type haltingKV struct {
	store.KV
	halted atomic.Bool
}

func (k *haltingKV) Put(ctx context.Context, scope, key, value string) error {
	if k.halted.Load() {
		return nil
	}
	return k.KV.Put(ctx, scope, key, value)
}

func (k *haltingKV) Delete(ctx context.Context, scope string, keys ...string) error {
	if k.halted.Load() {
		return nil
	}
	return k.KV.Delete(ctx, scope, keys...)
}

func assertTurnsAlternate(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == RoleUser && msgs[i-1].Role == RoleUser {
			t.Errorf("user entries %d and %d follow each other: %q, %q", i, i+1, msgs[i-1].Content, msgs[i].Content)
		}
	}
}

type fakeProvider struct {
	questions []string
	err       error

	// when set, calls block until release is closed or the context ends
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	counts []int
}

func (p *fakeProvider) SelectQuestions(ctx context.Context, count int) ([]string, error) {
	p.mu.Lock()
	p.counts = append(p.counts, count)
	p.mu.Unlock()

	if p.release != nil {
		p.entered <- struct{}{}
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	count = min(count, len(p.questions))
	return append([]string(nil), p.questions[:count]...), nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counts)
}

type fakeSubmitter struct {
	result SubmitResult
	err    error

	mu          sync.Mutex
	submissions []Submission
}

func (s *fakeSubmitter) Submit(_ context.Context, sub Submission) (SubmitResult, error) {
	s.mu.Lock()
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()
	return s.result, s.err
}

type harness struct {
	conv      *Conversation
	kv        store.KV
	provider  *fakeProvider
	submitter *fakeSubmitter
	deps      Deps
}

type option func(*harness)

func withKV(kv store.KV) option { return func(h *harness) { h.deps.Store = kv; h.kv = kv } }

func withQuestions(qs ...string) option {
	return func(h *harness) {
		h.provider.questions = qs
		h.deps.Settings.QuestionCount = len(qs)
	}
}

func withSettings(fn func(*Settings)) option { return func(h *harness) { fn(&h.deps.Settings) } }

func withSleeper(s Sleeper) option { return func(h *harness) { h.deps.Sleeper = s } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	kv := store.NewMemory()
	settings := DefaultSettings()
	settings.QuestionCount = 2

	h := &harness{
		kv:        kv,
		provider:  &fakeProvider{questions: []string{"Any allergies?", "Any medications?"}},
		submitter: &fakeSubmitter{result: SubmitResult{Success: true, Message: "ok"}},
	}
	h.deps = Deps{
		Store:     kv,
		Questions: h.provider,
		Submitter: h.submitter,
		Sleeper:   noSleep{},
		Clock:     clock.NewManaged(today),
		Logger:    zap.NewNop(),
		Settings:  settings,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.conv = NewConversation("session-1", h.deps)
	return h
}

func (h *harness) persisted() Snapshot {
	return NewSnapshotStore(h.kv, "session-1", zap.NewNop()).Load(context.Background())
}

// toQuestions drives a fresh conversation up to the first medical question.
func (h *harness) toQuestions(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Agree(ctx, true))
	require.NoError(t, h.conv.SubmitName(ctx, "Jane Doe"))
	require.NoError(t, h.conv.SubmitDateOfBirthText(ctx, "15/06/1990"))
	require.NoError(t, h.conv.SubmitGender(ctx, "Female"))
}

func transcript(entries ...any) []Message {
	msgs := make([]Message, 0, len(entries)/2)
	for i := 0; i < len(entries); i += 2 {
		msgs = append(msgs, Message{ID: len(msgs) + 1, Role: entries[i].(Role), Content: entries[i+1].(string)})
	}
	return msgs
}

func TestSuccessfulIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.toQuestions(t)
	require.Equal(t, StepMedicalQuestions, h.conv.Snapshot().Step)
	require.NoError(t, h.conv.SubmitAnswer(ctx, "Penicillin"))
	require.NoError(t, h.conv.SubmitAnswer(ctx, "  None  "))

	snap := h.conv.Snapshot()
	assert.Equal(t, StepFinished, snap.Step)

	want := transcript(
		RoleBot, MsgGreeting,
		RoleUser, MsgAgreeUser,
		RoleBot, MsgAskName,
		RoleUser, "Jane Doe",
		RoleBot, fmt.Sprintf(MsgAskDOB, "Jane Doe"),
		RoleUser, "15/06/1990",
		RoleBot, MsgAskGender,
		RoleUser, "Female",
		RoleBot, MsgIntroQs,
		RoleBot, "Any allergies?",
		RoleUser, "Penicillin",
		RoleBot, "Any medications?",
		RoleUser, "None",
		RoleBot, MsgSubmitting,
		RoleBot, MsgSubmitted,
	)
	require.Len(t, snap.Messages, 15)
	if diff := cmp.Diff(want, snap.Messages); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, h.submitter.submissions, 1)
	sub := h.submitter.submissions[0]
	assert.Equal(t, "session-1", sub.SessionID)
	assert.Equal(t, Demographics{Name: "Jane Doe", DateOfBirth: "15/06/1990", Gender: "Female"}, sub.Demographics)
	assert.Equal(t, []MedicalResponse{
		{Question: "Any allergies?", Answer: "Penicillin"},
		{Question: "Any medications?", Answer: "None"},
	}, sub.Responses)
	assert.Equal(t, []int{2}, h.provider.counts)

	if diff := cmp.Diff(snap, h.persisted()); diff != "" {
		t.Errorf("persisted snapshot mismatch (-live +stored):\n%s", diff)
	}

	view := h.conv.View()
	require.NotNil(t, view.Prompt)
	assert.Equal(t, KindRestart, view.Prompt.Kind)
	assert.False(t, view.Processing)
}

func TestAnswersKeepQuestionOrder(t *testing.T) {
	qs := []string{"Q1?", "Q2?", "Q3?", "Q4?", "Q5?"}
	h := newHarness(t, withQuestions(qs...))
	ctx := context.Background()

	h.toQuestions(t)
	for i := range qs {
		snap := h.conv.Snapshot()
		require.Equal(t, StepMedicalQuestions, snap.Step)
		assert.Equal(t, i, snap.QuestionIndex)
		assert.Len(t, snap.Responses, i)
		require.NoError(t, h.conv.SubmitAnswer(ctx, fmt.Sprintf("answer %d", i+1)))
	}

	require.Len(t, h.submitter.submissions, 1)
	responses := h.submitter.submissions[0].Responses
	require.Len(t, responses, 5)
	for i, r := range responses {
		assert.Equal(t, qs[i], r.Question)
		assert.Equal(t, fmt.Sprintf("answer %d", i+1), r.Answer)
	}
	assert.Equal(t, StepFinished, h.conv.Snapshot().Step)
}

func TestSubmitFailureThenRestart(t *testing.T) {
	tests := map[string]*fakeSubmitter{
		"unsuccessful result": {result: SubmitResult{Success: false, Message: "Failed to submit data"}},
		"error":               {err: errors.New("connection refused")},
	}

	for name, submitter := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Submitter = submitter
			h.conv = NewConversation("session-1", h.deps)
			ctx := context.Background()

			h.toQuestions(t)
			require.NoError(t, h.conv.SubmitAnswer(ctx, "a"))
			require.NoError(t, h.conv.SubmitAnswer(ctx, "b"))

			snap := h.conv.Snapshot()
			assert.Equal(t, StepError, snap.Step)
			assert.Equal(t, MsgSubmitFailed, snap.Messages[len(snap.Messages)-1].Content)

			require.NoError(t, h.conv.Restart(ctx))

			fresh := Snapshot{
				Step:     StepAgreement,
				Messages: []Message{{ID: 1, Role: RoleBot, Content: MsgGreeting}},
			}
			if diff := cmp.Diff(fresh, h.conv.Snapshot()); diff != "" {
				t.Errorf("state after restart (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(fresh, h.persisted()); diff != "" {
				t.Errorf("stored state after restart (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeclineAndRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Agree(ctx, false))

	snap := h.conv.Snapshot()
	assert.Equal(t, StepEndedByUser, snap.Step)
	assert.Equal(t, transcript(RoleBot, MsgGreeting, RoleUser, MsgDeclineUser, RoleBot, MsgGoodbye), snap.Messages)
	assert.Zero(t, h.provider.calls())

	require.NoError(t, h.conv.Restart(ctx))
	snap = h.conv.Snapshot()
	assert.Equal(t, StepAgreement, snap.Step)
	assert.Len(t, snap.Messages, 1)
}

func TestRestoreMidFlow(t *testing.T) {
	kv := store.NewMemory()
	saved := Snapshot{
		Step:         StepDemographicsDOB,
		Demographics: Demographics{Name: "Jane Doe"},
		Messages: transcript(
			RoleBot, MsgGreeting,
			RoleUser, MsgAgreeUser,
			RoleBot, MsgAskName,
			RoleUser, "Jane Doe",
			RoleBot, fmt.Sprintf(MsgAskDOB, "Jane Doe"),
		),
	}
	NewSnapshotStore(kv, "session-1", zap.NewNop()).SaveMembers(context.Background(), saved, snapshotKeys...)

	sleeper := newGateSleeper()
	h := newHarness(t, withKV(kv), withSleeper(sleeper))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.conv.Start(ctx) }()

	<-sleeper.entered
	view := h.conv.View()
	assert.True(t, view.Restoring)
	assert.Nil(t, view.Prompt)
	close(sleeper.release)
	require.NoError(t, <-done)

	if diff := cmp.Diff(saved, h.conv.Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
	view = h.conv.View()
	assert.False(t, view.Restoring)
	assert.Equal(t, MsgSessionRestored, view.Notice)
	require.NotNil(t, view.Prompt)
	assert.Equal(t, KindDateOfBirth, view.Prompt.Kind)

	// the conversation carries on from the restored step
	require.NoError(t, h.conv.SubmitDateOfBirthNative(ctx, "1990-06-15"))
	snap := h.conv.Snapshot()
	assert.Equal(t, StepDemographicsGender, snap.Step)
	assert.Len(t, snap.Messages, 7)
	assert.Equal(t, "", h.conv.View().Notice)

	greetings := 0
	for _, m := range snap.Messages {
		if m.Content == MsgGreeting {
			greetings++
		}
	}
	assert.Equal(t, 1, greetings)
}

func TestRestoreResumesQuestionLoading(t *testing.T) {
	kv := store.NewMemory()
	saved := Snapshot{
		Step:         StepLoadingQuestions,
		Demographics: Demographics{Name: "Jane Doe", DateOfBirth: "15/06/1990", Gender: "Female"},
		Messages:     transcript(RoleBot, MsgGreeting, RoleUser, "Female", RoleBot, MsgIntroQs),
	}
	NewSnapshotStore(kv, "session-1", zap.NewNop()).SaveMembers(context.Background(), saved, snapshotKeys...)

	h := newHarness(t, withKV(kv))
	require.NoError(t, h.conv.Start(context.Background()))

	snap := h.conv.Snapshot()
	assert.Equal(t, StepMedicalQuestions, snap.Step)
	assert.Equal(t, 1, h.provider.calls())
	assert.Equal(t, "Any allergies?", snap.Messages[len(snap.Messages)-1].Content)
}

func TestInterruptedAnswerResumes(t *testing.T) {
	questions := []string{"Any allergies?", "Any medications?"}

	// answered is how many questions were done before the interrupted answer
	for _, answered := range []int{0, 1} {
		t.Run(fmt.Sprintf("after %d answers", answered), func(t *testing.T) {
			mem := store.NewMemory()
			kv := &haltingKV{KV: mem}
			sleeper := newPauseSleeper()
			first := newHarness(t, withKV(kv), withSleeper(sleeper))
			ctx := context.Background()

			first.toQuestions(t)
			for i := range answered {
				require.NoError(t, first.conv.SubmitAnswer(ctx, fmt.Sprintf("answer %d", i+1)))
			}

			sleeper.armed.Store(true)
			done := make(chan error, 1)
			go func() { done <- first.conv.SubmitAnswer(ctx, "lost answer") }()
			<-sleeper.entered
			kv.halted.Store(true)
			defer func() {
				close(sleeper.release)
				assert.NoError(t, <-done)
			}()

			stored := first.persisted()
			assert.True(t, stored.Resumable())
			assert.Equal(t, StepMedicalQuestions, stored.Step)
			assert.Equal(t, answered, stored.QuestionIndex)
			assert.Len(t, stored.Responses, answered)
			assert.Equal(t, Message{ID: len(stored.Messages), Role: RoleBot, Content: questions[answered]}, stored.Messages[len(stored.Messages)-1])

			second := newHarness(t, withKV(mem))
			require.NoError(t, second.conv.Start(ctx))
			assert.Equal(t, MsgSessionRestored, second.conv.View().Notice)
			for i := answered; i < len(questions); i++ {
				require.NoError(t, second.conv.SubmitAnswer(ctx, fmt.Sprintf("answer %d", i+1)))
			}

			require.Len(t, second.submitter.submissions, 1)
			assert.Equal(t, []MedicalResponse{
				{Question: "Any allergies?", Answer: "answer 1"},
				{Question: "Any medications?", Answer: "answer 2"},
			}, second.submitter.submissions[0].Responses)

			snap := second.conv.Snapshot()
			assert.Equal(t, StepFinished, snap.Step)
			assert.Len(t, snap.Messages, 15)
			assertTurnsAlternate(t, snap.Messages)
		})
	}
}

func TestInterruptedDemographicsStepResumes(t *testing.T) {
	mem := store.NewMemory()
	kv := &haltingKV{KV: mem}
	sleeper := newPauseSleeper()
	first := newHarness(t, withKV(kv), withSleeper(sleeper))
	ctx := context.Background()

	require.NoError(t, first.conv.Start(ctx))
	require.NoError(t, first.conv.Agree(ctx, true))

	sleeper.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- first.conv.SubmitName(ctx, "Jane Doe") }()
	<-sleeper.entered
	kv.halted.Store(true)
	defer func() {
		close(sleeper.release)
		assert.NoError(t, <-done)
	}()

	// the answer is on screen but not yet in the store
	live := first.conv.View().Messages
	assert.Equal(t, Message{ID: 4, Role: RoleUser, Content: "Jane Doe"}, live[len(live)-1])

	saved := Snapshot{
		Step:     StepDemographicsName,
		Messages: transcript(RoleBot, MsgGreeting, RoleUser, MsgAgreeUser, RoleBot, MsgAskName),
	}
	if diff := cmp.Diff(saved, first.persisted()); diff != "" {
		t.Errorf("stored snapshot mismatch (-want +got):\n%s", diff)
	}

	second := newHarness(t, withKV(mem))
	require.NoError(t, second.conv.Start(ctx))
	require.Equal(t, StepDemographicsName, second.conv.Snapshot().Step)
	require.NoError(t, second.conv.SubmitName(ctx, "Jane Doe"))
	require.NoError(t, second.conv.SubmitDateOfBirthText(ctx, "15/06/1990"))

	snap := second.conv.Snapshot()
	assert.Equal(t, StepDemographicsGender, snap.Step)
	assert.Equal(t, Demographics{Name: "Jane Doe", DateOfBirth: "15/06/1990"}, snap.Demographics)
	want := transcript(
		RoleBot, MsgGreeting,
		RoleUser, MsgAgreeUser,
		RoleBot, MsgAskName,
		RoleUser, "Jane Doe",
		RoleBot, fmt.Sprintf(MsgAskDOB, "Jane Doe"),
		RoleUser, "15/06/1990",
		RoleBot, MsgAskGender,
	)
	if diff := cmp.Diff(want, snap.Messages); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	assertTurnsAlternate(t, snap.Messages)
}

func TestCorruptSnapshotStartsFresh(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, "session-1", KeyStep, `"demographics_dob"`))
	require.NoError(t, kv.Put(ctx, "session-1", KeyDemographics, `{"name":"Old Name"}`))
	require.NoError(t, kv.Put(ctx, "session-1", KeyMessages, `not json`))

	h := newHarness(t, withKV(kv))
	require.NoError(t, h.conv.Start(ctx))

	fresh := Snapshot{
		Step:     StepAgreement,
		Messages: []Message{{ID: 1, Role: RoleBot, Content: MsgGreeting}},
	}
	assert.Equal(t, fresh, h.conv.Snapshot())
	assert.Equal(t, fresh, h.persisted())
	assert.Empty(t, h.conv.View().Notice)
}

func TestStartOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Start(ctx))
	assert.Len(t, h.conv.Snapshot().Messages, 1)
}

func TestBusyGate(t *testing.T) {
	h := newHarness(t)
	h.provider.entered = make(chan struct{}, 1)
	h.provider.release = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Agree(ctx, true))
	require.NoError(t, h.conv.SubmitName(ctx, "Jane Doe"))
	require.NoError(t, h.conv.SubmitDateOfBirthText(ctx, "15/06/1990"))

	done := make(chan error, 1)
	go func() { done <- h.conv.SubmitGender(ctx, "Female") }()
	<-h.provider.entered

	view := h.conv.View()
	assert.True(t, view.Processing)
	assert.Nil(t, view.Prompt)
	before := len(view.Messages)

	assert.ErrorIs(t, h.conv.SubmitGender(ctx, "Male"), ErrBusy)
	assert.ErrorIs(t, h.conv.SubmitAnswer(ctx, "early"), ErrBusy)
	assert.ErrorIs(t, h.conv.Restart(ctx), ErrBusy)
	assert.Len(t, h.conv.View().Messages, before)

	close(h.provider.release)
	require.NoError(t, <-done)
	assert.Equal(t, StepMedicalQuestions, h.conv.Snapshot().Step)
	assert.Equal(t, "Female", h.conv.Snapshot().Demographics.Gender)
	assert.Equal(t, 1, h.provider.calls())
}

func TestWrongStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.conv.Start(ctx))

	assert.ErrorIs(t, h.conv.SubmitName(ctx, "Jane Doe"), ErrWrongStep)
	assert.ErrorIs(t, h.conv.SubmitAnswer(ctx, "yes"), ErrWrongStep)
	assert.ErrorIs(t, h.conv.Restart(ctx), ErrWrongStep)

	snap := h.conv.Snapshot()
	assert.Equal(t, StepAgreement, snap.Step)
	assert.Len(t, snap.Messages, 1)
}

func TestQuestionProviderFailures(t *testing.T) {
	tests := map[string]*fakeProvider{
		"error": {err: errors.New("bank unavailable")},
		"empty": {questions: nil},
	}

	for name, provider := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Questions = provider
			h.conv = NewConversation("session-1", h.deps)

			h.toQuestions(t)

			snap := h.conv.Snapshot()
			assert.Equal(t, StepError, snap.Step)
			assert.Equal(t, MsgQuestionsFailed, snap.Messages[len(snap.Messages)-1].Content)
			assert.Empty(t, snap.Questions)
			assert.Empty(t, h.submitter.submissions)

			require.NoError(t, h.conv.Restart(context.Background()))
			assert.Equal(t, StepAgreement, h.conv.Snapshot().Step)
		})
	}
}

func TestQuestionProviderTimeout(t *testing.T) {
	h := newHarness(t, withSettings(func(s *Settings) { s.CollaboratorTimeout = 20 * time.Millisecond }))
	h.provider.entered = make(chan struct{}, 1)
	h.provider.release = make(chan struct{})
	defer close(h.provider.release)

	h.toQuestions(t)

	snap := h.conv.Snapshot()
	assert.Equal(t, StepError, snap.Step)
	assert.Equal(t, MsgQuestionsFailed, snap.Messages[len(snap.Messages)-1].Content)
}

func TestDateOfBirthRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Agree(ctx, true))
	require.NoError(t, h.conv.SubmitName(ctx, "Jane Doe"))
	before := h.conv.Snapshot()

	// a badly formed date is a field error: nothing changes
	err := h.conv.SubmitDateOfBirthText(ctx, "31/02/1990")
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.False(t, inputErr.Inline)
	assert.Equal(t, before, h.conv.Snapshot())

	// a future date is answered inline by the bot
	err = h.conv.SubmitDateOfBirth(ctx, today.AddDate(0, 0, 1))
	require.ErrorAs(t, err, &inputErr)
	assert.True(t, inputErr.Inline)

	snap := h.conv.Snapshot()
	assert.Equal(t, StepDemographicsDOB, snap.Step)
	assert.Empty(t, snap.Demographics.DateOfBirth)
	require.Len(t, snap.Messages, len(before.Messages)+1)
	assert.Equal(t, Message{ID: len(before.Messages) + 1, Role: RoleBot, Content: MsgDOBFuture}, snap.Messages[len(snap.Messages)-1])

	err = h.conv.SubmitDateOfBirth(ctx, today.AddDate(-121, 0, 0))
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "Please select a date that is not more than 120 years ago.", inputErr.Reason)

	require.NoError(t, h.conv.SubmitDateOfBirth(ctx, time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "15/06/1990", h.conv.Snapshot().Demographics.DateOfBirth)
}

func TestNameRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.conv.Start(ctx))
	require.NoError(t, h.conv.Agree(ctx, true))
	before := h.conv.Snapshot()

	var inputErr *InputError
	require.ErrorAs(t, h.conv.SubmitName(ctx, "  J "), &inputErr)
	assert.Equal(t, "name", inputErr.Field)
	assert.Equal(t, before, h.conv.Snapshot())
	assert.False(t, h.conv.View().Processing)
}

func TestEmptyAnswerRejected(t *testing.T) {
	h := newHarness(t)
	h.toQuestions(t)
	before := h.conv.Snapshot()

	var inputErr *InputError
	require.ErrorAs(t, h.conv.SubmitAnswer(context.Background(), " \n "), &inputErr)
	assert.Equal(t, before, h.conv.Snapshot())
}

func TestBrokenStorageDoesNotBlock(t *testing.T) {
	h := newHarness(t, withKV(brokenKV{}))
	ctx := context.Background()

	h.toQuestions(t)
	require.NoError(t, h.conv.SubmitAnswer(ctx, "a"))
	require.NoError(t, h.conv.SubmitAnswer(ctx, "b"))

	snap := h.conv.Snapshot()
	assert.Equal(t, StepFinished, snap.Step)
	assert.Len(t, snap.Messages, 15)
}

func TestCancelledCallerCompletesTransition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conv.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.conv.Agree(ctx, true))
	assert.Equal(t, StepDemographicsName, h.conv.Snapshot().Step)
}

func TestManagerOpen(t *testing.T) {
	settings := DefaultSettings()
	m := NewManager(Deps{
		Store:     store.NewMemory(),
		Questions: &fakeProvider{questions: []string{"Q?"}},
		Submitter: &fakeSubmitter{},
		Sleeper:   noSleep{},
		Clock:     clock.NewManaged(today),
		Settings:  settings,
	})
	ctx := context.Background()

	a, err := m.Open(ctx, "a")
	require.NoError(t, err)
	again, err := m.Open(ctx, "a")
	require.NoError(t, err)
	b, err := m.Open(ctx, "b")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Equal(t, StepAgreement, a.Snapshot().Step)

	require.NoError(t, a.Agree(ctx, true))
	assert.Equal(t, StepAgreement, b.Snapshot().Step)
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	kv := store.NewMemory()
	clk := clock.NewManaged(today)
	m := NewManager(Deps{
		Store:     kv,
		Questions: &fakeProvider{questions: []string{"Q?"}},
		Submitter: &fakeSubmitter{},
		Sleeper:   noSleep{},
		Clock:     clk,
		Settings:  DefaultSettings(),
	})
	ctx := context.Background()

	a, err := m.Open(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Agree(ctx, true))
	require.NoError(t, a.SubmitName(ctx, "Jane Doe"))

	clk.WarpForward(20 * time.Minute)
	_, err = m.Open(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	clk.WarpForward(15 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle(30*time.Minute))
	assert.Equal(t, 1, m.Len())

	// an evicted session comes back from the store
	restored, err := m.Open(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, a, restored)
	if diff := cmp.Diff(a.Snapshot(), restored.Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, MsgSessionRestored, restored.View().Notice)

	clk.WarpForward(time.Hour)
	assert.Equal(t, 2, m.EvictIdle(30*time.Minute))
	assert.Zero(t, m.Len())
}

func TestManagerGetDoesNotStart(t *testing.T) {
	kv := store.NewMemory()
	m := NewManager(Deps{
		Store:     kv,
		Questions: &fakeProvider{questions: []string{"Q?"}},
		Submitter: &fakeSubmitter{},
		Sleeper:   noSleep{},
		Clock:     clock.NewManaged(today),
		Settings:  DefaultSettings(),
	})

	conv := m.Get("local")
	assert.Same(t, conv, m.Get("local"))
	assert.Equal(t, StepInitial, conv.Snapshot().Step)
	assert.Zero(t, kv.Len("local"))

	require.NoError(t, conv.Start(context.Background()))
	assert.Equal(t, StepAgreement, conv.Snapshot().Step)
}
