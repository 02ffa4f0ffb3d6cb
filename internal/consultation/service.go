package consultation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"preconsult/internal/clock"
	"preconsult/internal/store"
)

var (
	// ErrBusy is returned for input that arrives while a transition is running.
	ErrBusy = errors.New("conversation is processing")
	// ErrWrongStep is returned for input meant for a step that is not active.
	ErrWrongStep = errors.New("input does not match the active step")

	errNoQuestions = errors.New("question provider returned no questions")
)

// QuestionProvider picks the screening questions for one conversation.
type QuestionProvider interface {
	SelectQuestions(ctx context.Context, count int) ([]string, error)
}

// Submission is the final intake payload.
type Submission struct {
	SessionID    string            `json:"session_id"`
	Demographics Demographics      `json:"demographics"`
	Responses    []MedicalResponse `json:"responses"`
}

type SubmitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Submitter saves a finished intake.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (SubmitResult, error)
}

// TTSClient reads bot messages aloud.
type TTSClient interface {
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}

// STTClient turns a spoken answer into text.
type STTClient interface {
	Transcribe(ctx context.Context, audioData []byte) (string, error)
}

// Sleeper waits out the pauses around transitions.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

// RealSleeper pauses on a timer.
func RealSleeper() Sleeper {
	return timerSleeper{}
}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Settings are the tunable constants of a conversation.
type Settings struct {
	QuestionCount int
	MinNameLength int
	MaxAgeYears   int

	TypingDelay         time.Duration
	SettleDelay         time.Duration
	RestoreDelay        time.Duration
	RestartDelay        time.Duration
	CollaboratorTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		QuestionCount:       5,
		MinNameLength:       2,
		MaxAgeYears:         120,
		TypingDelay:         800 * time.Millisecond,
		SettleDelay:         500 * time.Millisecond,
		RestoreDelay:        time.Second,
		RestartDelay:        300 * time.Millisecond,
		CollaboratorTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators shared by every conversation.
type Deps struct {
	Store     store.KV
	Questions QuestionProvider
	Submitter Submitter
	Sleeper   Sleeper
	Clock     clock.Clock
	Logger    *zap.Logger
	Settings  Settings
}

const (
	eventStart           = "start"
	eventAgree           = "agree"
	eventDecline         = "decline"
	eventName            = "name"
	eventDOB             = "dob"
	eventGender          = "gender"
	eventQuestionsLoaded = "questions_loaded"
	eventQuestionsFailed = "questions_failed"
	eventLastAnswer      = "last_answer"
	eventSubmitted       = "submitted"
	eventSubmitFailed    = "submit_failed"
	eventRestart         = "restart"
)

func newStepMachine() *fsm.FSM {
	terminal := []string{StepFinished.String(), StepError.String(), StepEndedByUser.String()}
	return fsm.NewFSM(
		StepInitial.String(),
		fsm.Events{
			{Name: eventStart, Src: []string{StepInitial.String()}, Dst: StepAgreement.String()},
			{Name: eventAgree, Src: []string{StepAgreement.String()}, Dst: StepDemographicsName.String()},
			{Name: eventDecline, Src: []string{StepAgreement.String()}, Dst: StepEndedByUser.String()},
			{Name: eventName, Src: []string{StepDemographicsName.String()}, Dst: StepDemographicsDOB.String()},
			{Name: eventDOB, Src: []string{StepDemographicsDOB.String()}, Dst: StepDemographicsGender.String()},
			{Name: eventGender, Src: []string{StepDemographicsGender.String()}, Dst: StepLoadingQuestions.String()},
			{Name: eventQuestionsLoaded, Src: []string{StepLoadingQuestions.String()}, Dst: StepMedicalQuestions.String()},
			{Name: eventQuestionsFailed, Src: []string{StepLoadingQuestions.String()}, Dst: StepError.String()},
			{Name: eventLastAnswer, Src: []string{StepMedicalQuestions.String()}, Dst: StepSubmitting.String()},
			{Name: eventSubmitted, Src: []string{StepSubmitting.String()}, Dst: StepFinished.String()},
			{Name: eventSubmitFailed, Src: []string{StepSubmitting.String()}, Dst: StepError.String()},
			{Name: eventRestart, Src: terminal, Dst: StepInitial.String()},
		},
		fsm.Callbacks{},
	)
}

// View is what a renderer needs to draw the conversation.
type View struct {
	SessionID  string    `json:"session_id"`
	Step       Step      `json:"step"`
	Messages   []Message `json:"messages"`
	Processing bool      `json:"processing"`
	Restoring  bool      `json:"restoring"`
	Notice     string    `json:"notice,omitempty"`
	Prompt     *Prompt   `json:"prompt,omitempty"`
}

// Conversation is the intake state machine for one session. Input methods
// block until the transition, including its pauses and collaborator calls,
// has finished.
type Conversation struct {
	id        string
	settings  Settings
	store     *SnapshotStore
	questions QuestionProvider
	submitter Submitter
	sleeper   Sleeper
	clock     clock.Clock
	log       *zap.Logger
	machine   *fsm.FSM

	busy atomic.Bool

	mu        sync.Mutex
	state     Snapshot
	started   bool
	restoring bool
	notice    string
}

func NewConversation(id string, deps Deps) *Conversation {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	log = log.With(zap.String("component", "conversation"), zap.String("session_id", id))
	return &Conversation{
		id:        id,
		settings:  deps.Settings,
		store:     NewSnapshotStore(deps.Store, id, log),
		questions: deps.Questions,
		submitter: deps.Submitter,
		sleeper:   sleeper,
		clock:     clk,
		log:       log,
		machine:   newStepMachine(),
	}
}

func (c *Conversation) ID() string {
	return c.id
}

// Start restores a saved session or seeds a fresh one. Calling it again is a
// no-op.
func (c *Conversation) Start(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	saved := c.store.Load(ctx)
	if !saved.Resumable() {
		c.store.Clear(ctx)
		c.log.Info("Starting new session")
		return c.seed(ctx, c.settings.SettleDelay)
	}

	c.mu.Lock()
	c.restoring = true
	c.mu.Unlock()

	if err := c.sleeper.Sleep(ctx, c.settings.RestoreDelay); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = saved.clone()
	c.restoring = false
	c.notice = MsgSessionRestored
	c.mu.Unlock()
	c.machine.SetState(saved.Step.String())
	c.log.Info("Session restored", zap.Stringer("step", saved.Step), zap.Int("messages", len(saved.Messages)))

	// a session saved mid-call picks the call up again
	switch saved.Step {
	case StepLoadingQuestions:
		return c.loadQuestions(ctx)
	case StepSubmitting:
		return c.submit(ctx)
	}
	return nil
}

// Agree records the agreement decision.
func (c *Conversation) Agree(ctx context.Context, agreed bool) error {
	ctx, done, err := c.begin(ctx, StepAgreement)
	if err != nil {
		return err
	}
	defer done()

	if !agreed {
		return c.exchange(ctx, turn{user: MsgDeclineUser, bot: MsgGoodbye, event: eventDecline})
	}
	return c.exchange(ctx, turn{user: MsgAgreeUser, bot: MsgAskName, event: eventAgree})
}

func (c *Conversation) SubmitName(ctx context.Context, raw string) error {
	ctx, done, err := c.begin(ctx, StepDemographicsName)
	if err != nil {
		return err
	}
	defer done()

	name, err := NameCollector{MinLength: c.settings.MinNameLength}.Collect(raw)
	if err != nil {
		return err
	}
	return c.exchange(ctx, turn{
		user:  name,
		bot:   fmt.Sprintf(MsgAskDOB, name),
		event: eventName,
		apply: func(s *Snapshot) { s.Demographics.Name = name },
		keys:  []string{KeyDemographics},
	})
}

// SubmitDateOfBirth accepts a picked calendar day.
func (c *Conversation) SubmitDateOfBirth(ctx context.Context, date time.Time) error {
	return c.submitDOB(ctx, func(col DateOfBirthCollector) (string, error) {
		return col.Collect(date)
	})
}

// SubmitDateOfBirthText accepts a typed DD/MM/YYYY date.
func (c *Conversation) SubmitDateOfBirthText(ctx context.Context, text string) error {
	return c.submitDOB(ctx, func(col DateOfBirthCollector) (string, error) {
		return col.CollectText(text)
	})
}

// SubmitDateOfBirthNative accepts a YYYY-MM-DD date picker value.
func (c *Conversation) SubmitDateOfBirthNative(ctx context.Context, value string) error {
	return c.submitDOB(ctx, func(col DateOfBirthCollector) (string, error) {
		return col.CollectNative(value)
	})
}

func (c *Conversation) submitDOB(ctx context.Context, collect func(DateOfBirthCollector) (string, error)) error {
	ctx, done, err := c.begin(ctx, StepDemographicsDOB)
	if err != nil {
		return err
	}
	defer done()

	dob, err := collect(DateOfBirthCollector{Today: c.clock.Now(), MaxAgeYears: c.settings.MaxAgeYears})
	if err != nil {
		var inputErr *InputError
		if errors.As(err, &inputErr) && inputErr.Inline {
			c.appendMessage(ctx, RoleBot, inputErr.Reason)
		}
		return err
	}
	return c.exchange(ctx, turn{
		user:  dob,
		bot:   MsgAskGender,
		event: eventDOB,
		apply: func(s *Snapshot) { s.Demographics.DateOfBirth = dob },
		keys:  []string{KeyDemographics},
	})
}

// SubmitGender records the gender and then fetches the screening questions.
func (c *Conversation) SubmitGender(ctx context.Context, label string) error {
	ctx, done, err := c.begin(ctx, StepDemographicsGender)
	if err != nil {
		return err
	}
	defer done()

	gender, err := GenderCollector{}.Collect(label)
	if err != nil {
		return err
	}
	err = c.exchange(ctx, turn{
		user:  gender,
		bot:   MsgIntroQs,
		event: eventGender,
		apply: func(s *Snapshot) { s.Demographics.Gender = gender },
		keys:  []string{KeyDemographics},
	})
	if err != nil {
		return err
	}
	return c.loadQuestions(ctx)
}

// SubmitAnswer answers the current medical question. The last answer
// triggers the submission.
func (c *Conversation) SubmitAnswer(ctx context.Context, raw string) error {
	ctx, done, err := c.begin(ctx, StepMedicalQuestions)
	if err != nil {
		return err
	}
	defer done()

	c.mu.Lock()
	idx, questions := c.state.QuestionIndex, c.state.Questions
	c.mu.Unlock()

	answer, err := MedicalAnswerCollector{Index: idx, Total: len(questions)}.Collect(raw)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(questions) {
		return fmt.Errorf("%w: no question at index %d", ErrWrongStep, idx)
	}

	c.stage(func(s *Snapshot) {
		s.addMessage(RoleUser, answer)
		s.Responses = append(s.Responses, MedicalResponse{Question: questions[idx], Answer: answer})
	})

	if err := c.sleeper.Sleep(ctx, c.settings.TypingDelay); err != nil {
		return err
	}

	next := idx + 1
	if next < len(questions) {
		c.stage(func(s *Snapshot) {
			s.QuestionIndex = next
			s.addMessage(RoleBot, questions[next])
		})
		c.commit(ctx, KeyResponses, KeyMessages, KeyQuestionIndex)
		return nil
	}

	c.stage(func(s *Snapshot) { s.addMessage(RoleBot, MsgSubmitting) })
	if err := c.fire(ctx, eventLastAnswer); err != nil {
		return err
	}
	c.commit(ctx, KeyResponses, KeyMessages, KeyStep)
	return c.submit(ctx)
}

// Restart wipes the session and greets the patient again. Only terminal
// steps can be restarted.
func (c *Conversation) Restart(ctx context.Context) error {
	ctx, done, err := c.begin(ctx, StepFinished, StepError, StepEndedByUser)
	if err != nil {
		return err
	}
	defer done()

	c.store.Clear(ctx)
	if err := c.machine.Event(ctx, eventRestart); err != nil {
		return fmt.Errorf("restart from %s: %w", c.machine.Current(), err)
	}
	c.mu.Lock()
	c.state = Snapshot{}
	c.notice = ""
	c.mu.Unlock()

	c.log.Info("Session restarted")
	return c.seed(ctx, c.settings.RestartDelay)
}

// View returns a copy of the state for rendering. The prompt is omitted
// while the conversation is processing.
func (c *Conversation) View() View {
	busy := c.busy.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		SessionID:  c.id,
		Step:       c.state.Step,
		Messages:   append([]Message(nil), c.state.Messages...),
		Processing: busy && !c.restoring,
		Restoring:  c.restoring,
		Notice:     c.notice,
	}
	if !busy && !c.restoring {
		if col := NewCollector(c.state, c.limits(), c.clock.Now()); col != nil {
			p := col.Prompt()
			v.Prompt = &p
		}
	}
	return v
}

// Snapshot returns a copy of the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func (c *Conversation) limits() Limits {
	return Limits{MinNameLength: c.settings.MinNameLength, MaxAgeYears: c.settings.MaxAgeYears}
}

// begin takes the busy gate for input aimed at one of the given steps. The
// returned context survives cancellation of the caller so that a transition
// is never left half applied.
func (c *Conversation) begin(ctx context.Context, steps ...Step) (context.Context, func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}

	c.mu.Lock()
	step := c.state.Step
	c.mu.Unlock()
	if !slices.Contains(steps, step) {
		c.busy.Store(false)
		return nil, nil, fmt.Errorf("%w: active step is %s", ErrWrongStep, step)
	}

	c.mu.Lock()
	c.notice = ""
	c.mu.Unlock()
	return context.WithoutCancel(ctx), func() { c.busy.Store(false) }, nil
}

type turn struct {
	user  string
	bot   string
	event string
	apply func(*Snapshot)
	keys  []string
}

// exchange runs one user/bot round: user message, state change, typing
// pause, bot message, step change. Nothing is saved until the step has
// moved, so an interrupted round leaves the previous snapshot in the store.
func (c *Conversation) exchange(ctx context.Context, t turn) error {
	c.stage(func(s *Snapshot) {
		s.addMessage(RoleUser, t.user)
		if t.apply != nil {
			t.apply(s)
		}
	})
	if err := c.sleeper.Sleep(ctx, c.settings.TypingDelay); err != nil {
		return err
	}
	c.stage(func(s *Snapshot) { s.addMessage(RoleBot, t.bot) })
	if err := c.fire(ctx, t.event); err != nil {
		return err
	}
	c.commit(ctx, append(append([]string(nil), t.keys...), KeyMessages, KeyStep)...)
	return nil
}

func (c *Conversation) seed(ctx context.Context, delay time.Duration) error {
	if err := c.sleeper.Sleep(ctx, delay); err != nil {
		return err
	}
	c.stage(func(s *Snapshot) {
		*s = Snapshot{}
		s.addMessage(RoleBot, MsgGreeting)
	})
	if err := c.fire(ctx, eventStart); err != nil {
		return err
	}
	c.commit(ctx, snapshotKeys...)
	return nil
}

func (c *Conversation) loadQuestions(ctx context.Context) error {
	questions, err := callWithTimeout(ctx, c.settings.CollaboratorTimeout, func(ctx context.Context) ([]string, error) {
		return c.questions.SelectQuestions(ctx, c.settings.QuestionCount)
	})
	if err == nil && len(questions) == 0 {
		err = errNoQuestions
	}
	if err != nil {
		c.log.Error("Failed to generate questions", zap.Error(err))
		return c.conclude(ctx, MsgQuestionsFailed, eventQuestionsFailed)
	}

	if err := c.sleeper.Sleep(ctx, c.settings.TypingDelay); err != nil {
		return err
	}
	c.stage(func(s *Snapshot) {
		s.Questions = questions
		s.Responses = nil
		s.QuestionIndex = 0
		s.addMessage(RoleBot, questions[0])
	})
	if err := c.fire(ctx, eventQuestionsLoaded); err != nil {
		return err
	}
	c.commit(ctx, KeyQuestions, KeyResponses, KeyQuestionIndex, KeyMessages, KeyStep)
	return nil
}

func (c *Conversation) submit(ctx context.Context) error {
	c.mu.Lock()
	sub := Submission{
		SessionID:    c.id,
		Demographics: c.state.Demographics,
		Responses:    append([]MedicalResponse(nil), c.state.Responses...),
	}
	c.mu.Unlock()

	res, err := callWithTimeout(ctx, c.settings.CollaboratorTimeout, func(ctx context.Context) (SubmitResult, error) {
		return c.submitter.Submit(ctx, sub)
	})
	if err == nil && !res.Success {
		err = errors.New(res.Message)
	}
	if err != nil {
		c.log.Error("Error submitting data", zap.Error(err))
		return c.conclude(ctx, MsgSubmitFailed, eventSubmitFailed)
	}

	c.log.Info("Intake submitted", zap.Int("responses", len(sub.Responses)))
	return c.conclude(ctx, MsgSubmitted, eventSubmitted)
}

// conclude posts a bot message and moves the step in one saved change.
func (c *Conversation) conclude(ctx context.Context, msg, event string) error {
	c.stage(func(s *Snapshot) { s.addMessage(RoleBot, msg) })
	if err := c.fire(ctx, event); err != nil {
		return err
	}
	c.commit(ctx, KeyMessages, KeyStep)
	return nil
}

// fire moves the step machine. The new step is staged; callers commit it
// together with the data that led to it.
func (c *Conversation) fire(ctx context.Context, event string) error {
	from := c.machine.Current()
	if err := c.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("step transition %s from %s: %w", event, from, err)
	}
	next, err := ParseStep(c.machine.Current())
	if err != nil {
		return err
	}
	c.stage(func(s *Snapshot) { s.Step = next })
	c.log.Debug("Step changed", zap.String("from", from), zap.Stringer("to", next))
	return nil
}

func (c *Conversation) appendMessage(ctx context.Context, role Role, content string) {
	c.stage(func(s *Snapshot) { s.addMessage(role, content) })
	c.commit(ctx, KeyMessages)
}

// stage applies fn to the live state without saving it. Renderers see the
// change at once.
func (c *Conversation) stage(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

// commit saves the members named by keys from the live state.
func (c *Conversation) commit(ctx context.Context, keys ...string) {
	c.mu.Lock()
	snap := c.state.clone()
	c.mu.Unlock()

	c.store.SaveMembers(ctx, snap, keys...)
}

// callWithTimeout bounds a collaborator call even when the collaborator
// ignores its context.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Manager keeps one conversation per session id. Idle conversations can be
// evicted; they are rebuilt from the store on the next Open.
type Manager struct {
	deps  Deps
	clock clock.Clock
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	conv     *Conversation
	lastUsed time.Time
}

func NewManager(deps Deps) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		clock:    clk,
		log:      log.With(zap.String("component", "sessions")),
		sessions: make(map[string]*session),
	}
}

// Open returns the conversation for id, starting (and possibly restoring) it
// on first use.
func (m *Manager) Open(ctx context.Context, id string) (*Conversation, error) {
	conv, existed := m.lookup(id)
	if existed {
		return conv, nil
	}
	if err := conv.Start(ctx); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns the conversation for id without starting it. The caller runs
// Start, so a renderer can show the restore in progress.
func (m *Manager) Get(id string) *Conversation {
	conv, _ := m.lookup(id)
	return conv
}

func (m *Manager) lookup(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if s, ok := m.sessions[id]; ok {
		s.lastUsed = now
		return s.conv, true
	}
	conv := NewConversation(id, m.deps)
	m.sessions[id] = &session{conv: conv, lastUsed: now}
	return conv, false
}

// Len reports how many conversations are held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle drops conversations not opened for maxIdle or longer. A
// conversation in the middle of a transition is kept.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastUsed) < maxIdle || s.conv.busy.Load() {
			continue
		}
		delete(m.sessions, id)
		evicted++
	}
	return evicted
}

// Sweep evicts idle conversations every interval until ctx is done.
func (m *Manager) Sweep(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(maxIdle); n > 0 {
				m.log.Debug("Evicted idle sessions", zap.Int("count", n), zap.Int("remaining", m.Len()))
			}
		}
	}
}
