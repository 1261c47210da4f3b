// Package orchestrator runs an assistant request end to end: safety preflight,
// prompt assembly from grounding, memory and preferences, the streamed
// completion with retries, and citation and follow-up post-processing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/grounding"
	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/metrics"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/offline"
	"github.com/rcliao/selah/internal/retry"
	"github.com/rcliao/selah/internal/safety"
	"github.com/rcliao/selah/internal/store"
)

var (
	// ErrEmptyRequest is returned for a request with no text.
	ErrEmptyRequest = errors.New("request text is empty")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// historyTurns is how many stored messages are replayed into the prompt.
const historyTurns = 6

const followUpTimeout = 20 * time.Second

// TokenStream is an in-progress completion.
type TokenStream interface {
	Tokens() <-chan string
	Err() error
	Close()
}

// Completer is the completion provider.
type Completer interface {
	Stream(ctx context.Context, req llm.ChatRequest) (TokenStream, error)
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
}

// Moderator is the optional secondary safety check.
type Moderator interface {
	Moderate(ctx context.Context, text string) (llm.Moderation, error)
}

// ClientCompleter adapts *llm.Client to Completer.
type ClientCompleter struct{ *llm.Client }

func (c ClientCompleter) Stream(ctx context.Context, req llm.ChatRequest) (TokenStream, error) {
	s, err := c.StreamChat(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// State is a step of the request pipeline, reported through Observer.OnState.
type State string

const (
	StatePreflight    State = "preflight"
	StatePromptBuild  State = "prompt_build"
	StateAttempt      State = "attempt"
	StateRetry        State = "retry"
	StateSuccess      State = "success"
	StateFailed       State = "failed"
	StateCanceled     State = "canceled"
	StateIntervention State = "intervention"
	StateOffline      State = "offline"
)

// Status is how a request ended.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusIntervention Status = "intervention"
	StatusOffline      Status = "offline"
	StatusCanceled     Status = "canceled"
	StatusFailed       Status = "failed"
)

// Request is one user turn.
type Request struct {
	// ID is the idempotency key for persistence. Generated when empty.
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	// MessageID is where the assistant reply is stored. Generated when empty.
	MessageID      string      `json:"message_id,omitempty"`
	Text           string      `json:"text"`
	Type           RequestType `json:"type,omitempty"`
	Translation    string      `json:"translation,omitempty"`
}

// Result is the outcome of a request.
type Result struct {
	RequestID      string                 `json:"request_id"`
	ConversationID string                 `json:"conversation_id"`
	MessageID      string                 `json:"message_id"`
	Type           RequestType            `json:"type"`
	Status         Status                 `json:"status"`
	Text           string                 `json:"text,omitempty"`
	Category       safety.Category        `json:"category"`
	Citations      []model.Citation       `json:"citations,omitempty"`
	FollowUps      []string               `json:"follow_ups,omitempty"`
	Attempts       int                    `json:"attempts"`
	CacheTier      offline.Tier           `json:"cache_tier,omitempty"`
	Grounding      model.GroundingContext `json:"grounding"`
	Persisted      bool                   `json:"persisted"`
	Prompt         []llm.Message          `json:"-"`
}

// Observer receives progress. All callbacks are optional and run on the
// task's goroutine; they stop after Task.Detach.
type Observer struct {
	OnState func(State)
	OnToken func(token string)
	OnRetry func(attempt, max int, err error, wait time.Duration)
}

// Deps are the orchestrator's collaborators. Completer and Grounding are
// required; the rest fall back to in-memory or disabled defaults.
type Deps struct {
	Completer     Completer
	Moderator     Moderator
	Classifier    *safety.Classifier
	Grounding     *grounding.Repository
	Memory        *memory.Store
	Cache         *offline.Cache
	Conversations *ConversationStore
	Settings      *Settings
	Policy        retry.Policy

	ChatModel     string
	FollowUpModel string
	MaxGroundRefs int
	MemoryLimit   int

	Log zerolog.Logger
	Now func() time.Time
}

// Orchestrator runs requests. Each runs on the orchestrator's own context so
// it outlives the caller that started it.
type Orchestrator struct {
	d    Deps
	log  zerolog.Logger
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*Task
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Completer == nil || d.Grounding == nil {
		panic("orchestrator: Completer and Grounding are required")
	}
	if d.Classifier == nil {
		d.Classifier = safety.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Conversations == nil {
		d.Conversations = NewConversationStore(store.NewMemStore(), d.Now)
	}
	if d.Settings == nil {
		d.Settings = NewSettings(store.NewMemStore(), 0, d.Now)
	}
	if d.Policy.MaxAttempts == 0 {
		d.Policy = retry.DefaultPolicy()
	}
	if d.MaxGroundRefs <= 0 {
		d.MaxGroundRefs = 5
	}
	if d.MemoryLimit <= 0 {
		d.MemoryLimit = 3
	}
	if d.FollowUpModel == "" {
		d.FollowUpModel = d.ChatModel
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		d:        d,
		log:      d.Log.With().Str("component", "orchestrator").Logger(),
		base:     base,
		stop:     stop,
		inflight: make(map[string]*Task),
	}
}

// Conversations exposes the conversation store.
func (o *Orchestrator) Conversations() *ConversationStore { return o.d.Conversations }

// Settings exposes preferences and usage.
func (o *Orchestrator) Settings() *Settings { return o.d.Settings }

// Close cancels every in-flight task and waits for them to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

// Task is a running request.
type Task struct {
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	obs    Observer
	done   chan struct{}

	detached atomic.Bool
	res      *Result
	err      error
}

// Request returns the normalized request, including generated ids.
func (t *Task) Request() Request { return t.req }

// Done is closed when the task has finished, including persistence.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel stops the task. The result is StatusCanceled with a nil error and
// nothing is persisted for the reply.
func (t *Task) Cancel() { t.cancel() }

// Detach stops observer callbacks. The task keeps running and still persists.
func (t *Task) Detach() { t.detached.Store(true) }

// Wait blocks until the task finishes or ctx is done. A done ctx does not
// cancel the task.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) state(s State) {
	if t.obs.OnState != nil && !t.detached.Load() {
		t.obs.OnState(s)
	}
}

func (t *Task) token(tok string) {
	if t.obs.OnToken != nil && !t.detached.Load() {
		t.obs.OnToken(tok)
	}
}

func (t *Task) retry(attempt, max int, err error, wait time.Duration) {
	if t.obs.OnRetry != nil && !t.detached.Load() {
		t.obs.OnRetry(attempt, max, err, wait)
	}
}

// Ask runs a request and waits for it. If ctx ends first the task is canceled.
func (o *Orchestrator) Ask(ctx context.Context, req Request, obs Observer) (*Result, error) {
	t, err := o.Start(ctx, req, obs)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		t.Cancel()
		<-t.done
	}
	return t.res, t.err
}

func (o *Orchestrator) normalize(req Request) (Request, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Type == "" {
		req.Type = TypeNormal
	}
	if !req.Type.Valid() {
		return req, fmt.Errorf("unknown request type %q", req.Type)
	}
	if req.Text == "" && req.Type != TypeContinuation {
		return req, ErrEmptyRequest
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = model.NewID()
	}
	if req.MessageID == "" {
		req.MessageID = model.NewID()
	}
	req.Translation = strings.ToUpper(strings.TrimSpace(req.Translation))
	return req, nil
}

// Start launches a request in the background. Any request already running on
// the same conversation is canceled first.
func (o *Orchestrator) Start(ctx context.Context, req Request, obs Observer) (*Task, error) {
	req, err := o.normalize(req)
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithCancel(o.base)
	t := &Task{req: req, ctx: tctx, cancel: cancel, obs: obs, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	prev := o.inflight[req.ConversationID]
	o.inflight[req.ConversationID] = t
	o.wg.Add(1)
	o.mu.Unlock()

	if prev != nil {
		o.log.Info().Str("conversation", req.ConversationID).Str("superseded", prev.req.ID).Msg("canceling in-flight request")
		prev.Cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			o.release(t)
			cancel()
			o.wg.Done()
			return nil, ctx.Err()
		}
	}

	go o.execute(t)
	return t, nil
}

// CancelConversation cancels the request running on convID, if any.
func (o *Orchestrator) CancelConversation(convID string) bool {
	o.mu.Lock()
	t := o.inflight[convID]
	o.mu.Unlock()
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

func (o *Orchestrator) release(t *Task) {
	o.mu.Lock()
	if o.inflight[t.req.ConversationID] == t {
		delete(o.inflight, t.req.ConversationID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) execute(t *Task) {
	defer o.wg.Done()
	defer close(t.done)
	defer o.release(t)
	defer t.cancel()

	start := o.d.Now()
	res, err := o.run(t)
	t.res, t.err = res, err

	metrics.RequestsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.RequestDuration.WithLabelValues(string(t.req.Type)).Observe(time.Since(start).Seconds())

	ev := o.log.Info()
	if err != nil {
		ev = o.log.Warn().Err(err)
	}
	ev.Str("request", res.RequestID).
		Str("conversation", res.ConversationID).
		Str("status", string(res.Status)).
		Int("attempts", res.Attempts).
		Int("citations", len(res.Citations)).
		Msg("request finished")
}

func (o *Orchestrator) run(t *Task) (*Result, error) {
	ctx, req := t.ctx, t.req
	res := &Result{
		RequestID:      req.ID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Type:           req.Type,
	}

	t.state(StatePreflight)
	history, err := o.d.Conversations.Recent(ctx, req.ConversationID, historyTurns)
	if err != nil {
		return o.fail(t, res, fmt.Errorf("load conversation: %w", err))
	}
	var userTurns []string
	for _, m := range history {
		if m.Role == model.RoleUser {
			userTurns = append(userTurns, m.Content)
		}
	}
	res.Category = o.d.Classifier.ClassifyWithContext(req.Text, userTurns)
	if res.Category == safety.None && o.d.Moderator != nil && req.Text != "" {
		res.Category = o.moderate(ctx, req.Text)
	}
	metrics.SafetyClassifications.WithLabelValues(res.Category.String()).Inc()

	// The daily limit gates completions only. Crisis resources are always served.
	if !res.Category.RequiresIntervention() {
		if err := o.d.Settings.CheckUsage(ctx); err != nil {
			if errors.Is(err, ErrUsageExceeded) {
				return o.fail(t, res, err)
			}
			o.log.Warn().Err(err).Msg("usage check failed, continuing")
		}
	}

	userMsgID := ""
	if req.Text != "" {
		userMsgID = model.NewID()
		if _, err := o.d.Conversations.AppendUser(ctx, req.ConversationID, model.Message{
			ID: userMsgID, RequestID: req.ID, Content: req.Text,
		}); err != nil {
			return o.fail(t, res, fmt.Errorf("save user message: %w", err))
		}
	}

	if res.Category.RequiresIntervention() {
		t.state(StateIntervention)
		o.log.Warn().Str("request", req.ID).Str("category", res.Category.String()).Msg("intervention response, skipping completion")
		res.Status = StatusIntervention
		res.Text = safety.InterventionResponse(res.Category)
		o.persist(ctx, res)
		return res, nil
	}

	t.state(StatePromptBuild)
	prefs, err := o.d.Settings.Preferences(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("load preferences failed, using defaults")
	}
	translation := req.Translation
	if translation == "" {
		translation = prefs.Translation
	}

	gc, err := o.d.Grounding.BuildGroundingContext(ctx, req.Text, translation, o.d.MaxGroundRefs)
	if ctx.Err() != nil {
		return o.canceled(t, res)
	}
	if err != nil {
		o.log.Warn().Err(err).Msg("grounding failed")
	}
	res.Grounding = gc

	var mems []model.Memory
	if prefs.MemoryEnabled && o.d.Memory != nil && req.Text != "" {
		mems, err = o.d.Memory.FindRelevant(ctx, req.Text, o.d.MemoryLimit)
		if err != nil {
			o.log.Warn().Err(err).Msg("memory retrieval failed")
		}
	}

	prompt := BuildPrompt(PromptInput{
		Type:          req.Type,
		Tone:          prefs.Tone,
		Compassionate: res.Category.RequiresCompassionateResponse(),
		Grounding:     gc,
		Memories:      mems,
		IncludeMemory: prefs.MemoryEnabled,
		History:       history,
		Question:      req.Text,
	})
	res.Prompt = prompt
	chat := llm.ChatRequest{Model: o.d.ChatModel, Messages: prompt, MaxTokens: req.Type.Budget()}

	var buf strings.Builder
	attempts, err := retry.Do(ctx, o.d.Policy, func(ctx context.Context, attempt int) error {
		t.state(StateAttempt)
		buf.Reset()
		return o.attempt(ctx, t, chat, &buf)
	}, func(next, max int, err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(errKind(err)).Inc()
		o.log.Warn().Err(err).
			Str("request", req.ID).
			Int("attempt", next).
			Int("max_attempts", max).
			Dur("wait", wait).
			Msg("completion failed, retrying")
		t.state(StateRetry)
		t.retry(next, max, err, wait)
	})
	res.Attempts = attempts
	if ctx.Err() != nil {
		return o.canceled(t, res)
	}
	if err != nil {
		return o.handleFailure(t, res, err, translation)
	}

	res.Text = buf.String()
	res.Citations = o.verify(ctx, res.Text, translation)
	res.FollowUps = o.followUps(ctx, req.Text, res.Text, res.Citations)
	if ctx.Err() != nil {
		return o.canceled(t, res)
	}

	t.state(StateSuccess)
	res.Status = StatusSuccess
	o.persist(ctx, res)
	o.afterSuccess(ctx, req, res, prefs, userMsgID)
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, t *Task, chat llm.ChatRequest, buf *strings.Builder) error {
	s, err := o.d.Completer.Stream(ctx, chat)
	if err != nil {
		return err
	}
	defer s.Close()
	for tok := range s.Tokens() {
		buf.WriteString(tok)
		t.token(tok)
	}
	return s.Err()
}

// handleFailure turns a failed completion into a user-facing outcome: a filtered
// reply for safety stops, a cached answer when the provider is unreachable,
// otherwise the error.
func (o *Orchestrator) handleFailure(t *Task, res *Result, err error, translation string) (*Result, error) {
	ctx := t.ctx
	switch {
	case llm.IsKind(err, llm.KindSafety):
		t.state(StateIntervention)
		res.Status = StatusIntervention
		res.Text = safety.FilteredResponse
		o.persist(ctx, res)
		return res, nil
	case llm.IsKind(err, llm.KindUsageExceeded):
		return o.fail(t, res, fmt.Errorf("%w: %v", ErrUsageExceeded, err))
	}

	if o.d.Cache != nil && offlineEligible(err) && t.req.Text != "" {
		if hit, ok := o.d.Cache.Get(ctx, t.req.Text); ok {
			t.state(StateOffline)
			o.log.Info().Str("request", res.RequestID).Str("tier", string(hit.Tier)).Msg("answering from offline cache")
			res.Status = StatusOffline
			res.Text = hit.Entry.Answer
			res.CacheTier = hit.Tier
			res.Citations = o.verify(ctx, res.Text, translation)
			res.FollowUps = FallbackFollowUps(t.req.Text, res.Text, res.Citations)
			o.persist(ctx, res)
			return res, nil
		}
	}
	return o.fail(t, res, err)
}

func offlineEligible(err error) bool {
	switch llm.KindOf(err) {
	case llm.KindTransport, llm.KindServer, llm.KindRateLimit, llm.KindMalformed:
		return true
	}
	return false
}

func (o *Orchestrator) fail(t *Task, res *Result, err error) (*Result, error) {
	if t.ctx.Err() != nil {
		return o.canceled(t, res)
	}
	t.state(StateFailed)
	res.Status = StatusFailed
	return res, err
}

func (o *Orchestrator) canceled(t *Task, res *Result) (*Result, error) {
	t.state(StateCanceled)
	res.Status = StatusCanceled
	res.Text = ""
	res.Citations = nil
	res.FollowUps = nil
	return res, nil
}

// verify extracts citations from the reply and drops the ones that fail.
func (o *Orchestrator) verify(ctx context.Context, text, translation string) []model.Citation {
	resolved := o.d.Grounding.ResolveBatch(ctx, o.d.Grounding.ExtractCitations(text, translation), translation)
	kept := grounding.DropFailed(resolved)
	if dropped := len(resolved) - len(kept); dropped > 0 {
		for _, c := range resolved {
			if c.Status == model.StatusFailed {
				o.log.Info().Str("reference", c.Canonical()).Str("reason", c.Reason).Msg("dropped unverifiable citation")
			}
		}
	}
	return kept
}

func (o *Orchestrator) followUps(ctx context.Context, question, answer string, cits []model.Citation) []string {
	fallback := FallbackFollowUps(question, answer, cits)
	fctx, cancel := context.WithTimeout(ctx, followUpTimeout)
	defer cancel()
	out, err := o.d.Completer.Complete(fctx, followUpRequest(o.d.FollowUpModel, question, answer))
	if err != nil {
		o.log.Debug().Err(err).Msg("follow-up generation failed, using local suggestions")
		return fallback
	}
	return fillFollowUps(ParseFollowUps(out), fallback)
}

func (o *Orchestrator) moderate(ctx context.Context, text string) safety.Category {
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m, err := o.d.Moderator.Moderate(mctx, text)
	if err != nil {
		o.log.Debug().Err(err).Msg("moderation unavailable")
		return safety.None
	}
	return moderationCategory(m)
}

// persist stores the assistant reply. It runs even if the task is canceled
// afterwards, and is skipped when a reply for the request id already exists.
func (o *Orchestrator) persist(ctx context.Context, res *Result) {
	saved, err := o.d.Conversations.AppendAssistant(context.WithoutCancel(ctx), res.ConversationID, model.Message{
		ID:        res.MessageID,
		RequestID: res.RequestID,
		Content:   res.Text,
		Citations: res.Citations,
		FollowUps: res.FollowUps,
	})
	if err != nil {
		o.log.Error().Err(err).Str("request", res.RequestID).Msg("persist reply failed")
		return
	}
	if !saved {
		o.log.Debug().Str("request", res.RequestID).Msg("reply already persisted")
	}
	res.Persisted = true
}

func (o *Orchestrator) afterSuccess(ctx context.Context, req Request, res *Result, prefs model.Preferences, userMsgID string) {
	ctx = context.WithoutCancel(ctx)
	if o.d.Cache != nil && req.Type != TypeContinuation && req.Text != "" {
		if err := o.d.Cache.Put(ctx, req.Text, res.Text); err != nil {
			o.log.Warn().Err(err).Msg("cache answer failed")
		}
	}
	if prefs.MemoryEnabled && o.d.Memory != nil && req.Text != "" {
		if _, err := o.d.Memory.Extract(ctx, req.Text, req.ConversationID, userMsgID); err != nil {
			o.log.Warn().Err(err).Msg("memory extraction failed")
		}
	}
	if _, err := o.d.Settings.RecordUsage(ctx); err != nil {
		o.log.Warn().Err(err).Msg("record usage failed")
	}
}

func errKind(err error) string {
	if k := llm.KindOf(err); k != "" {
		return string(k)
	}
	return "other"
}
