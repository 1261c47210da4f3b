package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/selah/internal/grounding"
	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/offline"
	"github.com/rcliao/selah/internal/retry"
	"github.com/rcliao/selah/internal/safety"
	"github.com/rcliao/selah/internal/store"
)

// script is what one Stream call does.
type script struct {
	err       error    // returned by Stream itself
	tokens    []string // delivered in order
	gateAfter int      // tokens sent before waiting on gate (0 = no gate)
	gate      chan struct{}
	block     bool  // after the tokens, wait for cancellation
	streamErr error // reported by Err after the tokens
}

type fakeStream struct {
	ch     chan string
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

func (s *fakeStream) Tokens() <-chan string { return s.ch }
func (s *fakeStream) Close()                { s.cancel() }
func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
func (s *fakeStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeCompleter struct {
	mu       sync.Mutex
	scripts  []script
	calls    int
	requests []llm.ChatRequest

	followUp      string
	followUpErr   error
	completeCalls int
}

func (f *fakeCompleter) Stream(ctx context.Context, req llm.ChatRequest) (TokenStream, error) {
	f.mu.Lock()
	sc := f.scripts[min(f.calls, len(f.scripts)-1)]
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if sc.err != nil {
		return nil, sc.err
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &fakeStream{ch: make(chan string), cancel: cancel}
	go func() {
		defer close(s.ch)
		canceled := func() { s.setErr(&llm.Error{Kind: llm.KindCanceled, Err: sctx.Err()}) }
		for i, tok := range sc.tokens {
			if sc.gate != nil && i == sc.gateAfter {
				select {
				case <-sc.gate:
				case <-sctx.Done():
					canceled()
					return
				}
			}
			select {
			case s.ch <- tok:
			case <-sctx.Done():
				canceled()
				return
			}
		}
		if sc.block {
			<-sctx.Done()
			canceled()
			return
		}
		s.setErr(sc.streamErr)
	}()
	return s, nil
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	return f.followUp, f.followUpErr
}

func (f *fakeCompleter) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	kv       store.Store
	memory   *memory.Store
	cache    *offline.Cache
	convs    *ConversationStore
	settings *Settings
}

func newOrchestrator(t *testing.T, f *fakeCompleter, mutate ...func(*Deps)) (*Orchestrator, *fixture) {
	t.Helper()
	kv := store.NewMemStore()
	src := grounding.NewStaticSource()
	src.AddVerse("KJV", "JHN", 3, 16, "For God so loved the world, that he gave his only begotten Son.")
	src.AddVerse("KJV", "ROM", 8, 28, "And we know that all things work together for good to them that love God.")

	fx := &fixture{
		kv:       kv,
		memory:   memory.New(kv, nil, zerolog.Nop(), memory.Options{}),
		cache:    offline.New(kv, nil, zerolog.Nop(), offline.Options{}),
		convs:    NewConversationStore(kv, nil),
		settings: NewSettings(kv, 0, nil),
	}
	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 4 * time.Millisecond

	d := Deps{
		Completer:     f,
		Grounding:     grounding.New(src, zerolog.Nop(), grounding.Options{}),
		Memory:        fx.memory,
		Cache:         fx.cache,
		Conversations: fx.convs,
		Settings:      fx.settings,
		Policy:        policy,
		ChatModel:     "chat-test",
		Log:           zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&d)
	}
	o := New(d)
	t.Cleanup(o.Close)
	return o, fx
}

func systemPrompt(res *Result) string {
	if len(res.Prompt) == 0 {
		return ""
	}
	return res.Prompt[0].Content
}

func TestAskGroundedAnswerWithoutMemory(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{
		scripts: []script{{tokens: []string{
			"John 3:16 shows how far God's love goes. ",
			"Romans 8:28 adds a promise, and Psalm 151:1 is not a real verse.",
		}}},
		followUp: "1. What is eternal life?\n2. Who was Nicodemus?",
	}
	o, fx := newOrchestrator(t, f)
	require.NoError(t, fx.settings.SetPreferences(ctx, model.Preferences{MemoryEnabled: false, Tone: "warm", Translation: "KJV"}))
	_, err := fx.memory.Add(ctx, model.Memory{Type: model.MemoryFact, Content: "Reading the Gospel of John this month"})
	require.NoError(t, err)

	res, err := o.Ask(ctx, Request{ConversationID: "c1", Text: "What does (John 3:16) mean?"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, res.Grounding.Citations, 1)
	assert.Equal(t, "John 3:16", res.Grounding.Citations[0].Canonical())
	assert.Len(t, res.Grounding.Verified(), 1)

	sys := systemPrompt(res)
	assert.Contains(t, sys, `"For God so loved the world, that he gave his only begotten Son."`)
	assert.NotContains(t, sys, memoryHeader)
	assert.NotContains(t, sys, "Gospel of John this month")

	var refs []string
	for _, c := range res.Citations {
		refs = append(refs, c.Canonical())
		assert.Equal(t, model.StatusVerified, c.Status)
	}
	assert.Equal(t, []string{"John 3:16", "Romans 8:28"}, refs, "invalid citation dropped")

	require.Len(t, res.FollowUps, 3)
	assert.Equal(t, "What is eternal life?", res.FollowUps[0])
	assert.Equal(t, "Who was Nicodemus?", res.FollowUps[1])

	require.Len(t, f.requests, 1)
	assert.Equal(t, 1200, f.requests[0].MaxTokens)
	assert.Equal(t, "chat-test", f.requests[0].Model)

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, res.Text, conv.Messages[1].Content)
	assert.Equal(t, res.MessageID, conv.Messages[1].ID)
	assert.True(t, res.Persisted)

	n, err := fx.settings.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAskIncludesMemoryWhenEnabled(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"Bring it to God in prayer."}}}}
	o, fx := newOrchestrator(t, f)
	_, err := fx.memory.Add(ctx, model.Memory{Type: model.MemoryPrayerRequest, Content: "Job interview on Friday"})
	require.NoError(t, err)

	res, err := o.Ask(ctx, Request{Text: "How do I stop worrying about my interview?"}, Observer{})
	require.NoError(t, err)
	sys := systemPrompt(res)
	assert.Contains(t, sys, memoryHeader)
	assert.Contains(t, sys, "Job interview on Friday")
}

func TestAskRetriesTransientFailures(t *testing.T) {
	f := &fakeCompleter{scripts: []script{
		{err: &llm.Error{Kind: llm.KindServer, StatusCode: 503}},
		{err: &llm.Error{Kind: llm.KindRateLimit, StatusCode: 429}},
		{tokens: []string{"Grace is ", "unmerited favor."}},
	}}
	o, _ := newOrchestrator(t, f)

	type retryCall struct{ attempt, max int }
	var retries []retryCall
	var tokens []string
	res, err := o.Ask(context.Background(), Request{Text: "What is grace?"}, Observer{
		OnRetry: func(attempt, max int, _ error, _ time.Duration) {
			retries = append(retries, retryCall{attempt, max})
		},
		OnToken: func(tok string) { tokens = append(tokens, tok) },
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []retryCall{{2, 5}, {3, 5}}, retries)
	assert.Equal(t, "Grace is unmerited favor.", res.Text)
	assert.Equal(t, []string{"Grace is ", "unmerited favor."}, tokens)
}

func TestAskTerminalErrorNotRetried(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{err: &llm.Error{Kind: llm.KindAuth, StatusCode: 401}}}}
	o, _ := newOrchestrator(t, f)

	res, err := o.Ask(context.Background(), Request{Text: "What is grace?"}, Observer{})
	require.Error(t, err)
	assert.True(t, llm.IsKind(err, llm.KindAuth))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, f.streamCalls())
}

func TestAskProviderQuotaIsUsageExceeded(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{err: &llm.Error{Kind: llm.KindUsageExceeded, StatusCode: 429}}}}
	o, _ := newOrchestrator(t, f)

	_, err := o.Ask(context.Background(), Request{Text: "What is grace?"}, Observer{})
	assert.ErrorIs(t, err, ErrUsageExceeded)
	assert.Equal(t, 1, f.streamCalls())
}

func TestAskInterventionSkipsCompletion(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"unused"}}}}
	o, fx := newOrchestrator(t, f)

	var states []State
	res, err := o.Ask(ctx, Request{ConversationID: "c1", Text: "I want to kill myself"}, Observer{
		OnState: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIntervention, res.Status)
	assert.Contains(t, res.Text, "988")
	assert.Equal(t, 0, f.streamCalls())
	assert.Equal(t, []State{StatePreflight, StateIntervention}, states)

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, res.Text, conv.Messages[1].Content)
}

func TestAskFigurativeSpeechIsNotIntervention(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{tokens: []string{"Go get 'em!"}}}}
	o, _ := newOrchestrator(t, f)

	res, err := o.Ask(context.Background(), Request{Text: "gonna kill it at my presentation tomorrow lol"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, f.streamCalls())
}

type fakeModerator struct{ m llm.Moderation }

func (f fakeModerator) Moderate(context.Context, string) (llm.Moderation, error) { return f.m, nil }

func TestAskModerationEscalates(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{tokens: []string{"unused"}}}}
	o, _ := newOrchestrator(t, f, func(d *Deps) {
		d.Moderator = fakeModerator{llm.Moderation{Flagged: true, Categories: map[string]bool{"self-harm/intent": true}}}
	})

	res, err := o.Ask(context.Background(), Request{Text: "nothing matters anymore"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusIntervention, res.Status)
	assert.Equal(t, 0, f.streamCalls())
}

func TestAskSafetyStopReturnsFilteredReply(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{
		tokens:    []string{"partial"},
		streamErr: &llm.Error{Kind: llm.KindSafety, Code: "content_filter"},
	}}}
	o, _ := newOrchestrator(t, f)

	res, err := o.Ask(context.Background(), Request{Text: "Tell me about Judges 19"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusIntervention, res.Status)
	assert.NotContains(t, res.Text, "partial")
	assert.Equal(t, 1, f.streamCalls())
}

func TestAskOfflineFallback(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{err: &llm.Error{Kind: llm.KindTransport, Err: errors.New("no route to host")}}}}
	o, fx := newOrchestrator(t, f)
	require.NoError(t, fx.cache.Put(ctx, "What is grace?", "Unmerited favor, see Romans 8:28."))

	res, err := o.Ask(ctx, Request{Text: "what is grace"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, res.Status)
	assert.Equal(t, offline.TierExact, res.CacheTier)
	assert.Equal(t, "Unmerited favor, see Romans 8:28.", res.Text)
	assert.Equal(t, 5, res.Attempts)
	require.Len(t, res.Citations, 1)
	assert.Len(t, res.FollowUps, 3)
}

func TestAskOfflineMissFails(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{err: &llm.Error{Kind: llm.KindTransport, Err: errors.New("offline")}}}}
	o, _ := newOrchestrator(t, f)

	res, err := o.Ask(context.Background(), Request{Text: "Who wrote Hebrews?"}, Observer{})
	assert.True(t, llm.IsKind(err, llm.KindTransport))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestSuccessfulAnswerIsCached(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"Paul, probably not."}}}}
	o, fx := newOrchestrator(t, f)

	_, err := o.Ask(ctx, Request{Text: "Who wrote Hebrews?"}, Observer{})
	require.NoError(t, err)
	hit, ok := fx.cache.Get(ctx, "who wrote hebrews")
	require.True(t, ok)
	assert.Equal(t, "Paul, probably not.", hit.Entry.Answer)
}

func TestMemoryExtractedAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"Praying with you."}}}}
	o, fx := newOrchestrator(t, f)

	_, err := o.Ask(ctx, Request{Text: "Please pray for my mother's surgery."}, Observer{})
	require.NoError(t, err)
	mems, err := fx.memory.List(ctx, memory.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, mems)
	assert.Equal(t, model.MemoryPrayerRequest, mems[0].Type)
}

func firstToken() (Observer, <-chan struct{}) {
	started := make(chan struct{})
	var once sync.Once
	return Observer{OnToken: func(string) { once.Do(func() { close(started) }) }}, started
}

func TestCancelIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"In the beginning"}, block: true}}}
	o, fx := newOrchestrator(t, f)

	obs, started := firstToken()
	task, err := o.Start(ctx, Request{ConversationID: "c1", Text: "Explain Genesis 1"}, obs)
	require.NoError(t, err)
	<-started
	task.Cancel()

	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Empty(t, res.Text)
	assert.False(t, res.Persisted)

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1, "partial reply is not persisted")
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
}

func TestNewRequestCancelsInFlight(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{
		{tokens: []string{"first"}, block: true},
		{tokens: []string{"second answer"}},
	}}
	o, fx := newOrchestrator(t, f)

	obs, started := firstToken()
	first, err := o.Start(ctx, Request{ConversationID: "c1", Text: "Tell me about Ruth"}, obs)
	require.NoError(t, err)
	<-started

	second, err := o.Ask(ctx, Request{ConversationID: "c1", Text: "Actually, tell me about Esther"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, second.Status)

	res, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	var replies []string
	for _, m := range conv.Messages {
		if m.Role == model.RoleAssistant {
			replies = append(replies, m.Content)
		}
	}
	assert.Equal(t, []string{"second answer"}, replies)
}

func TestDetachedTaskStillPersists(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	f := &fakeCompleter{scripts: []script{{
		tokens:    []string{"Blessed ", "are the ", "peacemakers."},
		gate:      gate,
		gateAfter: 1,
	}}}
	o, fx := newOrchestrator(t, f)

	var mu sync.Mutex
	var seen []string
	started := make(chan struct{})
	task, err := o.Start(ctx, Request{ConversationID: "c1", Text: "Matthew 5:9"}, Observer{
		OnToken: func(tok string) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, tok)
			if len(seen) == 1 {
				close(started)
			}
		},
	})
	require.NoError(t, err)
	<-started
	task.Detach()
	close(gate)
	<-task.Done()

	mu.Lock()
	assert.Equal(t, []string{"Blessed "}, seen)
	mu.Unlock()

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Blessed are the peacemakers.", conv.Messages[1].Content)
	assert.Equal(t, task.Request().MessageID, conv.Messages[1].ID)
}

func TestPersistenceIsIdempotentByRequestID(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"Love is patient."}}}}
	o, fx := newOrchestrator(t, f)

	// the caller saved the reply itself before the task got to it
	saved, err := fx.convs.AppendAssistant(ctx, "c1", model.Message{RequestID: "req-1", Content: "Love is patient. "})
	require.NoError(t, err)
	require.True(t, saved)

	res, err := o.Ask(ctx, Request{ID: "req-1", ConversationID: "c1", Text: "1 Corinthians 13:4"}, Observer{})
	require.NoError(t, err)
	assert.True(t, res.Persisted)

	conv, err := fx.convs.Load(ctx, "c1")
	require.NoError(t, err)
	assistant := 0
	for _, m := range conv.Messages {
		if m.Role == model.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, 1, assistant)
}

func TestFollowUpFallbackWhenCallFails(t *testing.T) {
	f := &fakeCompleter{
		scripts:     []script{{tokens: []string{"Romans 8:28 is about God's care."}}},
		followUpErr: &llm.Error{Kind: llm.KindServer, StatusCode: 500},
	}
	o, _ := newOrchestrator(t, f)

	res, err := o.Ask(context.Background(), Request{Text: "Does God work through hard things?"}, Observer{})
	require.NoError(t, err)
	require.Len(t, res.FollowUps, 3)
	assert.Equal(t, "What is the context around Romans 8:28?", res.FollowUps[0])
	assert.Equal(t, 1, f.completeCalls)
}

func TestUsageLimit(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"ok"}}}}
	o, fx := newOrchestrator(t, f)
	require.NoError(t, fx.settings.SetPreferences(ctx, model.Preferences{MemoryEnabled: true, Translation: "KJV", DailyLimit: 1}))

	_, err := o.Ask(ctx, Request{Text: "first question"}, Observer{})
	require.NoError(t, err)

	res, err := o.Ask(ctx, Request{Text: "second question"}, Observer{})
	assert.ErrorIs(t, err, ErrUsageExceeded)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, f.streamCalls())
}

func TestUsageLimitDoesNotBlockIntervention(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{{tokens: []string{"ok"}}}}
	o, fx := newOrchestrator(t, f)
	require.NoError(t, fx.settings.SetPreferences(ctx, model.Preferences{MemoryEnabled: true, Translation: "KJV", DailyLimit: 1}))

	_, err := o.Ask(ctx, Request{Text: "first question"}, Observer{})
	require.NoError(t, err)

	res, err := o.Ask(ctx, Request{Text: "I want to kill myself"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, StatusIntervention, res.Status)
	assert.Equal(t, safety.SelfHarm, res.Category)
	assert.Equal(t, safety.InterventionResponse(safety.SelfHarm), res.Text)
	assert.Equal(t, 1, f.streamCalls())
}

func TestRequestValidation(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeCompleter{scripts: []script{{}}})

	_, err := o.Start(context.Background(), Request{Text: "   "}, Observer{})
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = o.Start(context.Background(), Request{Text: "hi", Type: "poem"}, Observer{})
	assert.Error(t, err)
}

func TestContinuationUsesHistory(t *testing.T) {
	ctx := context.Background()
	f := &fakeCompleter{scripts: []script{
		{tokens: []string{"Part one."}},
		{tokens: []string{"Part two."}},
	}}
	o, _ := newOrchestrator(t, f)

	_, err := o.Ask(ctx, Request{ConversationID: "c1", Text: "Summarize Acts"}, Observer{})
	require.NoError(t, err)
	res, err := o.Ask(ctx, Request{ConversationID: "c1", Type: TypeContinuation}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, "Part two.", res.Text)

	req := f.requests[1]
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "Please continue.", req.Messages[3].Content)
	assert.True(t, strings.Contains(req.Messages[0].Content, typeInstructions[TypeContinuation]))
}

func TestCloseCancelsInFlight(t *testing.T) {
	f := &fakeCompleter{scripts: []script{{tokens: []string{"x"}, block: true}}}
	o, _ := newOrchestrator(t, f)

	obs, started := firstToken()
	task, err := o.Start(context.Background(), Request{Text: "Explain Job"}, obs)
	require.NoError(t, err)
	<-started
	o.Close()

	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)

	_, err = o.Start(context.Background(), Request{Text: "again"}, Observer{})
	assert.ErrorIs(t, err, ErrClosed)
}
