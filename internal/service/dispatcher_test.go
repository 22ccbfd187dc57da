package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversational-bot/internal/fsm"
	"github.com/capitalize-ai/conversational-bot/internal/llm"
	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render/rendertest"
	"github.com/capitalize-ai/conversational-bot/internal/store"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
)

type step struct {
	text string
	err  error
}

// fakeSource hands out scripted streams in order. A test feeds a script
// channel and closes it to end the stream.
type fakeSource struct {
	mu        sync.Mutex
	scripts   []chan step
	histories []model.History
	startErr  error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) script() chan step {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan step, 64)
	f.scripts = append(f.scripts, ch)
	return ch
}

func (f *fakeSource) Generate(ctx context.Context, history model.History) (llm.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.histories = append(f.histories, history)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if len(f.scripts) == 0 {
		return nil, errors.New("no script queued")
	}
	ch := f.scripts[0]
	f.scripts = f.scripts[1:]
	return &fakeStream{ctx: ctx, steps: ch}, nil
}

func (f *fakeSource) generated() []model.History {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.History(nil), f.histories...)
}

type fakeStream struct {
	ctx   context.Context
	steps chan step
}

func (s *fakeStream) Recv() (string, error) {
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case st, ok := <-s.steps:
		if !ok {
			return "", io.EOF
		}
		return st.text, st.err
	}
}

func (s *fakeStream) Close() error { return nil }

type flakyStore struct {
	store.StateStore
	mu      sync.Mutex
	failSet error
	failGet int
}

func (f *flakyStore) setFailure(err error) {
	f.mu.Lock()
	f.failSet = err
	f.mu.Unlock()
}

// Get fails the next failGet calls.
func (f *flakyStore) Get(ctx context.Context, key string) (*model.Record, error) {
	f.mu.Lock()
	fail := f.failGet > 0
	if fail {
		f.failGet--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.StateStore.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, rec *model.Record) error {
	f.mu.Lock()
	err := f.failSet
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.StateStore.Set(ctx, key, rec)
}

type harness struct {
	d      *Dispatcher
	store  *store.Memory
	sink   *rendertest.Recorder
	source *fakeSource
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.MaxContextSize == 0 {
		cfg.MaxContextSize = 10
	}
	h := &harness{
		store:  store.NewMemory(),
		sink:   rendertest.NewRecorder(),
		source: &fakeSource{},
	}
	h.d = NewDispatcher(h.store, h.sink, h.source, cfg, logger.NewNop())
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) send(t *testing.T, key, text string) {
	t.Helper()
	require.NoError(t, h.d.Dispatch(t.Context(), model.Event{Key: key, Sender: "Ann", Text: text}))
}

// idle waits for every running generation to settle.
func (h *harness) idle() {
	h.d.pumps.Wait()
}

func (h *harness) record(t *testing.T, key string) *model.Record {
	t.Helper()
	rec, err := h.store.Get(t.Context(), key)
	require.NoError(t, err)
	return rec
}

func (h *harness) waitFor(t *testing.T, key string, kind model.RenderKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range h.sink.Kinds(key) {
			if k == kind {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func count(kinds []model.RenderKind, kind model.RenderKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestDispatcher_CompletedGeneration(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(t, "room", "/start")
	assert.Equal(t, []string{fsm.TextReady}, h.sink.Sent("room"))

	script := h.source.script()
	script <- step{text: "Hel"}
	script <- step{text: "lo"}
	close(script)
	h.send(t, "room", "hi")
	h.idle()

	assert.Equal(t, []model.RenderKind{
		model.RenderSend,
		model.RenderCreateLive,
		model.RenderTyping,
		model.RenderUpdateLive,
		model.RenderUpdateLive,
		model.RenderDelete,
		model.RenderSend,
		model.RenderTyping,
	}, h.sink.Kinds("room"))

	calls := h.sink.CallsFor("room")
	assert.Equal(t, fsm.TextPlaceholder, calls[1].Text)
	assert.Equal(t, fsm.StopButtons, calls[1].Buttons)
	assert.Equal(t, "Hel", calls[3].Text)
	assert.Equal(t, "Hello", calls[4].Text)
	assert.Equal(t, calls[1].Handle, calls[5].Handle)
	assert.Equal(t, "Hello", calls[6].Text)
	assert.True(t, calls[6].Audible)
	assert.Equal(t, fsm.EndButtons, calls[6].Buttons)

	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingPrompt, rec.State)
	assert.Equal(t, model.History{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "Hello"},
	}, rec.History)

	require.Len(t, h.source.generated(), 1)
	assert.Equal(t, model.History{{Role: model.RoleUser, Content: "hi"}}, h.source.generated()[0])
}

func TestDispatcher_StopDuringStreaming(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	script <- step{text: "Once upon"}
	h.send(t, "room", "tell me a story")
	h.waitFor(t, "room", model.RenderUpdateLive)

	h.send(t, "room", "/_stop")
	rendered := len(h.sink.CallsFor("room"))

	// Fragments produced after the stop must never reach the sink.
	script <- step{text: " a time"}
	close(script)
	h.idle()

	calls := h.sink.CallsFor("room")
	require.Len(t, calls, rendered)
	assert.Equal(t, 1, count(h.sink.Kinds("room"), model.RenderDelete))
	assert.Equal(t, []string{fsm.TextReady, "Once upon"}, h.sink.Sent("room"))
	assert.Equal(t, model.RenderTyping, calls[len(calls)-1].Kind)
	assert.False(t, calls[len(calls)-1].Typing)

	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingPrompt, rec.State)
	assert.Equal(t, model.History{{Role: model.RoleUser, Content: "tell me a story"}}, rec.History)
}

func TestDispatcher_StopRacingFragments(t *testing.T) {
	for i := range 20 {
		t.Run(fmt.Sprintf("run-%d", i), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.send(t, "room", "/start")

			script := h.source.script()
			script <- step{text: "x"}
			h.send(t, "room", "go")
			h.waitFor(t, "room", model.RenderUpdateLive)

			done := make(chan struct{})
			go func() {
				defer close(done)
				for range 200 {
					select {
					case script <- step{text: "x"}:
					case <-time.After(50 * time.Millisecond):
						return
					}
				}
			}()

			h.send(t, "room", "/_stop")
			rendered := len(h.sink.CallsFor("room"))
			<-done
			h.idle()

			assert.Len(t, h.sink.CallsFor("room"), rendered)
			kinds := h.sink.Kinds("room")
			assert.Equal(t, 1, count(kinds, model.RenderDelete))

			sent := h.sink.Sent("room")
			require.Len(t, sent, 2)
			assert.NotEmpty(t, sent[1])
			assert.Empty(t, strings.Trim(sent[1], "x"))
		})
	}
}

func TestDispatcher_DoubleStopIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	h.send(t, "room", "hi")

	h.send(t, "room", "/_stop")
	rendered := len(h.sink.CallsFor("room"))
	h.send(t, "room", "/_stop")
	close(script)
	h.idle()

	assert.Len(t, h.sink.CallsFor("room"), rendered)
	assert.Equal(t, []string{fsm.TextReady, fsm.TextInterrupted}, h.sink.Sent("room"))
}

func TestDispatcher_BackendUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.startErr = &llm.Error{Kind: llm.ErrUnavailable, Provider: "fake", Err: errors.New("connection refused")}

	h.send(t, "room", "/start")
	h.send(t, "room", "hi")
	h.idle()

	assert.Equal(t, []model.RenderKind{
		model.RenderSend,
		model.RenderCreateLive,
		model.RenderDelete,
		model.RenderSend,
	}, h.sink.Kinds("room"))
	sent := h.sink.Sent("room")
	assert.Equal(t, fsm.ErrorText(llm.Describe(h.source.startErr)), sent[len(sent)-1])

	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingPrompt, rec.State)
	assert.Equal(t, model.History{{Role: model.RoleUser, Content: "hi"}}, rec.History)
}

func TestDispatcher_FailureAfterPartialOutput(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	script <- step{text: "partial"}
	script <- step{err: &llm.Error{Kind: llm.ErrRejected, Provider: "fake", Err: errors.New("policy")}}
	h.send(t, "room", "hi")
	h.idle()

	sent := h.sink.Sent("room")
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "rejected")
	assert.NotContains(t, sent[1], "partial")

	rec := h.record(t, "room")
	assert.Equal(t, model.History{{Role: model.RoleUser, Content: "hi"}}, rec.History)
}

func TestDispatcher_EmptyResponse(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	script <- step{text: ""}
	close(script)
	h.send(t, "room", "hi")
	h.idle()

	assert.Equal(t, []string{fsm.TextReady, fsm.TextEmptyResponse}, h.sink.Sent("room"))
	assert.Zero(t, count(h.sink.Kinds("room"), model.RenderUpdateLive))
	assert.Equal(t, model.History{{Role: model.RoleUser, Content: "hi"}}, h.record(t, "room").History)
}

func TestDispatcher_ResetDuringGeneration(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	script <- step{text: "Hel"}
	h.send(t, "room", "hi")
	h.waitFor(t, "room", model.RenderUpdateLive)

	h.send(t, "room", "/end")
	script <- step{text: "lo"}
	close(script)
	h.idle()

	sent := h.sink.Sent("room")
	assert.Equal(t, fsm.TextCleared, sent[len(sent)-1])
	assert.Equal(t, 1, count(h.sink.Kinds("room"), model.RenderUpdateLive))

	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingStart, rec.State)
	assert.Empty(t, rec.History)
}

func TestDispatcher_MessageDuringGenerationIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	script := h.source.script()
	h.send(t, "room", "first")
	h.send(t, "room", "second")
	script <- step{text: "answer"}
	close(script)
	h.idle()

	assert.Len(t, h.source.generated(), 1)
	assert.Equal(t, model.History{
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleAssistant, Content: "answer"},
	}, h.record(t, "room").History)
}

func TestDispatcher_OrphanRecovery(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.store.Set(t.Context(), "room", &model.Record{
		State:   model.StateStreamingResponse,
		History: model.History{{Role: model.RoleUser, Content: "lost"}},
	}))

	rec, err := h.d.Snapshot(t.Context(), "room")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPrompt, rec.State)

	script := h.source.script()
	close(script)
	h.send(t, "room", "again")
	h.idle()

	require.Len(t, h.source.generated(), 1)
	assert.Equal(t, model.History{
		{Role: model.RoleUser, Content: "lost"},
		{Role: model.RoleUser, Content: "again"},
	}, h.source.generated()[0])
	assert.Equal(t, model.StateAwaitingPrompt, h.record(t, "room").State)
}

func TestDispatcher_OverflowResets(t *testing.T) {
	h := newHarness(t, Config{MaxContextSize: 2})
	require.NoError(t, h.store.Set(t.Context(), "room", &model.Record{
		State: model.StateAwaitingPrompt,
		History: model.History{
			{Role: model.RoleUser, Content: "a"},
			{Role: model.RoleAssistant, Content: "b"},
			{Role: model.RoleUser, Content: "c"},
		},
	}))

	h.send(t, "room", "d")

	assert.Equal(t, []string{fsm.TextOverflow + fsm.TextCleared}, h.sink.Sent("room"))
	assert.Empty(t, h.source.generated())
	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingStart, rec.State)
	assert.Empty(t, rec.History)
}

func TestDispatcher_DuplicateEventsDropped(t *testing.T) {
	h := newHarness(t, Config{DedupeTTL: time.Minute, DedupeSize: 16})

	ev := model.Event{ID: "evt-1", Key: "room", Text: "/help"}
	require.NoError(t, h.d.Dispatch(t.Context(), ev))
	require.NoError(t, h.d.Dispatch(t.Context(), ev))

	assert.Len(t, h.sink.Sent("room"), 1)

	ev.Key = "other"
	require.NoError(t, h.d.Dispatch(t.Context(), ev))
	assert.Len(t, h.sink.Sent("other"), 1)
}

func TestDispatcher_KeysAreIndependent(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "a", "/start")
	h.send(t, "b", "/start")

	blocked := h.source.script()
	h.send(t, "a", "slow")

	fast := h.source.script()
	fast <- step{text: "quick"}
	close(fast)
	h.send(t, "b", "fast")

	require.Eventually(t, func() bool {
		return h.sink.Sent("b")[len(h.sink.Sent("b"))-1] == "quick"
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := h.d.Snapshot(t.Context(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingGeneration, rec.State)

	close(blocked)
	h.idle()
}

func TestDispatcher_RenderFailureDoesNotStopGeneration(t *testing.T) {
	h := newHarness(t, Config{})
	h.sink.Fail(model.RenderCreateLive, errors.New("chat unavailable"))
	h.send(t, "room", "/start")

	script := h.source.script()
	script <- step{text: "Hello"}
	close(script)
	h.send(t, "room", "hi")
	h.idle()

	kinds := h.sink.Kinds("room")
	assert.Zero(t, count(kinds, model.RenderUpdateLive))
	assert.Zero(t, count(kinds, model.RenderDelete))
	assert.Equal(t, []string{fsm.TextReady, "Hello"}, h.sink.Sent("room"))
}

func TestDispatcher_ThrottledUpdates(t *testing.T) {
	h := newHarness(t, Config{RenderRate: 0.001, RenderBurst: 1})
	h.send(t, "room", "/start")

	script := h.source.script()
	for _, s := range []string{"a", "b", "c", "d"} {
		script <- step{text: s}
	}
	close(script)
	h.send(t, "room", "hi")
	h.idle()

	assert.Equal(t, 1, count(h.sink.Kinds("room"), model.RenderUpdateLive))
	sent := h.sink.Sent("room")
	assert.Equal(t, "abcd", sent[len(sent)-1])
}

func TestDispatcher_PersistFailureResetsConversation(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{StateStore: mem}
	sink := rendertest.NewRecorder()
	d := NewDispatcher(flaky, sink, &fakeSource{}, Config{MaxContextSize: 10}, logger.NewNop())
	t.Cleanup(d.Close)

	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "/start"}))

	flaky.mu.Lock()
	flaky.failSet = errors.New("disk full")
	flaky.mu.Unlock()

	err := d.Dispatch(t.Context(), model.Event{Key: "room", Text: "hi"})
	require.Error(t, err)

	sent := sink.Sent("room")
	assert.Equal(t, fsm.TextInternalError, sent[len(sent)-1])
	assert.Zero(t, count(sink.Kinds("room"), model.RenderCreateLive))

	_, err = mem.Get(t.Context(), "room")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatcher_PersistFailureWhileStreamingStopsTyping(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{StateStore: mem}
	sink := rendertest.NewRecorder()
	src := &fakeSource{}
	d := NewDispatcher(flaky, sink, src, Config{MaxContextSize: 10}, logger.NewNop())
	t.Cleanup(d.Close)

	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "/start"}))
	script := src.script()
	script <- step{text: "Hel"}
	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "hi"}))
	require.Eventually(t, func() bool {
		return count(sink.Kinds("room"), model.RenderUpdateLive) == 1
	}, 2*time.Second, 5*time.Millisecond)

	flaky.setFailure(errors.New("disk full"))
	close(script)
	d.pumps.Wait()

	calls := sink.CallsFor("room")
	require.GreaterOrEqual(t, len(calls), 3)
	tail := calls[len(calls)-3:]
	assert.Equal(t, model.RenderDelete, tail[0].Kind)
	assert.Equal(t, model.RenderTyping, tail[1].Kind)
	assert.False(t, tail[1].Typing)
	assert.Equal(t, model.RenderSend, tail[2].Kind)
	assert.Equal(t, fsm.TextInternalError, tail[2].Text)
}

func TestDispatcher_RedeliveryAfterLoadFailure(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{StateStore: mem, failGet: 1}
	sink := rendertest.NewRecorder()
	d := NewDispatcher(flaky, sink, &fakeSource{}, Config{
		MaxContextSize: 10,
		DedupeTTL:      time.Minute,
		DedupeSize:     16,
	}, logger.NewNop())
	t.Cleanup(d.Close)

	ev := model.Event{ID: "seq-7", Key: "room", Text: "/start"}
	require.Error(t, d.Dispatch(t.Context(), ev))
	assert.Equal(t, []string{fsm.TextUnavailable}, sink.Sent("room"))
	_, err := mem.Get(t.Context(), "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.Dispatch(t.Context(), ev))
	assert.Equal(t, []string{fsm.TextUnavailable, fsm.TextReady}, sink.Sent("room"))
	rec, err := mem.Get(t.Context(), "room")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPrompt, rec.State)

	// Once applied, the event is a duplicate again.
	require.NoError(t, d.Dispatch(t.Context(), ev))
	assert.Len(t, sink.Sent("room"), 2)
}

func TestDispatcher_LoadFailureLeavesRecord(t *testing.T) {
	mem := store.NewMemory()
	stored := &model.Record{
		State:   model.StateAwaitingPrompt,
		History: model.History{{Role: model.RoleUser, Content: "earlier"}},
	}
	require.NoError(t, mem.Set(t.Context(), "room", stored))
	flaky := &flakyStore{StateStore: mem, failGet: 1}
	sink := rendertest.NewRecorder()
	src := &fakeSource{}
	d := NewDispatcher(flaky, sink, src, Config{MaxContextSize: 10}, logger.NewNop())
	t.Cleanup(d.Close)

	require.Error(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "hi"}))

	assert.Equal(t, []string{fsm.TextUnavailable}, sink.Sent("room"))
	assert.Empty(t, src.generated())
	rec, err := mem.Get(t.Context(), "room")
	require.NoError(t, err)
	assert.Equal(t, stored, rec)
}

func TestDispatcher_UnknownStoredStateResets(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.store.Set(t.Context(), "room", &model.Record{
		State:   "waiting_user_prompt",
		History: model.History{{Role: model.RoleUser, Content: "old"}},
	}))

	_, err := h.d.Snapshot(t.Context(), "room")
	assert.ErrorIs(t, err, store.ErrCorrupt)

	h.send(t, "room", "hello")

	assert.Equal(t, []string{fsm.TextInternalError, fsm.Greeting("Ann")}, h.sink.Sent("room"))
	rec := h.record(t, "room")
	assert.Equal(t, model.StateAwaitingStart, rec.State)
	assert.Empty(t, rec.History)

	h.send(t, "room", "/start")
	assert.Equal(t, model.StateAwaitingPrompt, h.record(t, "room").State)
}

// stallingSink holds every live update until the render deadline.
type stallingSink struct {
	*rendertest.Recorder
}

func (s stallingSink) UpdateLive(ctx context.Context, _ string, _ model.Handle, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_StalledRenderIsBoundedByTimeout(t *testing.T) {
	sink := rendertest.NewRecorder()
	src := &fakeSource{}
	d := NewDispatcher(store.NewMemory(), stallingSink{sink}, src, Config{
		MaxContextSize: 10,
		RenderTimeout:  20 * time.Millisecond,
	}, logger.NewNop())
	t.Cleanup(d.Close)

	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "/start"}))
	script := src.script()
	script <- step{text: "Hel"}
	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "hi"}))
	require.Eventually(t, func() bool {
		return count(sink.Kinds("room"), model.RenderTyping) == 1
	}, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	require.NoError(t, d.Dispatch(t.Context(), model.Event{Key: "room", Text: "/_stop"}))
	assert.Less(t, time.Since(started), time.Second)

	close(script)
	d.pumps.Wait()
	assert.Equal(t, []string{fsm.TextReady, "Hel"}, sink.Sent("room"))
}

func TestDispatcher_CloseLeavesRecordForRecovery(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "room", "/start")

	h.source.script()
	h.send(t, "room", "hi")
	h.d.Close()

	assert.Equal(t, model.StateAwaitingGeneration, h.record(t, "room").State)
}

func TestDispatcher_RejectsMissingKey(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Error(t, h.d.Dispatch(t.Context(), model.Event{Text: "hi"}))
}
