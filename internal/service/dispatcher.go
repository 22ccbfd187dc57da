// Package service runs conversations: it serializes events per conversation
// key, feeds them through the state machine and executes the resulting
// actions against the render sink and the generation source.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/conversational-bot/internal/dedupe"
	"github.com/capitalize-ai/conversational-bot/internal/fsm"
	"github.com/capitalize-ai/conversational-bot/internal/llm"
	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render"
	"github.com/capitalize-ai/conversational-bot/internal/store"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
	"github.com/capitalize-ai/conversational-bot/pkg/metrics"
	"github.com/capitalize-ai/conversational-bot/pkg/tracing"
)

// Config tunes the dispatcher.
type Config struct {
	// MaxContextSize bounds the history length before a conversation is reset.
	MaxContextSize int

	// RenderTimeout bounds every render call. Zero means no timeout.
	RenderTimeout time.Duration

	// RenderRate caps live message edits per second for one generation.
	// Zero disables throttling. Skipped edits are never replayed; the final
	// message always carries the full text.
	RenderRate  float64
	RenderBurst int

	// DedupeTTL and DedupeSize bound the inbound event id cache. A zero size
	// disables deduplication.
	DedupeTTL  time.Duration
	DedupeSize int
}

// Dispatcher owns the live conversations of one process.
type Dispatcher struct {
	machine *fsm.Machine
	store   store.StateStore
	sink    render.Sink
	source  llm.Source
	seen    *dedupe.Cache
	cfg     Config
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes the events of one key. It lives while anything holds a
// reference: an event being handled or a running generation.
type entry struct {
	mu      sync.Mutex
	refs    int
	session *fsm.Session
	gen     *generation
}

type generation struct {
	epoch     uint64
	cancel    context.CancelFunc
	limiter   *rate.Limiter
	span      trace.Span
	started   time.Time
	fragments int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st store.StateStore, sink render.Sink, src llm.Source, cfg Config, log *logger.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		machine: fsm.New(fsm.Config{MaxContextSize: cfg.MaxContextSize}),
		store:   st,
		sink:    sink,
		source:  src,
		cfg:     cfg,
		logger:  log.With(zap.String("component", "dispatcher")),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	if cfg.DedupeSize > 0 {
		d.seen = dedupe.New(cfg.DedupeTTL, cfg.DedupeSize)
	}
	return d
}

// Dispatch handles one inbound event. It returns once the event's transition
// has been persisted and rendered; generation continues in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) error {
	if ev.Key == "" {
		return errors.New("event has no conversation key")
	}
	var seenID string
	if ev.ID != "" && d.seen != nil {
		seenID = ev.Key + "/" + ev.ID
		if d.seen.Seen(seenID) {
			metrics.DuplicateEventsTotal.Inc()
			d.logger.Debug("duplicate event dropped",
				zap.String("conversation_key", ev.Key),
				zap.String("event_id", ev.ID))
			return nil
		}
	}

	e := d.acquire(ev.Key)
	defer d.release(ev.Key, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if _, err := d.load(ctx, ev.Key, e); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			// The event was not applied; a redelivery must get through.
			if seenID != "" {
				d.seen.Forget(seenID)
			}
			d.unavailable(ctx, ev.Key, err)
			return err
		}
		d.resetConversation(ctx, ev.Key, e, err)
	}
	return d.step(ctx, ev.Key, e, fsm.Parse(ev))
}

// Snapshot returns the current record of key.
func (d *Dispatcher) Snapshot(ctx context.Context, key string) (*model.Record, error) {
	e := d.acquire(key)
	defer d.release(key, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		return e.session.Record(), nil
	}
	rec, err := d.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewRecord(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupt, err)
	}
	s, _ := fsm.FromRecord(rec)
	return s.Record(), nil
}

// Close aborts running generations and waits for their pumps to exit. The
// affected records stay in a generating state and are recovered on next use.
func (d *Dispatcher) Close() {
	d.cancel()
	d.pumps.Wait()
}

func (d *Dispatcher) acquire(key string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		e = &entry{}
		d.entries[key] = e
	}
	e.refs++
	return e
}

func (d *Dispatcher) release(key string, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e.refs--
	if e.refs <= 0 {
		delete(d.entries, key)
	}
}

func (d *Dispatcher) retain(e *entry) {
	d.mu.Lock()
	e.refs++
	d.mu.Unlock()
}

// load returns the session of key, reading it from the store when the entry
// is cold. Must be called with e.mu held.
func (d *Dispatcher) load(ctx context.Context, key string, e *entry) (fsm.Session, error) {
	if e.session != nil {
		return *e.session, nil
	}

	rec, err := d.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s := fsm.NewSession()
		e.session = &s
		return s, nil
	case err != nil:
		metrics.StoreErrorsTotal.WithLabelValues("get").Inc()
		return fsm.Session{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if err := rec.Validate(); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("get").Inc()
		return fsm.Session{}, fmt.Errorf("failed to load conversation: %w: %w", store.ErrCorrupt, err)
	}

	s, orphaned := fsm.FromRecord(rec)
	if orphaned {
		metrics.OrphansRecoveredTotal.Inc()
		d.logger.Warn("recovered conversation from unowned generation",
			zap.String("conversation_key", key),
			zap.String("stored_state", string(rec.State)))
		if err := d.store.Set(ctx, key, s.Record()); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("set").Inc()
			d.logger.Warn("failed to persist recovered conversation", zap.String("conversation_key", key), zap.Error(err))
		}
	}
	e.session = &s
	return s, nil
}

// step applies ev to the session of key. Must be called with e.mu held.
func (d *Dispatcher) step(ctx context.Context, key string, e *entry, ev fsm.Event) error {
	s, err := d.load(ctx, key, e)
	if err != nil {
		d.logger.Error("event dropped", zap.String("conversation_key", key), zap.String("event", ev.Name()), zap.Error(err))
		return err
	}

	t := d.machine.Handle(s, ev)
	metrics.RecordTransition(ev.Name(), string(s.State), string(t.Session.State))

	if t.Persist {
		if err := d.persist(ctx, key, t); err != nil {
			return d.internalError(ctx, key, e, err)
		}
	}

	next := t.Session
	e.session = &next
	d.execute(ctx, key, e, t.Actions)

	if s.State.Generating() && !next.State.Generating() {
		d.finishGeneration(e, outcome(ev))
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, key string, t fsm.Transition) error {
	if t.Reset {
		if err := d.store.Drop(ctx, key); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("drop").Inc()
			return fmt.Errorf("failed to drop conversation: %w", err)
		}
	}
	if err := d.store.Set(ctx, key, t.Session.Record()); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// internalError abandons the conversation after a failure the state machine
// cannot express.
func (d *Dispatcher) internalError(ctx context.Context, key string, e *entry, cause error) error {
	d.resetConversation(ctx, key, e, cause)
	return cause
}

// resetConversation tells the user and starts the conversation over. The
// stored record is replaced even when it could not be read.
func (d *Dispatcher) resetConversation(ctx context.Context, key string, e *entry, cause error) {
	d.logger.Error("conversation reset after internal error", zap.String("conversation_key", key), zap.Error(cause))

	if e.session != nil && e.session.Live != nil && e.session.Live.Handle != "" {
		d.render(ctx, key, model.RenderDelete, func(ctx context.Context) error {
			return d.sink.Delete(ctx, key, e.session.Live.Handle)
		})
	}
	if e.session != nil && e.session.State == model.StateStreamingResponse {
		d.render(ctx, key, model.RenderTyping, func(ctx context.Context) error {
			return d.sink.SetTyping(ctx, key, false)
		})
	}
	if e.gen != nil {
		d.finishGeneration(e, "error")
	}

	fresh := fsm.NewSession()
	if e.session != nil {
		fresh.Epoch = e.session.Epoch + 1
	}
	e.session = &fresh

	d.render(ctx, key, model.RenderSend, func(ctx context.Context) error {
		return d.sink.Send(ctx, key, render.Message{Text: fsm.TextInternalError, Buttons: fsm.StartButtons, Audible: true})
	})

	if err := d.persist(ctx, key, fsm.Transition{Session: fresh, Reset: true}); err != nil {
		d.logger.Warn("failed to reset conversation", zap.String("conversation_key", key), zap.Error(err))
	}
}

// unavailable answers an event that could not be applied because the record
// could not be loaded. The record is left untouched.
func (d *Dispatcher) unavailable(ctx context.Context, key string, cause error) {
	d.logger.Error("event dropped", zap.String("conversation_key", key), zap.Error(cause))
	d.render(ctx, key, model.RenderSend, func(ctx context.Context) error {
		return d.sink.Send(ctx, key, render.Message{Text: fsm.TextUnavailable, Audible: true})
	})
}

// execute runs actions in order. Render failures are logged and skipped.
func (d *Dispatcher) execute(ctx context.Context, key string, e *entry, actions []fsm.Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case fsm.CreateLive:
			var h model.Handle
			ok := d.render(ctx, key, model.RenderCreateLive, func(ctx context.Context) error {
				var err error
				h, err = d.sink.CreateLive(ctx, key, a.Text, a.Buttons)
				return err
			})
			if ok {
				e.session.BindHandle(a.Epoch, h)
			}

		case fsm.UpdateLive:
			if e.gen != nil && e.gen.limiter != nil && !e.gen.limiter.Allow() {
				continue
			}
			d.render(ctx, key, model.RenderUpdateLive, func(ctx context.Context) error {
				return d.sink.UpdateLive(ctx, key, a.Handle, a.Text)
			})

		case fsm.DeleteMessage:
			d.render(ctx, key, model.RenderDelete, func(ctx context.Context) error {
				return d.sink.Delete(ctx, key, a.Handle)
			})

		case fsm.SendMessage:
			d.render(ctx, key, model.RenderSend, func(ctx context.Context) error {
				return d.sink.Send(ctx, key, render.Message{Text: a.Text, Buttons: a.Buttons, Audible: a.Audible})
			})

		case fsm.SetTyping:
			d.render(ctx, key, model.RenderTyping, func(ctx context.Context) error {
				return d.sink.SetTyping(ctx, key, a.On)
			})

		case fsm.StartGeneration:
			d.startGeneration(key, e, a)

		case fsm.CancelGeneration:
			if e.gen != nil && e.gen.epoch == a.Epoch {
				e.gen.cancel()
			}
		}
	}
}

func (d *Dispatcher) render(ctx context.Context, key string, kind model.RenderKind, call func(ctx context.Context) error) bool {
	if d.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RenderTimeout)
		defer cancel()
	}

	if err := call(ctx); err != nil {
		metrics.RenderFailuresTotal.WithLabelValues(string(kind)).Inc()
		d.logger.Warn("render failed",
			zap.String("conversation_key", key),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return false
	}
	return true
}

// startGeneration launches the fragment pump. The pump holds a reference on
// the entry so the in-memory session outlives the triggering event.
func (d *Dispatcher) startGeneration(key string, e *entry, a fsm.StartGeneration) {
	ctx, cancel := context.WithCancel(d.ctx)
	ctx, span := tracing.Tracer().Start(ctx, "conversation.generate", trace.WithAttributes(
		attribute.String("conversation.key", key),
		attribute.String("llm.provider", d.source.Name()),
		attribute.Int("conversation.history_length", len(a.History)),
	))

	gen := &generation{
		epoch:   a.Epoch,
		cancel:  cancel,
		span:    span,
		started: time.Now(),
	}
	if d.cfg.RenderRate > 0 {
		burst := d.cfg.RenderBurst
		if burst < 1 {
			burst = 1
		}
		gen.limiter = rate.NewLimiter(rate.Limit(d.cfg.RenderRate), burst)
	}
	e.gen = gen
	metrics.ActiveGenerations.Inc()

	d.retain(e)
	d.pumps.Add(1)
	go d.pump(ctx, key, e, gen, a.History)
}

func (d *Dispatcher) finishGeneration(e *entry, result string) {
	gen := e.gen
	if gen == nil {
		return
	}
	e.gen = nil

	gen.cancel()
	gen.span.SetAttributes(
		attribute.String("generation.outcome", result),
		attribute.Int("generation.fragments", gen.fragments),
	)
	if result == "failed" || result == "error" {
		gen.span.SetStatus(codes.Error, result)
	}
	gen.span.End()

	metrics.ActiveGenerations.Dec()
	metrics.RecordGeneration(d.source.Name(), result, time.Since(gen.started).Seconds())
}

// pump reads the generation stream and feeds it back through the entry lock.
// It exits as soon as its epoch is no longer current.
func (d *Dispatcher) pump(ctx context.Context, key string, e *entry, gen *generation, history model.History) {
	defer d.pumps.Done()
	defer d.release(key, e)

	log := d.logger.With(zap.String("conversation_key", key), zap.Uint64("epoch", gen.epoch))

	stream, err := d.source.Generate(ctx, history)
	if err != nil {
		log.Warn("generation failed to start", zap.Error(err))
		d.deliver(key, e, gen, fsm.GenerationFailed{Epoch: gen.epoch, Err: err})
		return
	}
	defer stream.Close()

	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			d.deliver(key, e, gen, fsm.StreamEnded{Epoch: gen.epoch})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("generation failed", zap.Error(err))
			}
			d.deliver(key, e, gen, fsm.GenerationFailed{Epoch: gen.epoch, Err: err})
			return
		}

		metrics.FragmentsTotal.WithLabelValues(d.source.Name()).Inc()
		if !d.deliver(key, e, gen, fsm.Fragment{Epoch: gen.epoch, Text: text}) {
			return
		}
	}
}

// deliver applies a generation event if gen still owns the session and
// reports whether it still does afterwards.
func (d *Dispatcher) deliver(key string, e *entry, gen *generation, ev fsm.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A shutdown leaves the record as is for orphan recovery.
	if d.ctx.Err() != nil {
		if e.gen == gen {
			d.finishGeneration(e, "shutdown")
		}
		return false
	}
	if e.gen != gen || e.session == nil || !e.session.Current(gen.epoch) {
		return false
	}
	if _, ok := ev.(fsm.Fragment); ok {
		gen.fragments++
	}

	if err := d.step(d.ctx, key, e, ev); err != nil {
		return false
	}
	return e.gen == gen && e.session.Current(gen.epoch)
}

func outcome(ev fsm.Event) string {
	switch ev.(type) {
	case fsm.StreamEnded:
		return "completed"
	case fsm.GenerationFailed:
		return "failed"
	case fsm.StopCommand:
		return "stopped"
	default:
		return "reset"
	}
}
