// Package engine is the session state machine: it owns the interview
// session stack, the resolution internals, and the snapshot observers
// pull. Lifecycle operations go through the decision service; screen
// data changes resolve locally first and batch the remote leg over a
// short idle window. Results of a superseded resolution cycle are
// discarded by stamp comparison, never applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/dispatch"
	"parley/internal/logging"
	"parley/internal/resolve"
	"parley/internal/ruleeval"
	"parley/internal/sidebar"
	"parley/internal/snapshot"
	"parley/internal/types"
)

// ErrNoSession is returned by operations that require an active session
// before Create or Load has succeeded.
var ErrNoSession = errors.New("engine: no active session")

// SessionAPI is the slice of the decision-service client the engine
// drives sessions through.
type SessionAPI interface {
	Create(ctx context.Context, cfg types.SessionConfig) (*types.Session, error)
	Load(ctx context.Context, cfg types.SessionConfig) (*types.Session, error)
	Submit(ctx context.Context, sess *types.Session, data types.AttributeValues, navigate string, overrides map[string]any) (*types.Session, error)
	Navigate(ctx context.Context, sess *types.Session, step string, overrides map[string]any) (*types.Session, error)
	Back(ctx context.Context, sess *types.Session, overrides map[string]any) (*types.Session, error)
	Chat(ctx context.Context, sess *types.Session, message, goal string, overrides map[string]any, interactionID string) (*types.ChatResponse, error)
	Simulate(ctx context.Context, sess *types.Session, payload api.SimulatePayload) (types.AttributeValues, error)
	ExportTimeline(ctx context.Context, sess *types.Session) (string, error)
}

// Checkpointer persists session checkpoints and exported timelines.
// A nil store disables persistence.
type Checkpointer interface {
	SaveCheckpoint(sess *types.Session) error
	SaveTimeline(sessionID, payload string) error
}

// Options are the engine's injected collaborators. Nothing here is a
// package-level singleton: two engines with different options coexist.
type Options struct {
	API        SessionAPI
	Loader     ruleeval.Loader
	Generators *sidebar.Registry
	Store      Checkpointer
	Debounce   time.Duration
}

// remoteWork is one debounced remote resolution leg waiting to run.
type remoteWork struct {
	stamp     uint64
	sess      *types.Session
	remaining map[string]resolve.GoalQuery
	sidebars  *sidebar.Batch
}

// Engine drives interview sessions. All mutable state is guarded by mu;
// the remote leg runs on its own goroutine and re-enters through
// applyReplacements, where the stamp check decides whether its result
// is still current.
type Engine struct {
	api        SessionAPI
	dispatcher *dispatch.Dispatcher
	generators *sidebar.Registry
	store      Checkpointer
	debounce   time.Duration
	publisher  *snapshot.Publisher

	mu       sync.Mutex
	sessions []*types.Session
	active   int
	status   types.Status
	err      error
	loading  bool

	userValues    types.AttributeValues
	replacements  types.AttributeValues
	canProgress   bool
	latestRequest uint64

	pending       *remoteWork
	debounceTimer *time.Timer
	wg            sync.WaitGroup
	closed        bool
}

// New builds an engine from its collaborators. Debounce defaults to
// 400ms when unset.
func New(opts Options) *Engine {
	gens := opts.Generators
	if gens == nil {
		gens = sidebar.DefaultRegistry()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	return &Engine{
		api:          opts.API,
		dispatcher:   dispatch.New(opts.Loader, opts.API),
		generators:   gens,
		store:        opts.Store,
		debounce:     debounce,
		publisher:    snapshot.NewPublisher(),
		active:       -1,
		status:       types.StatusLoading,
		userValues:   make(types.AttributeValues),
		replacements: make(types.AttributeValues),
	}
}

// Subscribe registers an observer callback and returns its unsubscribe.
// Callbacks carry no payload; observers re-read through GetSnapshot.
func (e *Engine) Subscribe(cb func()) func() {
	return e.publisher.Subscribe(cb)
}

// GetSnapshot returns the current view of engine state. Consecutive
// calls without an intervening change return the same pointer.
func (e *Engine) GetSnapshot() *types.Snapshot {
	e.mu.Lock()
	cand := e.snapshotLocked()
	e.mu.Unlock()
	return e.publisher.Resolve(cand)
}

// CanProgress reports whether the screen's next action is currently
// enabled, per its dependency gate.
func (e *Engine) CanProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canProgress
}

// Create starts a fresh top-level session, replacing any existing
// session stack.
func (e *Engine) Create(ctx context.Context, cfg types.SessionConfig) error {
	return e.begin(ctx, cfg, e.api.Create)
}

// Load resumes an existing session, replacing any existing stack.
func (e *Engine) Load(ctx context.Context, cfg types.SessionConfig) error {
	return e.begin(ctx, cfg, e.api.Load)
}

func (e *Engine) begin(ctx context.Context, cfg types.SessionConfig, call func(context.Context, types.SessionConfig) (*types.Session, error)) error {
	e.setBusy()
	sess, err := call(ctx, cfg)
	if err != nil {
		e.fail(fmt.Errorf("session %s: %w", cfg.Model, err))
		return err
	}

	e.mu.Lock()
	e.sessions = append(e.sessions[:0], sess)
	e.active = 0
	e.resetInternalsLocked(sess)
	e.renderLocked()
	e.settleLocked()
	e.mu.Unlock()
	e.publish()
	e.checkpoint(sess)
	logging.Session("session %s started on screen %s", sess.SessionID, sess.Screen.ID)
	return nil
}

// Submit sends field values to the service, optionally navigating, and
// installs the replacement session.
func (e *Engine) Submit(ctx context.Context, data types.AttributeValues, navigate string, overrides map[string]any) error {
	sess := e.activeSession()
	if sess == nil {
		return ErrNoSession
	}
	e.setBusy()
	next, err := e.api.Submit(ctx, sess, data, navigate, overrides)
	if err != nil {
		e.fail(fmt.Errorf("submit: %w", err))
		return err
	}
	e.updateSession(next)
	return nil
}

// Next advances the interview. A sub-interview on its last step is
// popped instead, returning control to the parent.
func (e *Engine) Next(ctx context.Context, data types.AttributeValues) error {
	if e.popIfBoundary(true) {
		return nil
	}
	return e.Submit(ctx, data, "next", nil)
}

// Back steps the interview backwards. A sub-interview on its first step
// is popped instead.
func (e *Engine) Back(ctx context.Context) error {
	if e.popIfBoundary(false) {
		return nil
	}
	sess := e.activeSession()
	if sess == nil {
		return ErrNoSession
	}
	e.setBusy()
	prev, err := e.api.Back(ctx, sess, nil)
	if err != nil {
		e.fail(fmt.Errorf("back: %w", err))
		return err
	}
	e.updateSession(prev)
	return nil
}

// Navigate jumps the session to a named step.
func (e *Engine) Navigate(ctx context.Context, step string) error {
	sess := e.activeSession()
	if sess == nil {
		return ErrNoSession
	}
	e.setBusy()
	next, err := e.api.Navigate(ctx, sess, step, nil)
	if err != nil {
		e.fail(fmt.Errorf("navigate %s: %w", step, err))
		return err
	}
	e.updateSession(next)
	return nil
}

// Chat exchanges a conversational message against a goal. Unlike the
// other lifecycle operations chat is awaited directly by its caller, so
// a failure both surfaces through the error state and is returned.
func (e *Engine) Chat(ctx context.Context, message, goal string, overrides map[string]any, interactionID string) (*types.ChatResponse, error) {
	sess := e.activeSession()
	if sess == nil {
		return nil, ErrNoSession
	}
	e.setBusy()
	resp, err := e.api.Chat(ctx, sess, message, goal, overrides, interactionID)
	if err != nil {
		e.fail(fmt.Errorf("chat: %w", err))
		return nil, err
	}
	e.mu.Lock()
	e.settleLocked()
	e.mu.Unlock()
	e.publish()
	return resp, nil
}

// ExportTimeline fetches the session's timeline export, persisting it
// when a store is configured.
func (e *Engine) ExportTimeline(ctx context.Context) (string, error) {
	sess := e.activeSession()
	if sess == nil {
		return "", ErrNoSession
	}
	payload, err := e.api.ExportTimeline(ctx, sess)
	if err != nil {
		return "", fmt.Errorf("export timeline: %w", err)
	}
	if e.store != nil {
		if serr := e.store.SaveTimeline(sess.SessionID, payload); serr != nil {
			logging.Store("timeline save failed: %v", serr)
		}
	}
	return payload, nil
}

// CreateSubInterview opens the nested interview an interview container
// points at and pushes it onto the session stack. With mode
// same-session the parent's remote identity is reused so the service
// treats both as one logical session. A failed creation never touches
// the stack.
func (e *Engine) CreateSubInterview(ctx context.Context, control types.Control) error {
	parent := e.activeSession()
	if parent == nil {
		return ErrNoSession
	}
	if control.Kind != types.ControlInterview {
		err := fmt.Errorf("engine: control %q is not an interview container", control.ID)
		e.fail(err)
		return err
	}
	if !types.ValidInteractionMode(control.InteractionMode) {
		err := fmt.Errorf("engine: unsupported interaction mode %q", control.InteractionMode)
		e.fail(err)
		return err
	}

	cfg := types.SessionConfig{
		Model:   control.Interview,
		Release: parent.Release,
		Parent:  control.Attribute,
	}
	if control.InteractionMode == types.ModeSameSession {
		cfg.SessionID = parent.SessionID
	}
	if control.Attribute != "" {
		cfg.Data = types.AttributeValues{types.ParentKey: control.Attribute}
	}

	e.setBusy()
	sub, err := e.api.Create(ctx, cfg)
	if err != nil {
		e.fail(fmt.Errorf("create sub-interview %s: %w", control.Interview, err))
		return err
	}
	if control.Attribute != "" && sub.ParentScope() == "" {
		if sub.Data == nil {
			sub.Data = make(types.AttributeValues)
		}
		sub.Data[types.ParentKey] = control.Attribute
	}

	e.mu.Lock()
	e.sessions = append(e.sessions, sub)
	e.active = len(e.sessions) - 1
	e.resetInternalsLocked(sub)
	e.renderLocked()
	e.settleLocked()
	depth := len(e.sessions)
	e.mu.Unlock()
	e.publish()
	e.checkpoint(sub)
	logging.Session("sub-interview %s pushed (depth %d, mode %s)", control.Interview, depth, control.InteractionMode)
	return nil
}

// OnScreenDataChange merges newly entered field values and recomputes
// the screen's derived attributes: the local leg synchronously so
// locally solvable fields never look stale, the remote leg once the
// idle window elapses.
func (e *Engine) OnScreenDataChange(ctx context.Context, data types.AttributeValues) {
	e.mu.Lock()
	if e.active < 0 || e.closed {
		e.mu.Unlock()
		return
	}
	for k, v := range data {
		e.userValues[k] = v
	}
	e.latestRequest++
	stamp := e.latestRequest
	sess := e.sessions[e.active]
	userValues := copyValues(e.userValues)
	e.mu.Unlock()

	res := resolve.BuildReplacementQueries(resolve.Input{
		State:       sess.State,
		UserValues:  userValues,
		ParentScope: sess.ParentScope(),
		Sidebars:    sess.Screen.Sidebars,
		Generators:  e.generators,
	})

	local, remaining := e.dispatcher.ResolveLocal(ctx, sess, res.Unknown, userValues)
	e.applyReplacements(stamp, local)
	e.scheduleRemote(ctx, &remoteWork{stamp: stamp, sess: sess, remaining: remaining, sidebars: res.Sidebar})
}

// Close stops the debounce timer and waits for any in-flight remote leg
// to finish. The engine accepts no work afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.debounceTimer != nil && e.debounceTimer.Stop() {
		e.wg.Done()
	}
	e.pending = nil
	e.mu.Unlock()
	e.wg.Wait()
	logging.SessionDebug("engine closed")
}

// updateSession installs a replacement active session after a lifecycle
// call. When the screen changed, every resolution internal is reset and
// reseeded from the new screen's state descriptors.
func (e *Engine) updateSession(sess *types.Session) {
	e.mu.Lock()
	prevScreen := ""
	if e.active >= 0 {
		prevScreen = e.sessions[e.active].Screen.ID
	}
	e.sessions[e.active] = sess
	if sess.Screen.ID != prevScreen {
		logging.SessionDebug("screen %s -> %s, resetting resolution state", prevScreen, sess.Screen.ID)
		e.resetInternalsLocked(sess)
	}
	e.renderLocked()
	e.settleLocked()
	e.mu.Unlock()
	e.publish()
	e.checkpoint(sess)
}

// popIfBoundary pops the active sub-interview when it sits on its last
// (next) or first (back) step, reactivating the parent. Reports whether
// a pop happened.
func (e *Engine) popIfBoundary(last bool) bool {
	e.mu.Lock()
	if len(e.sessions) < 2 {
		e.mu.Unlock()
		return false
	}
	sess := e.sessions[e.active]
	if !atStepBoundary(sess, last) {
		e.mu.Unlock()
		return false
	}
	e.sessions = e.sessions[:len(e.sessions)-1]
	e.active = len(e.sessions) - 1
	parent := e.sessions[e.active]
	e.resetInternalsLocked(parent)
	e.renderLocked()
	e.settleLocked()
	depth := len(e.sessions)
	e.mu.Unlock()
	e.publish()
	logging.Session("sub-interview popped (depth %d)", depth)
	return true
}

// applyReplacements merges a resolution cycle's results and re-renders
// the screen, unless a newer cycle has started since the stamp was
// taken, in which case the result is discarded.
func (e *Engine) applyReplacements(stamp uint64, repl types.AttributeValues) {
	e.mu.Lock()
	if stamp != e.latestRequest || e.active < 0 {
		e.mu.Unlock()
		logging.SessionDebug("discarding stale resolution result (stamp %d)", stamp)
		return
	}
	for k, v := range repl {
		e.replacements[k] = v
	}
	e.renderLocked()
	e.mu.Unlock()
	e.publish()
}

// applySidebarData attaches generated sidebar data to the screen,
// subject to the same staleness check as replacements.
func (e *Engine) applySidebarData(stamp uint64, data map[string]any) {
	e.mu.Lock()
	if stamp != e.latestRequest || e.active < 0 {
		e.mu.Unlock()
		return
	}
	sess := cloneForRender(e.sessions[e.active])
	for i := range sess.Screen.Sidebars {
		if v, ok := data[sess.Screen.Sidebars[i].ID]; ok {
			sess.Screen.Sidebars[i].Data = v
		}
	}
	e.sessions[e.active] = sess
	e.mu.Unlock()
	e.publish()
}

// scheduleRemote queues the remote leg behind the debounce window. A
// change arriving before the window elapses replaces the pending work,
// so at most one remote batch is newly issued per idle window.
func (e *Engine) scheduleRemote(ctx context.Context, work *remoteWork) {
	if len(work.remaining) == 0 && work.sidebars == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pending = work
	if e.debounceTimer != nil && e.debounceTimer.Stop() {
		e.wg.Done()
	}
	e.wg.Add(1)
	e.debounceTimer = time.AfterFunc(e.debounce, func() {
		defer e.wg.Done()
		e.runRemote(ctx)
	})
}

func (e *Engine) runRemote(ctx context.Context) {
	e.mu.Lock()
	work := e.pending
	e.pending = nil
	closed := e.closed
	e.mu.Unlock()
	if work == nil || closed {
		return
	}

	repl := e.dispatcher.ResolveRemote(ctx, work.sess, work.remaining)
	e.applyReplacements(work.stamp, repl)

	if work.sidebars != nil {
		if data := e.dispatcher.ResolveSidebars(ctx, work.sess, work.sidebars, e.generators); len(data) > 0 {
			e.applySidebarData(work.stamp, data)
		}
	}
}

// renderLocked replaces the active session with a structural clone
// whose control tree is re-rendered against the replacement map, then
// recomputes the progress gate. Cloning keeps previously published
// snapshots immutable.
func (e *Engine) renderLocked() {
	if e.active < 0 {
		return
	}
	sess := cloneForRender(e.sessions[e.active])
	dispatch.PostProcessControls(sess.Screen.Controls, e.replacements)
	e.sessions[e.active] = sess
	e.canProgress = e.computeCanProgressLocked(sess)
}

func (e *Engine) resetInternalsLocked(sess *types.Session) {
	e.userValues = make(types.AttributeValues)
	e.replacements = make(types.AttributeValues, len(sess.State))
	for _, entry := range sess.State {
		if entry.Value != nil {
			e.replacements[entry.ID] = entry.Value
		}
	}
	e.dispatcher.Reset()
	e.latestRequest++
	e.pending = nil
	if e.debounceTimer != nil && e.debounceTimer.Stop() {
		e.wg.Done()
	}
	e.canProgress = e.computeCanProgressLocked(sess)
}

// computeCanProgressLocked evaluates the next button's dependency gate:
// every listed attribute must currently be true, sourced from user
// input or a replacement. Without dependencies the button's own enabled
// flag is the default.
func (e *Engine) computeCanProgressLocked(sess *types.Session) bool {
	next := sess.Screen.Buttons.Next
	if len(next.Dependencies) == 0 {
		return next.Enabled
	}
	for _, dep := range next.Dependencies {
		v, ok := e.userValues[dep]
		if !ok {
			v, ok = e.replacements[dep]
		}
		if !ok || !isTrue(v) {
			return false
		}
	}
	return true
}

func (e *Engine) snapshotLocked() types.Snapshot {
	snap := types.Snapshot{Status: e.status, Err: e.err, Loading: e.loading}
	if e.active >= 0 {
		snap.Session = e.sessions[e.active]
	}
	return snap
}

// publish resolves a fresh snapshot and notifies observers only when
// it actually changed. Runs without the engine lock held so observer
// callbacks may re-enter GetSnapshot.
func (e *Engine) publish() {
	e.mu.Lock()
	cand := e.snapshotLocked()
	e.mu.Unlock()
	prev := e.publisher.Latest()
	if e.publisher.Resolve(cand) != prev {
		e.publisher.Notify()
	}
}

func (e *Engine) setBusy() {
	e.mu.Lock()
	e.loading = true
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) fail(err error) {
	logging.Get(logging.CategorySession).Error("%v", err)
	e.mu.Lock()
	e.status = types.StatusError
	e.err = err
	e.loading = false
	e.mu.Unlock()
	e.publish()
}

// settleLocked marks a successful lifecycle transition.
func (e *Engine) settleLocked() {
	e.status = types.StatusSuccess
	e.err = nil
	e.loading = false
}

func (e *Engine) activeSession() *types.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active < 0 {
		return nil
	}
	return e.sessions[e.active]
}

func (e *Engine) checkpoint(sess *types.Session) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveCheckpoint(sess); err != nil {
		logging.Store("checkpoint failed for %s: %v", sess.SessionID, err)
	}
}

// atStepBoundary reports whether the session's current screen is the
// last (or first) leaf of its step rail. A session without steps is a
// single screen, which is both.
func atStepBoundary(sess *types.Session, last bool) bool {
	ids := leafStepIDs(sess.Steps)
	if len(ids) == 0 {
		return true
	}
	idx := -1
	for i, id := range ids {
		if id == sess.Screen.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	if last {
		return idx == len(ids)-1
	}
	return idx == 0
}

func leafStepIDs(steps []types.Step) []string {
	var ids []string
	for _, s := range steps {
		if len(s.Screens) > 0 {
			ids = append(ids, leafStepIDs(s.Screens)...)
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func isTrue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

func copyValues(in types.AttributeValues) types.AttributeValues {
	out := make(types.AttributeValues, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
