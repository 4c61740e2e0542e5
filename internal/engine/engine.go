// Package engine drives a campaign. A single supervising goroutine loops
// through the scan, analyze, attack and crack phases on a fixed interval,
// feeding the scheduler, running the attack chain against the best targets,
// handing captures to the cracker and recording everything in the active
// session. Start, Stop, Pause and Resume control the loop; listeners observe it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/config"
	"wraith/internal/models"
	"wraith/internal/orcherr"
	"wraith/internal/scheduler"
	"wraith/internal/session"
)

const maxHistory = 1000

// Scanner discovers nearby networks on the given channels
type Scanner interface {
	Scan(ctx context.Context, channels []int) ([]models.RawDetection, error)
}

// Cracker recovers a password from capture material. ok is false when the
// search finished without a match.
type Cracker interface {
	Crack(ctx context.Context, bssid, captureFile string) (password string, ok bool, err error)
}

// AttackRunner runs the attack chain against one target
type AttackRunner interface {
	Execute(ctx context.Context, target *models.Target) []*models.AttackResult
}

// Archive keeps cross-session campaign history
type Archive interface {
	SaveTarget(t models.Target) error
	RecordAttack(sessionID string, result *models.AttackResult) (int64, error)
	RecordCapture(sessionID, bssid string, kind models.CaptureKind, artifact string) error
	RecordCrack(sessionID string, t models.Target, password string) error
	KnownPassword(bssid string) (string, bool, error)
}

// Deps are the collaborators an Engine drives. Scanner, Chain and Sessions
// are required; a nil Scheduler is created from the configuration.
type Deps struct {
	Scanner   Scanner
	Chain     AttackRunner
	Sessions  *session.Manager
	Scheduler *scheduler.Scheduler
	Cracker   Cracker
	Archive   Archive
	Power     PowerSource
}

// Engine is the campaign state machine
type Engine struct {
	cfg        config.EngineConfig
	snapshot   map[string]interface{}
	checkpoint time.Duration

	scanner   Scanner
	chain     AttackRunner
	cracker   Cracker
	archive   Archive
	power     PowerSource
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	logger    zerolog.Logger

	// opMu serializes Start, Stop, Pause and Resume
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	history   []StateChange
	paused    bool
	resumeCh  chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	session   *session.Session
	startedAt time.Time
	cycles    int
	stopCause string

	listenerMu sync.Mutex
	listeners  listeners
}

// New creates an idle engine
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil configuration")
	}
	if deps.Scanner == nil || deps.Chain == nil || deps.Sessions == nil {
		return nil, errors.New("engine: scanner, chain and session manager are required")
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.New(cfg.Scheduler)
	}

	power := deps.Power
	if power == nil && cfg.Engine.MinBatteryPercent > 0 {
		power = SysfsBattery{Root: cfg.Engine.BatteryPath}
	}

	e := &Engine{
		cfg:        cfg.Engine,
		snapshot:   cfg.Snapshot(),
		checkpoint: cfg.Session.GetCheckpointInterval(),
		scanner:    deps.Scanner,
		chain:      deps.Chain,
		cracker:    deps.Cracker,
		archive:    deps.Archive,
		power:      power,
		scheduler:  sched,
		sessions:   deps.Sessions,
		logger:     log.With().Str("component", "engine").Logger(),
		state:      StateIdle,
	}

	if e.archive != nil && e.cfg.SkipKnownCracked {
		sched.SetPasswordLookup(e.lookupPassword)
	}
	return e, nil
}

// Start creates a new session, or resumes resumeID when it is not empty, and
// launches the main loop. The engine is Scanning when Start returns.
func (e *Engine) Start(resumeID string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if state := e.State(); state != StateIdle {
		return orcherr.E("engine.Start", orcherr.PreconditionFailed, fmt.Errorf("engine is %s", state))
	}

	sess, err := e.openSession(resumeID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.session = sess
	e.cancel = cancel
	e.done = done
	e.startedAt = time.Now()
	e.cycles = 0
	e.paused = false
	e.resumeCh = make(chan struct{})
	e.stopCause = ""
	e.mu.Unlock()

	if err := e.transition(StateScanning); err != nil {
		cancel()
		e.mu.Lock()
		e.cancel, e.done = nil, nil
		e.mu.Unlock()
		return err
	}

	e.sessions.StartCheckpointing(e.checkpoint)
	go e.run(ctx, done)

	e.logger.Info().
		Str("session", sess.ID()).
		Str("name", sess.Name()).
		Bool("resumed", resumeID != "").
		Dur("interval", e.cfg.GetCycleInterval()).
		Msg("Engine started")
	return nil
}

func (e *Engine) openSession(resumeID string) (*session.Session, error) {
	if resumeID != "" {
		sess, err := e.sessions.ResumeSession(resumeID)
		if err != nil {
			return nil, err
		}
		restored := e.scheduler.Restore(sess.Targets())
		e.logger.Info().Str("session", sess.ID()).Int("targets", restored).Msg("Session resumed")
		return sess, nil
	}

	sess, err := e.sessions.CreateSession("", e.snapshot)
	if err != nil && sess == nil {
		return nil, err
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("session", sess.ID()).Msg("Initial session save failed")
	}
	if err := sess.Start(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop cancels the in-flight attack and the main loop, finalizes and saves
// the session and returns the engine to Idle. Stopping an idle engine is a no-op.
func (e *Engine) Stop() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}

	e.logger.Info().Msg("Stopping engine")
	if err := e.transition(StateStopping); err != nil {
		e.logger.Debug().Err(err).Msg("Engine already stopping")
	}
	if cancel != nil {
		cancel()
	}
	<-done

	e.mu.Lock()
	e.done = nil
	e.mu.Unlock()
	return nil
}

// Pause suspends the loop at the next phase or target boundary. The running
// strategy finishes first.
func (e *Engine) Pause() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if !e.state.IsRunning() {
		state := e.state
		e.mu.Unlock()
		return orcherr.E("engine.Pause", orcherr.PreconditionFailed, fmt.Errorf("engine is %s", state))
	}
	from, err := e.setStateLocked(StatePaused)
	if err != nil {
		e.mu.Unlock()
		return orcherr.E("engine.Pause", orcherr.InvalidTransition, err)
	}
	e.paused = true
	e.resumeCh = make(chan struct{})
	sess := e.session
	e.mu.Unlock()

	e.stateChanged(from, StatePaused)

	if err := sess.Pause(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to pause session")
	}
	if err := e.sessions.Save(sess); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save paused session")
	}
	e.logger.Info().Msg("Engine paused")
	return nil
}

// Resume continues a paused engine from the scan phase
func (e *Engine) Resume() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if !e.paused || e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return orcherr.E("engine.Resume", orcherr.PreconditionFailed, fmt.Errorf("engine is %s", state))
	}
	from, err := e.setStateLocked(StateScanning)
	if err != nil {
		e.mu.Unlock()
		return orcherr.E("engine.Resume", orcherr.InvalidTransition, err)
	}
	e.paused = false
	ch := e.resumeCh
	sess := e.session
	e.mu.Unlock()
	close(ch)

	e.stateChanged(from, StateScanning)

	if err := sess.Resume(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to resume session")
	}
	e.logger.Info().Msg("Engine resumed")
	return nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns the recorded state changes, oldest first
func (e *Engine) History() []StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StateChange(nil), e.history...)
}

// Session returns the active session, or the last one after Stop
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Scheduler returns the target registry
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		State:     e.state,
		Paused:    e.paused,
		Cycles:    e.cycles,
		StartedAt: e.startedAt,
		StopCause: e.stopCause,
	}
	if e.session != nil {
		st.SessionID = e.session.ID()
	}
	if e.state != StateIdle && !e.startedAt.IsZero() {
		st.Uptime = time.Since(e.startedAt)
	}
	e.mu.Unlock()

	st.Targets = e.scheduler.CountByStatus()
	return st
}

// transition applies one change from the state table and notifies listeners.
// Moving to the current state is a no-op.
func (e *Engine) transition(to State) error {
	e.mu.Lock()
	from, err := e.setStateLocked(to)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.stateChanged(from, to)
	return nil
}

// setStateLocked validates and records a change. Callers hold e.mu.
func (e *Engine) setStateLocked(to State) (State, error) {
	from := e.state
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, invalidTransition(from, to)
	}
	e.state = to
	e.history = append(e.history, StateChange{From: from, To: to, At: time.Now()})
	if overflow := len(e.history) - maxHistory; overflow > 0 {
		e.history = append(e.history[:0:0], e.history[overflow:]...)
	}
	return from, nil
}

// stateChanged logs and notifies a change made by setStateLocked. It must be
// called without e.mu held.
func (e *Engine) stateChanged(from, to State) {
	if from == to {
		return
	}
	e.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
	e.notifyState(from, to)
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) currentSession() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// run is the supervising loop
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cause := ""
	defer func() { e.finalize(cause) }()

	interval := e.cfg.GetCycleInterval()
	for {
		if !e.waitWhilePaused(ctx) {
			return
		}
		if reason := e.checkSafety(); reason != "" {
			e.logger.Warn().Str("reason", reason).Msg("Safety limit reached, stopping")
			cause = reason
			return
		}

		e.runCycle(ctx)

		if !sleepContext(ctx, interval) {
			return
		}
	}
}

// finalize ends the session after the loop exits. cause is empty for a
// requested stop and names the safety limit otherwise.
func (e *Engine) finalize(cause string) {
	if err := e.transition(StateStopping); err != nil {
		e.logger.Debug().Err(err).Msg("Finalizing from unexpected state")
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.paused = false
	if cause != "" {
		e.stopCause = cause
	} else {
		e.stopCause = "stopped"
	}
	sess := e.session
	e.mu.Unlock()

	e.sessions.StopCheckpointing()
	if sess != nil {
		sess.SyncTargets(e.scheduler.Targets())
	}
	if err := e.sessions.EndSession(cause); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save final session")
	}

	if err := e.transition(StateIdle); err != nil {
		e.logger.Error().Err(err).Msg("Failed to return to idle")
	}

	stats := session.Stats{}
	if sess != nil {
		stats = sess.Stats()
	}
	e.logger.Info().
		Str("cause", e.Status().StopCause).
		Int("discovered", stats.Discovered).
		Int("captured", stats.Captured).
		Int("cracked", stats.Cracked).
		Msg("Engine stopped")
}

// waitWhilePaused blocks until the engine is resumed. It returns false when
// ctx ends first.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for {
		e.mu.Lock()
		paused, ch := e.paused, e.resumeCh
		e.mu.Unlock()

		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// checkSafety returns a reason to stop, or the empty string
func (e *Engine) checkSafety() string {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	if limit := e.cfg.GetMaxSessionDuration(); limit > 0 && time.Since(startedAt) >= limit {
		return fmt.Sprintf("maximum session duration of %s reached", limit)
	}

	if e.cfg.MinBatteryPercent > 0 && e.power != nil {
		if percent, ok := e.power.BatteryPercent(); ok && percent < e.cfg.MinBatteryPercent {
			return fmt.Sprintf("battery at %d%%, below minimum of %d%%", percent, e.cfg.MinBatteryPercent)
		}
	}
	return ""
}

func (e *Engine) lookupPassword(bssid string) (string, bool) {
	password, ok, err := e.archive.KnownPassword(bssid)
	if err != nil {
		e.logger.Warn().Err(err).Str("target", bssid).Msg("Password lookup failed")
		return "", false
	}
	return password, ok
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// await runs fn in its own goroutine so a collaborator that ignores its
// context cannot hold the loop past the deadline
func await[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome[T]{value: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
