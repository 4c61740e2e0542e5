package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wraith/internal/attack"
	"wraith/internal/models"
	"wraith/internal/orcherr"
	"wraith/internal/session"
)

// runCycle executes one scan, analyze, attack and crack pass. Each phase
// boundary checks for Stop and Pause; a panicking phase is logged and the
// cycle moves on.
func (e *Engine) runCycle(ctx context.Context) {
	if ctx.Err() != nil || e.State() != StateScanning {
		return
	}

	e.mu.Lock()
	e.cycles++
	cycle := e.cycles
	e.mu.Unlock()

	defer e.syncSession()
	e.logger.Debug().Int("cycle", cycle).Msg("Cycle started")

	e.phase("scan", func() { e.scanPhase(ctx) })
	if !e.proceed(ctx, StateAnalyzing) {
		return
	}

	var targets []models.Target
	e.phase("analyze", func() { targets = e.analyzePhase() })

	if len(targets) > 0 {
		if !e.proceed(ctx, StateAttacking) {
			return
		}
		e.phase("attack", func() { e.attackPhase(ctx, targets) })
	}

	if e.cfg.AutoCrack && e.cracker != nil {
		if !e.proceed(ctx, StateCracking) {
			return
		}
		e.phase("crack", func() { e.crackPhase(ctx) })
	}

	e.proceed(ctx, StateScanning)
}

// proceed moves to the next phase unless the engine is stopping or paused.
// The pause check and the transition share one critical section so a
// concurrent Pause cannot be overwritten.
func (e *Engine) proceed(ctx context.Context, next State) bool {
	if ctx.Err() != nil {
		return false
	}

	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return false
	}
	from, err := e.setStateLocked(next)
	e.mu.Unlock()

	if err != nil {
		return false
	}
	e.stateChanged(from, next)
	return true
}

func (e *Engine) phase(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := orcherr.E("engine."+name, orcherr.TransientFailure, fmt.Errorf("panic: %v", r))
			e.logger.Error().Err(err).Str("phase", name).Msg("Phase failed")
		}
	}()
	fn()
}

func (e *Engine) syncSession() {
	if sess := e.currentSession(); sess != nil {
		sess.SyncTargets(e.scheduler.Targets())
	}
}

func (e *Engine) scanPhase(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, e.cfg.GetScanTimeout())
	defer cancel()

	detections, err := await(scanCtx, func(c context.Context) ([]models.RawDetection, error) {
		return e.scanner.Scan(c, e.cfg.Channels)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := orcherr.TransientFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = orcherr.Timeout
		}
		e.logger.Warn().Err(orcherr.E("engine.scan", kind, err)).Msg("Scan failed")
		return
	}

	fresh := e.scheduler.ProcessScanResults(detections, models.KindAccessPoint)
	sess := e.currentSession()
	for _, t := range fresh {
		sess.RecordTarget(t)
		e.archiveTarget(t)
		if t.Status == models.StatusCracked {
			sess.AddEvent("known_password", "Password already known for "+t.DisplayName(), map[string]interface{}{
				"target": t.ID,
			})
		}
		e.notifyTarget(t)
	}

	e.logger.Info().
		Int("detections", len(detections)).
		Int("new", len(fresh)).
		Int("tracked", e.scheduler.Len()).
		Msg("Scan complete")
}

func (e *Engine) analyzePhase() []models.Target {
	targets := e.scheduler.GetNextTargets(e.cfg.MaxConcurrentAttacks)
	if len(targets) > 0 {
		ids := make([]string, len(targets))
		for i := range targets {
			ids[i] = targets[i].ID
		}
		e.logger.Info().Strs("targets", ids).Msg("Targets selected")
	}
	return targets
}

// attackPhase runs the chain against each selected target in turn
func (e *Engine) attackPhase(ctx context.Context, targets []models.Target) {
	for i := range targets {
		if ctx.Err() != nil || e.isPaused() {
			return
		}
		e.attackTarget(ctx, targets[i].ID)
	}
}

func (e *Engine) attackTarget(ctx context.Context, id string) {
	if err := e.scheduler.MarkAttacking(id); err != nil {
		e.logger.Warn().Err(err).Str("target", id).Msg("Cannot attack target")
		return
	}
	target, ok := e.scheduler.Get(id)
	if !ok {
		return
	}
	before := target.Clone()
	sess := e.currentSession()
	sessionID := sess.ID()

	e.logger.Info().
		Str("target", target.ID).
		Str("name", target.DisplayName()).
		Int("score", target.Score).
		Int("attempt", target.AttemptCount).
		Msg("Attacking target")

	var results []*models.AttackResult
	e.phase("chain", func() { results = e.chain.Execute(ctx, &target) })

	for _, kind := range target.FailedAttacks {
		if !before.HasFailed(kind) {
			if err := e.scheduler.RecordFailedAttack(id, kind); err != nil {
				e.logger.Warn().Err(err).Str("target", id).Msg("Failed to record failed strategy")
			}
		}
	}
	if current, ok := e.scheduler.Get(id); ok {
		target = current
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		sess.RecordAttack(target, r)
		if e.archive != nil && r.Status != models.ResultSkipped {
			_, err := e.archive.RecordAttack(sessionID, r)
			e.archiveFailed("engine.recordAttack", err)
		}
	}
	e.notifyAttack(target, results)

	switch winner := attack.SuccessfulResult(results); {
	case winner != nil:
		e.recordSuccess(id, winner)
	case ctx.Err() != nil:
		if err := e.scheduler.Requeue(id); err != nil {
			e.logger.Warn().Err(err).Str("target", id).Msg("Failed to requeue interrupted target")
			return
		}
		e.logger.Info().Str("target", id).Msg("Attack interrupted, target requeued")
	case !ranAny(results):
		e.deferTarget(sess, id, results)
	default:
		reason := failureReason(results)
		terminal, err := e.scheduler.MarkFailed(id, "", reason)
		if err != nil {
			e.logger.Warn().Err(err).Str("target", id).Msg("Failed to mark target failed")
			return
		}
		updated, _ := e.scheduler.Get(id)
		sess.RecordFailure(updated, reason, terminal)
		e.archiveTarget(updated)
		e.logger.Info().
			Str("target", id).
			Bool("terminal", terminal).
			Str("reason", reason).
			Msg("Attack round failed")
	}
}

// deferTarget handles a round in which no strategy ran. The attempt is not
// charged; a target whose every strategy has already failed is retired.
func (e *Engine) deferTarget(sess *session.Session, id string, results []*models.AttackResult) {
	target, ok := e.scheduler.Get(id)
	if !ok {
		return
	}

	if exhausted(target, results) {
		if err := e.scheduler.MarkExhausted(id); err != nil {
			e.logger.Warn().Err(err).Str("target", id).Msg("Failed to retire target")
			return
		}
		updated, _ := e.scheduler.Get(id)
		sess.RecordFailure(updated, "every strategy has failed", true)
		e.archiveTarget(updated)
		return
	}

	if err := e.scheduler.Postpone(id, "no eligible attack"); err != nil {
		e.logger.Warn().Err(err).Str("target", id).Msg("Failed to postpone target")
		return
	}
	e.logger.Debug().Str("target", id).Msg("No eligible attack, target postponed")
}

// recordSuccess applies the winning result. A harvested credential is the
// password itself, so the target goes straight through Captured to Cracked.
func (e *Engine) recordSuccess(id string, winner *models.AttackResult) {
	sess := e.currentSession()
	kind := models.CaptureKindFor(winner.Kind)

	artifact := winner.Artifact
	if kind == models.CaptureCredential {
		artifact = ""
	}
	if err := e.scheduler.MarkCaptured(id, winner.Kind, artifact); err != nil {
		e.logger.Error().Err(err).Str("target", id).Msg("Failed to record capture")
		return
	}
	target, _ := e.scheduler.Get(id)
	sess.RecordCapture(target, kind, artifact)
	if e.archive != nil {
		e.archiveFailed("engine.recordCapture", e.archive.RecordCapture(sess.ID(), id, kind, artifact))
	}
	e.logger.Info().
		Str("target", id).
		Str("attack", string(winner.Kind)).
		Str("kind", string(kind)).
		Str("artifact", artifact).
		Msg("Capture obtained")
	e.notifyCapture(target, kind, artifact)

	if kind == models.CaptureCredential {
		e.recordCrack(id, winner.Artifact)
		return
	}
	e.archiveTarget(target)
}

func (e *Engine) crackPhase(ctx context.Context) {
	for _, t := range e.scheduler.CrackCandidates(e.cfg.MaxCrackAttempts) {
		if ctx.Err() != nil || e.isPaused() {
			return
		}
		e.crackTarget(ctx, t)
	}
}

type crackOutcome struct {
	password string
	found    bool
}

func (e *Engine) crackTarget(ctx context.Context, t models.Target) {
	attempts, err := e.scheduler.NoteCrackAttempt(t.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("target", t.ID).Msg("Cannot crack target")
		return
	}

	crackCtx, cancel := context.WithTimeout(ctx, e.cfg.GetCrackTimeout())
	defer cancel()

	e.logger.Info().
		Str("target", t.ID).
		Str("file", t.CaptureFile).
		Int("attempt", attempts).
		Msg("Cracking capture")

	out, err := await(crackCtx, func(c context.Context) (crackOutcome, error) {
		password, found, err := e.cracker.Crack(c, t.ID, t.CaptureFile)
		return crackOutcome{password: password, found: found}, err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn().Err(orcherr.E("engine.crack", orcherr.Timeout, err)).Str("target", t.ID).Msg("Crack timed out")
	case err != nil:
		e.logger.Warn().Err(orcherr.E("engine.crack", orcherr.TransientFailure, err)).Str("target", t.ID).Msg("Crack failed")
	case !out.found || out.password == "":
		e.logger.Info().Str("target", t.ID).Int("attempt", attempts).Msg("Password not found")
	default:
		e.recordCrack(t.ID, out.password)
	}
}

func (e *Engine) recordCrack(id, password string) {
	if err := e.scheduler.MarkCracked(id, password); err != nil {
		e.logger.Error().Err(err).Str("target", id).Msg("Failed to record password")
		return
	}
	target, _ := e.scheduler.Get(id)
	sess := e.currentSession()
	sess.RecordCrack(target, password)
	if e.archive != nil {
		e.archiveFailed("engine.recordCrack", e.archive.RecordCrack(sess.ID(), target, password))
	}
	e.archiveTarget(target)

	e.logger.Info().Str("target", id).Str("name", target.DisplayName()).Msg("Password recovered")
	e.notifyCrack(target, password)
}

func (e *Engine) archiveTarget(t models.Target) {
	if e.archive != nil {
		e.archiveFailed("engine.saveTarget", e.archive.SaveTarget(t))
	}
}

func (e *Engine) archiveFailed(op string, err error) {
	if err != nil {
		e.logger.Warn().Err(orcherr.E(op, orcherr.PersistenceFailure, err)).Msg("Archive write failed")
	}
}

// ranAny reports whether at least one strategy executed
func ranAny(results []*models.AttackResult) bool {
	for _, r := range results {
		if r != nil && r.Status != models.ResultSkipped {
			return true
		}
	}
	return false
}

// exhausted reports whether every strategy of the chain was skipped because
// it already failed against t
func exhausted(t models.Target, results []*models.AttackResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r == nil || !t.HasFailed(r.Kind) {
			return false
		}
	}
	return true
}

// failureReason summarizes why no strategy succeeded
func failureReason(results []*models.AttackResult) string {
	var parts []string
	for _, r := range results {
		if r == nil || r.Status == models.ResultSkipped {
			continue
		}
		part := string(r.Kind) + ": " + string(r.Status)
		if r.Error != "" {
			part += " (" + r.Error + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
