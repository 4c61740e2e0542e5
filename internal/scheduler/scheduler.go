// Package scheduler implements the target registry. It owns every discovered
// target, scores and filters them, and answers which targets should be
// attacked next while honouring cooldown windows and attempt caps.
package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/config"
	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// PasswordLookup returns a previously recovered password for a BSSID
type PasswordLookup func(bssid string) (string, bool)

// Scheduler is the registry of targets for one engine instance
type Scheduler struct {
	cfg        config.SchedulerConfig
	mu         sync.Mutex
	targets    map[string]*models.Target
	candidates []*models.Target
	allow      map[string]bool
	deny       map[string]bool
	known      PasswordLookup
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a scheduler for the given policy
func New(cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		targets: make(map[string]*models.Target),
		allow:   lowerSet(cfg.AllowList),
		deny:    lowerSet(cfg.DenyList),
		now:     time.Now,
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPasswordLookup installs a lookup consulted for every newly discovered
// target. Targets with a known password are marked Cracked immediately.
func (s *Scheduler) SetPasswordLookup(lookup PasswordLookup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = lookup
}

// ProcessScanResults merges a batch of detections into the registry and
// returns copies of the targets seen for the first time.
func (s *Scheduler) ProcessScanResults(results []models.RawDetection, kind models.TargetKind) []models.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var fresh []models.Target

	for _, d := range results {
		id := models.NormalizeID(d.ID)
		if id == "" {
			continue
		}

		if t, ok := s.targets[id]; ok {
			changed := t.Update(d, now)
			if t.IsTerminal() || t.Status == models.StatusAttacking || t.Status == models.StatusCaptured {
				continue
			}
			if s.rejected(t) {
				s.skip(t, "filtered on update")
				continue
			}
			if changed {
				s.rescore(t)
			}
			continue
		}

		t := models.NewTarget(d, kind, now)
		s.targets[id] = t

		if s.known != nil {
			if password, ok := s.known(id); ok {
				t.Password = password
				t.Priority = models.PrioritySkip
				_ = t.Transition(models.StatusCracked)
				t.AddNote("password already recovered in a previous campaign")
				s.logger.Info().Str("target", id).Msg("Target already cracked")
				fresh = append(fresh, t.Clone())
				continue
			}
		}

		_ = t.Transition(models.StatusAnalyzing)
		if s.rejected(t) {
			s.skip(t, "filtered")
		} else {
			s.rescore(t)
			_ = t.Transition(models.StatusQueued)
		}

		s.logger.Debug().
			Str("target", id).
			Str("name", t.Name).
			Int("signal", t.Signal).
			Int("score", t.Score).
			Str("priority", t.Priority.String()).
			Str("status", string(t.Status)).
			Msg("New target")

		fresh = append(fresh, t.Clone())
	}

	s.rebuild()
	return fresh
}

// GetNextTargets returns up to count targets in priority order. Attacking,
// terminal and still-cooling targets are skipped; targets that reached the
// attempt cap are moved to Failed.
func (s *Scheduler) GetNextTargets(count int) []models.Target {
	if count <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cooldown := s.cfg.GetCooldown()
	changed := false
	var next []models.Target

	for _, t := range s.candidates {
		if len(next) >= count {
			break
		}

		if t.AttemptCount >= s.cfg.MaxAttackAttempts {
			if err := t.Transition(models.StatusFailed); err == nil {
				t.AddNote("attempt cap of %d reached", s.cfg.MaxAttackAttempts)
				s.logCapReached("scheduler.GetNextTargets", t)
				changed = true
			}
			continue
		}

		switch t.Status {
		case models.StatusCooldown:
			if now.Sub(t.LastAttempt) < cooldown {
				continue
			}
			if err := t.Transition(models.StatusQueued); err != nil {
				continue
			}
			changed = true
		case models.StatusQueued:
		default:
			continue
		}

		next = append(next, t.Clone())
	}

	if changed {
		s.rebuild()
	}
	return next
}

// MarkAttacking records the start of an attempt against a target
func (s *Scheduler) MarkAttacking(id string) error {
	return s.mutate("scheduler.MarkAttacking", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusAttacking); err != nil {
			return err
		}
		t.AttemptCount++
		t.LastAttempt = s.now()
		return nil
	})
}

// MarkCaptured records capture material obtained by the given strategy
func (s *Scheduler) MarkCaptured(id string, kind models.AttackKind, artifact string) error {
	return s.mutate("scheduler.MarkCaptured", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusCaptured); err != nil {
			return err
		}
		t.MarkAttackSucceeded(kind)
		t.SetCapture(models.CaptureKindFor(kind), artifact)
		return nil
	})
}

// MarkCracked records a recovered password
func (s *Scheduler) MarkCracked(id, password string) error {
	return s.mutate("scheduler.MarkCracked", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusCracked); err != nil {
			return err
		}
		t.Password = password
		return nil
	})
}

// MarkFailed records a failed attempt. The target enters Cooldown, or Failed
// once the attempt cap has been reached. The returned flag reports the latter.
func (s *Scheduler) MarkFailed(id string, kind models.AttackKind, reason string) (bool, error) {
	terminal := false
	err := s.mutate("scheduler.MarkFailed", id, func(t *models.Target) error {
		next := models.StatusCooldown
		if t.AttemptCount >= s.cfg.MaxAttackAttempts {
			next = models.StatusFailed
		}
		if err := t.Transition(next); err != nil {
			return err
		}
		// The cooldown window opens when the round ends
		t.LastAttempt = s.now()
		if kind != "" {
			t.MarkAttackFailed(kind)
		}
		if reason != "" {
			t.AddNote("attempt %d failed: %s", t.AttemptCount, reason)
		}
		terminal = next == models.StatusFailed
		if terminal {
			s.logCapReached("scheduler.MarkFailed", t)
		}
		return nil
	})
	if err == nil {
		s.logger.Debug().Str("target", id).Bool("terminal", terminal).Str("reason", reason).Msg("Attack failed")
	}
	return terminal, err
}

// Postpone ends a round in which no strategy was eligible to run. The attempt
// taken by MarkAttacking is refunded and the target waits out a cooldown.
func (s *Scheduler) Postpone(id, reason string) error {
	return s.mutate("scheduler.Postpone", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusCooldown); err != nil {
			return err
		}
		if t.AttemptCount > 0 {
			t.AttemptCount--
		}
		t.LastAttempt = s.now()
		if reason != "" {
			t.AddNote("round postponed: %s", reason)
		}
		return nil
	})
}

// MarkExhausted fails a target on which every strategy has already failed.
// The round ran nothing, so its attempt is refunded.
func (s *Scheduler) MarkExhausted(id string) error {
	return s.mutate("scheduler.MarkExhausted", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusFailed); err != nil {
			return err
		}
		if t.AttemptCount > 0 {
			t.AttemptCount--
		}
		t.LastAttempt = s.now()
		t.AddNote("every strategy has failed")
		s.logger.Info().
			Err(orcherr.E("scheduler.MarkExhausted", orcherr.ResourceExhausted, fmt.Errorf("target %s: no strategy left", t.ID))).
			Str("target", t.ID).
			Msg("Strategies exhausted")
		return nil
	})
}

// RecordFailedAttack adds a strategy to the target's failed set without changing its status
func (s *Scheduler) RecordFailedAttack(id string, kind models.AttackKind) error {
	return s.mutate("scheduler.RecordFailedAttack", id, func(t *models.Target) error {
		t.MarkAttackFailed(kind)
		return nil
	})
}

// Requeue returns an interrupted target to the queue without charging the attempt
func (s *Scheduler) Requeue(id string) error {
	return s.mutate("scheduler.Requeue", id, func(t *models.Target) error {
		if err := t.Transition(models.StatusQueued); err != nil {
			return err
		}
		if t.AttemptCount > 0 {
			t.AttemptCount--
		}
		return nil
	})
}

// AddClient merges a client observed talking to an access point and re-scores it
func (s *Scheduler) AddClient(apID, clientMAC string) error {
	return s.mutate("scheduler.AddClient", apID, func(t *models.Target) error {
		if t.AddClient(clientMAC) && !t.IsTerminal() {
			s.rescore(t)
		}
		return nil
	})
}

// NoteCrackAttempt counts one cracker invocation and returns the new total
func (s *Scheduler) NoteCrackAttempt(id string) (int, error) {
	attempts := 0
	err := s.mutate("scheduler.NoteCrackAttempt", id, func(t *models.Target) error {
		t.CrackAttempts++
		attempts = t.CrackAttempts
		return nil
	})
	return attempts, err
}

// CrackCandidates returns captured targets without a password. Targets that
// already used maxAttempts cracker runs are left out; zero disables the limit.
func (s *Scheduler) CrackCandidates(maxAttempts int) []models.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Target
	for _, t := range s.targets {
		if t.Status != models.StatusCaptured || !t.HasCapture() || t.Password != "" {
			continue
		}
		if maxAttempts > 0 && t.CrackAttempts >= maxAttempts {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one target
func (s *Scheduler) Get(id string) (models.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[models.NormalizeID(id)]
	if !ok {
		return models.Target{}, false
	}
	return t.Clone(), true
}

// Targets returns copies of all targets ordered by first sighting
func (s *Scheduler) Targets() []models.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Candidates returns the identifiers of the ordered candidate list
func (s *Scheduler) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.candidates))
	for i, t := range s.candidates {
		ids[i] = t.ID
	}
	return ids
}

// CountByStatus returns how many targets are in each status
func (s *Scheduler) CountByStatus() map[models.TargetStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.TargetStatus]int)
	for _, t := range s.targets {
		counts[t.Status]++
	}
	return counts
}

// Len returns the number of known targets
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// Restore loads targets from a resumed session. Targets that were mid-attack
// when the session was saved go back to the queue.
func (s *Scheduler) Restore(targets []models.Target) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for i := range targets {
		t := targets[i].Clone()
		t.ID = models.NormalizeID(t.ID)
		if t.ID == "" {
			continue
		}
		switch t.Status {
		case models.StatusAttacking:
			// The interrupted attempt is refunded, as Requeue does
			_ = t.Transition(models.StatusQueued)
			if t.AttemptCount > 0 {
				t.AttemptCount--
			}
		case models.StatusDiscovered, models.StatusAnalyzing:
			if s.rejected(&t) {
				t.Status = models.StatusSkipped
				t.Priority = models.PrioritySkip
			} else {
				t.Status = models.StatusQueued
				s.rescore(&t)
			}
		}
		s.targets[t.ID] = &t
		restored++
	}

	s.rebuild()
	s.logger.Info().Int("targets", restored).Msg("Registry restored")
	return restored
}

// mutate runs fn on one target under the registry lock and rebuilds the candidate list
func (s *Scheduler) mutate(op, id string, fn func(t *models.Target) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[models.NormalizeID(id)]
	if !ok {
		return orcherr.E(op, orcherr.NotFound, fmt.Errorf("target %s", id))
	}
	if err := fn(t); err != nil {
		return orcherr.E(op, orcherr.InvalidTransition, err)
	}
	s.rebuild()
	return nil
}

// rebuild recomputes the ordered candidate list. Callers hold s.mu.
func (s *Scheduler) rebuild() {
	s.candidates = s.candidates[:0]
	for _, t := range s.targets {
		if t.Status == models.StatusQueued || t.Status == models.StatusCooldown {
			s.candidates = append(s.candidates, t)
		}
	}
	models.SortTargets(s.candidates)
}

// logCapReached reports a target that used its last attempt. Callers hold s.mu.
func (s *Scheduler) logCapReached(op string, t *models.Target) {
	err := orcherr.E(op, orcherr.ResourceExhausted,
		fmt.Errorf("target %s: %d of %d attempts used", t.ID, t.AttemptCount, s.cfg.MaxAttackAttempts))
	s.logger.Info().Err(err).Str("target", t.ID).Int("attempts", t.AttemptCount).Msg("Attempt cap reached")
}

func (s *Scheduler) rescore(t *models.Target) {
	t.Score = Score(t, s.cfg)
	t.Priority = Tier(t.Score)
}

func (s *Scheduler) skip(t *models.Target, reason string) {
	if err := t.Transition(models.StatusSkipped); err != nil {
		return
	}
	t.Priority = models.PrioritySkip
	t.AddNote(reason)
}

// rejected applies the signal floor and allow/deny lists
func (s *Scheduler) rejected(t *models.Target) bool {
	if t.Signal < s.cfg.MinSignal {
		return true
	}
	name := strings.ToLower(t.Name)
	id := strings.ToLower(t.ID)
	if len(s.allow) > 0 && !s.allow[name] && !s.allow[id] {
		return true
	}
	if s.deny[id] || (name != "" && s.deny[name]) {
		return true
	}
	return false
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}
