// Package session records the progress of one campaign. A Session holds the
// targets seen so far, aggregate statistics, captures, recovered passwords and
// a capped event log; a Manager persists sessions through a Store so that a
// campaign can be paused and resumed.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// ErrInvalidState is returned when a lifecycle call is not allowed in the current state
var ErrInvalidState = errors.New("invalid session state transition")

// State is the lifecycle position of a session
type State string

const (
	StateNew       State = "new"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

var sessionTransitions = map[State][]State{
	StateNew:     {StateRunning, StateAborted},
	StateRunning: {StatePaused, StateCompleted, StateAborted},
	StatePaused:  {StateRunning, StateCompleted, StateAborted},
}

// IsFinal reports whether the session has ended
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateAborted
}

// Event types
const (
	EventSessionStarted   = "session_started"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionCompleted = "session_completed"
	EventSessionAborted   = "session_aborted"
	EventTargetDiscovered = "target_discovered"
	EventTargetUpdated    = "target_updated"
	EventAttack           = "attack"
	EventTargetFailed     = "target_failed"
	EventCapture          = "capture"
	EventCrack            = "crack"
)

// Stats aggregates campaign counters
type Stats struct {
	Discovered  int `json:"discovered"`
	Attacked    int `json:"attacked"`
	Captured    int `json:"captured"`
	Cracked     int `json:"cracked"`
	Failed      int `json:"failed"`
	Handshakes  int `json:"handshakes"`
	PMKIDs      int `json:"pmkids"`
	Credentials int `json:"credentials"`
	Passwords   int `json:"passwords"`
}

// Event is one timestamped entry of the session log
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Session is one campaign run. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id           string
	name         string
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	state        State
	config       map[string]interface{}

	targets          map[string]models.Target
	stats            Stats
	captureFiles     []string
	crackedPasswords map[string]string
	events           []Event
	maxEvents        int
}

func newSession(id, name string, config map[string]interface{}, maxEvents int) *Session {
	now := time.Now()
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Session{
		id:               id,
		name:             name,
		createdAt:        now,
		lastActivity:     now,
		state:            StateNew,
		config:           config,
		targets:          make(map[string]models.Target),
		crackedPasswords: make(map[string]string),
		maxEvents:        maxEvents,
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Name returns the human readable name
func (s *Session) Name() string { return s.name }

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CreatedAt returns the creation time
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// StartedAt returns when the session first started running
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActivity returns the time of the most recent mutation
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Targets returns copies of the recorded targets ordered by id
func (s *Session) Targets() []models.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns a copy of the in-memory event log
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// CaptureFiles returns the capture artifact paths
func (s *Session) CaptureFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.captureFiles...)
}

// CrackedPasswords returns a copy of the SSID to password map
func (s *Session) CrackedPasswords() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.crackedPasswords))
	for k, v := range s.crackedPasswords {
		out[k] = v
	}
	return out
}

// Start moves a new session to Running
func (s *Session) Start() error {
	return s.transition("session.Start", StateRunning, EventSessionStarted, "Session started")
}

// Pause moves a running session to Paused
func (s *Session) Pause() error {
	return s.transition("session.Pause", StatePaused, EventSessionPaused, "Session paused")
}

// Resume moves a Paused or New session to Running. Any other state is
// rejected and leaves the session untouched.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused && s.state != StateNew {
		return orcherr.E("session.Resume", orcherr.InvalidTransition,
			fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, s.state))
	}
	s.setState(StateRunning, EventSessionResumed, "Session resumed")
	return nil
}

// Complete ends the session normally
func (s *Session) Complete() error {
	return s.transition("session.Complete", StateCompleted, EventSessionCompleted, "Session completed")
}

// Abort ends the session abnormally
func (s *Session) Abort(reason string) error {
	return s.transition("session.Abort", StateAborted, EventSessionAborted, "Session aborted: "+reason)
}

func (s *Session) transition(op string, to State, eventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := false
	for _, next := range sessionTransitions[s.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return orcherr.E(op, orcherr.InvalidTransition, fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to))
	}
	s.setState(to, eventType, message)
	return nil
}

// setState applies a validated transition. Callers hold s.mu.
func (s *Session) setState(to State, eventType, message string) {
	now := time.Now()
	if to == StateRunning && s.startedAt.IsZero() {
		s.startedAt = now
	}
	if to.IsFinal() {
		s.endedAt = now
	}
	s.state = to
	s.addEvent(eventType, message, map[string]interface{}{"state": string(to)})
}

// RecordTarget stores the latest view of a target. The discovered counter
// only counts targets seen for the first time.
func (s *Session) RecordTarget(t models.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, known := s.targets[t.ID]
	s.targets[t.ID] = t.Clone()
	if known {
		s.addEvent(EventTargetUpdated, "Target updated: "+t.DisplayName(), map[string]interface{}{
			"target": t.ID,
			"status": string(t.Status),
		})
		return
	}

	s.stats.Discovered++
	s.addEvent(EventTargetDiscovered, "Target discovered: "+t.DisplayName(), map[string]interface{}{
		"target":   t.ID,
		"priority": t.Priority.String(),
		"signal":   t.Signal,
	})
}

// SyncTargets refreshes the stored copies of targets the session already
// knows, without logging events. Unknown targets are ignored.
func (s *Session) SyncTargets(targets []models.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range targets {
		if _, known := s.targets[targets[i].ID]; known {
			s.targets[targets[i].ID] = targets[i].Clone()
		}
	}
}

// RecordAttack stores the target and logs one strategy outcome. Only
// executed strategies count towards the attacked counter.
func (s *Session) RecordAttack(t models.Target, result *models.AttackResult) {
	if result == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[t.ID] = t.Clone()
	if result.Status != models.ResultSkipped {
		s.stats.Attacked++
	}
	data := map[string]interface{}{
		"target":   t.ID,
		"attack":   string(result.Kind),
		"status":   string(result.Status),
		"duration": result.Duration().String(),
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	s.addEvent(EventAttack, fmt.Sprintf("%s against %s: %s", result.Kind, t.DisplayName(), result.Status), data)
}

// RecordFailure stores a target whose attack round failed. terminal reports
// whether the target will never be retried.
func (s *Session) RecordFailure(t models.Target, reason string, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[t.ID] = t.Clone()
	if terminal {
		s.stats.Failed++
	}
	s.addEvent(EventTargetFailed, "Attack round failed: "+t.DisplayName(), map[string]interface{}{
		"target":   t.ID,
		"reason":   reason,
		"terminal": terminal,
		"attempts": t.AttemptCount,
	})
}

// RecordCapture stores a capture of the given kind
func (s *Session) RecordCapture(t models.Target, kind models.CaptureKind, artifact string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[t.ID] = t.Clone()
	s.stats.Captured++
	switch kind {
	case models.CaptureHandshake:
		s.stats.Handshakes++
	case models.CapturePMKID:
		s.stats.PMKIDs++
	case models.CaptureCredential:
		s.stats.Credentials++
	}
	data := map[string]interface{}{
		"target": t.ID,
		"kind":   string(kind),
	}
	if kind != models.CaptureCredential && artifact != "" {
		s.captureFiles = append(s.captureFiles, artifact)
		data["file"] = artifact
	}
	s.addEvent(EventCapture, fmt.Sprintf("Captured %s from %s", kind, t.DisplayName()), data)
}

// RecordCrack stores a recovered password keyed by SSID
func (s *Session) RecordCrack(t models.Target, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[t.ID] = t.Clone()
	s.stats.Cracked++
	key := t.DisplayName()
	if _, exists := s.crackedPasswords[key]; !exists {
		s.stats.Passwords++
	}
	s.crackedPasswords[key] = password
	s.addEvent(EventCrack, "Password recovered for "+key, map[string]interface{}{"target": t.ID})
}

// AddEvent appends a free-form event
func (s *Session) AddEvent(eventType, message string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEvent(eventType, message, data)
}

// addEvent appends to the capped log. Callers hold s.mu.
func (s *Session) addEvent(eventType, message string, data map[string]interface{}) {
	now := time.Now()
	s.lastActivity = now
	s.events = append(s.events, Event{Timestamp: now, Type: eventType, Message: message, Data: data})
	if overflow := len(s.events) - s.maxEvents; overflow > 0 {
		s.events = append(s.events[:0:0], s.events[overflow:]...)
	}
}
