package engine

import (
	"fmt"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// StateListener is told about every engine state change
type StateListener interface {
	OnStateChange(from, to State)
}

// TargetListener is told about targets seen for the first time
type TargetListener interface {
	OnTargetFound(target models.Target)
}

// AttackListener receives the results of one chain run against a target
type AttackListener interface {
	OnAttackComplete(target models.Target, results []*models.AttackResult)
}

// CaptureListener is told about captured handshakes, PMKIDs and credentials
type CaptureListener interface {
	OnCapture(target models.Target, kind models.CaptureKind, artifact string)
}

// CrackListener is told about recovered passwords
type CrackListener interface {
	OnCrack(target models.Target, password string)
}

// StateListenerFunc adapts a function to StateListener
type StateListenerFunc func(from, to State)

func (f StateListenerFunc) OnStateChange(from, to State) { f(from, to) }

// TargetListenerFunc adapts a function to TargetListener
type TargetListenerFunc func(target models.Target)

func (f TargetListenerFunc) OnTargetFound(target models.Target) { f(target) }

// AttackListenerFunc adapts a function to AttackListener
type AttackListenerFunc func(target models.Target, results []*models.AttackResult)

func (f AttackListenerFunc) OnAttackComplete(target models.Target, results []*models.AttackResult) {
	f(target, results)
}

// CaptureListenerFunc adapts a function to CaptureListener
type CaptureListenerFunc func(target models.Target, kind models.CaptureKind, artifact string)

func (f CaptureListenerFunc) OnCapture(target models.Target, kind models.CaptureKind, artifact string) {
	f(target, kind, artifact)
}

// CrackListenerFunc adapts a function to CrackListener
type CrackListenerFunc func(target models.Target, password string)

func (f CrackListenerFunc) OnCrack(target models.Target, password string) { f(target, password) }

type listeners struct {
	state   []StateListener
	target  []TargetListener
	attack  []AttackListener
	capture []CaptureListener
	crack   []CrackListener
}

// AddStateListener registers l for state changes
func (e *Engine) AddStateListener(l StateListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners.state = append(e.listeners.state, l)
}

// AddTargetListener registers l for new targets
func (e *Engine) AddTargetListener(l TargetListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners.target = append(e.listeners.target, l)
}

// AddAttackListener registers l for chain results
func (e *Engine) AddAttackListener(l AttackListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners.attack = append(e.listeners.attack, l)
}

// AddCaptureListener registers l for captures
func (e *Engine) AddCaptureListener(l CaptureListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners.capture = append(e.listeners.capture, l)
}

// AddCrackListener registers l for recovered passwords
func (e *Engine) AddCrackListener(l CrackListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners.crack = append(e.listeners.crack, l)
}

func (e *Engine) snapshotListeners() listeners {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	return listeners{
		state:   append([]StateListener(nil), e.listeners.state...),
		target:  append([]TargetListener(nil), e.listeners.target...),
		attack:  append([]AttackListener(nil), e.listeners.attack...),
		capture: append([]CaptureListener(nil), e.listeners.capture...),
		crack:   append([]CrackListener(nil), e.listeners.crack...),
	}
}

func (e *Engine) notifyState(from, to State) {
	for _, l := range e.snapshotListeners().state {
		e.safely("state", func() { l.OnStateChange(from, to) })
	}
}

func (e *Engine) notifyTarget(t models.Target) {
	for _, l := range e.snapshotListeners().target {
		e.safely("target", func() { l.OnTargetFound(t.Clone()) })
	}
}

func (e *Engine) notifyAttack(t models.Target, results []*models.AttackResult) {
	for _, l := range e.snapshotListeners().attack {
		e.safely("attack", func() { l.OnAttackComplete(t.Clone(), results) })
	}
}

func (e *Engine) notifyCapture(t models.Target, kind models.CaptureKind, artifact string) {
	for _, l := range e.snapshotListeners().capture {
		e.safely("capture", func() { l.OnCapture(t.Clone(), kind, artifact) })
	}
}

func (e *Engine) notifyCrack(t models.Target, password string) {
	for _, l := range e.snapshotListeners().crack {
		e.safely("crack", func() { l.OnCrack(t.Clone(), password) })
	}
}

// safely runs fn and logs a panic instead of letting it escape
func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := orcherr.E("engine."+what, orcherr.TransientFailure, fmt.Errorf("panic: %v", r))
			e.logger.Error().Err(err).Str("listener", what).Msg("Listener failed")
		}
	}()
	fn()
}
