package engine

import (
	"fmt"
	"time"

	"wraith/internal/models"
)

// State is the engine lifecycle position
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateAnalyzing State = "analyzing"
	StateAttacking State = "attacking"
	StateCracking  State = "cracking"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
)

var stateTransitions = map[State][]State{
	StateIdle:      {StateScanning},
	StateScanning:  {StateAnalyzing, StatePaused, StateStopping},
	StateAnalyzing: {StateAttacking, StateCracking, StateScanning, StatePaused, StateStopping},
	StateAttacking: {StateCracking, StateScanning, StatePaused, StateStopping},
	StateCracking:  {StateScanning, StatePaused, StateStopping},
	StatePaused:    {StateScanning, StateStopping},
	StateStopping:  {StateIdle},
}

// CanTransition reports whether the table allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRunning reports whether the loop is executing a phase
func (s State) IsRunning() bool {
	switch s {
	case StateScanning, StateAnalyzing, StateAttacking, StateCracking:
		return true
	}
	return false
}

// StateChange is one entry of the engine's transition history
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Status is a point-in-time view of the engine
type Status struct {
	State     State                       `json:"state"`
	Paused    bool                        `json:"paused"`
	Cycles    int                         `json:"cycles"`
	SessionID string                      `json:"sessionId,omitempty"`
	StartedAt time.Time                   `json:"startedAt,omitempty"`
	Uptime    time.Duration               `json:"uptime"`
	Targets   map[models.TargetStatus]int `json:"targets"`
	StopCause string                      `json:"stopCause,omitempty"`
}

func invalidTransition(from, to State) error {
	return fmt.Errorf("invalid engine transition %s -> %s", from, to)
}
