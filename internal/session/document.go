package session

import (
	"time"

	"wraith/internal/models"
)

// Document is the persisted form of a session
type Document struct {
	ID               string                   `json:"id"`
	Name             string                   `json:"name"`
	CreatedAt        time.Time                `json:"createdAt"`
	StartedAt        *time.Time               `json:"startedAt"`
	EndedAt          *time.Time               `json:"endedAt"`
	LastActivity     time.Time                `json:"lastActivity"`
	State            State                    `json:"state"`
	Config           map[string]interface{}   `json:"config"`
	Targets          map[string]models.Target `json:"targets"`
	Stats            Stats                    `json:"stats"`
	CaptureFiles     []string                 `json:"captureFiles"`
	CrackedPasswords map[string]string        `json:"crackedPasswords"`
	Events           []Event                  `json:"events"`
}

// Summary is the subset of a document needed to list sessions
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	State        State     `json:"state"`
	Stats        Stats     `json:"stats"`
}

// Summary returns the listing view of the document
func (d *Document) Summary() Summary {
	return Summary{
		ID:           d.ID,
		Name:         d.Name,
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
		State:        d.State,
		Stats:        d.Stats,
	}
}

// Snapshot copies the session into a document under the session lock. Only
// the most recent maxEvents events are included; zero or less keeps them all.
func (s *Session) Snapshot(maxEvents int) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &Document{
		ID:               s.id,
		Name:             s.name,
		CreatedAt:        s.createdAt,
		StartedAt:        timePtr(s.startedAt),
		EndedAt:          timePtr(s.endedAt),
		LastActivity:     s.lastActivity,
		State:            s.state,
		Config:           s.config,
		Targets:          make(map[string]models.Target, len(s.targets)),
		Stats:            s.stats,
		CaptureFiles:     append([]string{}, s.captureFiles...),
		CrackedPasswords: make(map[string]string, len(s.crackedPasswords)),
	}
	for id, t := range s.targets {
		doc.Targets[id] = t.Clone()
	}
	for k, v := range s.crackedPasswords {
		doc.CrackedPasswords[k] = v
	}

	events := s.events
	if maxEvents > 0 && len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	doc.Events = append([]Event{}, events...)

	return doc
}

// fromDocument rebuilds a session from its persisted form
func fromDocument(doc *Document, maxEvents int) *Session {
	s := newSession(doc.ID, doc.Name, doc.Config, maxEvents)
	s.createdAt = doc.CreatedAt
	s.lastActivity = doc.LastActivity
	s.state = doc.State
	s.stats = doc.Stats
	if doc.StartedAt != nil {
		s.startedAt = *doc.StartedAt
	}
	if doc.EndedAt != nil {
		s.endedAt = *doc.EndedAt
	}
	for id, t := range doc.Targets {
		s.targets[id] = t
	}
	for k, v := range doc.CrackedPasswords {
		s.crackedPasswords[k] = v
	}
	s.captureFiles = append(s.captureFiles, doc.CaptureFiles...)
	s.events = append(s.events, doc.Events...)
	if overflow := len(s.events) - s.maxEvents; overflow > 0 {
		s.events = s.events[overflow:]
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
