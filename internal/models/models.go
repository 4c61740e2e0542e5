// Package models defines the data structures shared by the orchestration engine.
// It contains the target representation tracked by the scheduler, the raw
// detections produced by scanners, attack outcomes, and the enumerations that
// describe their lifecycle.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TargetKind identifies what sort of entity a target is
type TargetKind string

const (
	KindAccessPoint TargetKind = "ap"
	KindClient      TargetKind = "client"
	KindBLE         TargetKind = "ble"
	KindProbe       TargetKind = "probe"
)

// Priority is the scheduling tier of a target. Lower values are attacked first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PrioritySkip
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityMedium:   "medium",
	PriorityLow:      "low",
	PrioritySkip:     "skip",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes the tier by name so session documents stay readable
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a tier name
func (p *Priority) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for value, n := range priorityNames {
		if n == name {
			*p = value
			return nil
		}
	}
	return fmt.Errorf("unknown priority: %q", string(text))
}

// AttackKind names an attack strategy
type AttackKind string

const (
	// AttackPMKID is the clientless PMKID capture
	AttackPMKID AttackKind = "pmkid"
	// AttackHandshake is the deauthentication-triggered handshake capture
	AttackHandshake AttackKind = "handshake"
	// AttackEvilTwin is the rogue access point credential harvest
	AttackEvilTwin AttackKind = "evil_twin"
)

// CaptureKind is the type of material obtained from a successful attack
type CaptureKind string

const (
	CaptureNone       CaptureKind = ""
	CaptureHandshake  CaptureKind = "handshake"
	CapturePMKID      CaptureKind = "pmkid"
	CaptureCredential CaptureKind = "credential"
)

// CaptureKindFor maps the winning strategy to the material it produces
func CaptureKindFor(kind AttackKind) CaptureKind {
	switch kind {
	case AttackPMKID:
		return CapturePMKID
	case AttackHandshake:
		return CaptureHandshake
	case AttackEvilTwin:
		return CaptureCredential
	default:
		return CaptureNone
	}
}

// RawDetection is a single observation reported by a scanner
type RawDetection struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Channel           int      `json:"channel" yaml:"channel"`
	Frequency         int      `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Signal            int      `json:"signal" yaml:"signal"`
	Encryption        string   `json:"encryption" yaml:"encryption"`
	WPAVersion        int      `json:"wpaVersion,omitempty" yaml:"wpaVersion,omitempty"`
	Clients           []string `json:"clients,omitempty" yaml:"clients,omitempty"`
	PMKIDVulnerable   bool     `json:"pmkidVulnerable,omitempty" yaml:"pmkidVulnerable,omitempty"`
	DowngradePossible bool     `json:"downgradePossible,omitempty" yaml:"downgradePossible,omitempty"`
}

// Target is a detected entity under consideration for attack
type Target struct {
	ID                 string       `json:"id"`
	Kind               TargetKind   `json:"kind"`
	Name               string       `json:"name"`
	Channel            int          `json:"channel"`
	Frequency          int          `json:"frequency,omitempty"`
	Encryption         string       `json:"encryption"`
	WPAVersion         int          `json:"wpaVersion,omitempty"`
	Signal             int          `json:"signal"`
	Clients            []string     `json:"clients,omitempty"`
	PMKIDVulnerable    bool         `json:"pmkidVulnerable,omitempty"`
	DowngradePossible  bool         `json:"downgradePossible,omitempty"`
	Status             TargetStatus `json:"status"`
	Priority           Priority     `json:"priority"`
	Score              int          `json:"score"`
	AttemptCount       int          `json:"attemptCount"`
	LastAttempt        time.Time    `json:"lastAttempt,omitempty"`
	CrackAttempts      int          `json:"crackAttempts,omitempty"`
	SucceededAttacks   []AttackKind `json:"succeededAttacks,omitempty"`
	FailedAttacks      []AttackKind `json:"failedAttacks,omitempty"`
	HandshakeCaptured  bool         `json:"handshakeCaptured,omitempty"`
	PMKIDCaptured      bool         `json:"pmkidCaptured,omitempty"`
	CredentialCaptured bool         `json:"credentialCaptured,omitempty"`
	CaptureFile        string       `json:"captureFile,omitempty"`
	Password           string       `json:"password,omitempty"`
	Notes              []string     `json:"notes,omitempty"`
	FirstSeen          time.Time    `json:"firstSeen"`
	LastSeen           time.Time    `json:"lastSeen"`
}

// NewTarget builds a Discovered target from a raw detection
func NewTarget(d RawDetection, kind TargetKind, now time.Time) *Target {
	t := &Target{
		ID:        NormalizeID(d.ID),
		Kind:      kind,
		Status:    StatusDiscovered,
		Priority:  PriorityLow,
		FirstSeen: now,
		LastSeen:  now,
	}
	t.apply(d)
	for _, c := range d.Clients {
		t.AddClient(c)
	}
	return t
}

// Update merges a fresh detection into an existing target. It reports
// whether an attribute that feeds the priority score changed.
func (t *Target) Update(d RawDetection, now time.Time) bool {
	oldSignal := t.Signal
	oldClients := len(t.Clients)
	oldPMKID := t.PMKIDVulnerable

	t.apply(d)
	for _, c := range d.Clients {
		t.AddClient(c)
	}
	t.LastSeen = now

	return t.Signal != oldSignal || len(t.Clients) != oldClients || t.PMKIDVulnerable != oldPMKID
}

func (t *Target) apply(d RawDetection) {
	// Hidden networks report an empty name; keep whatever we learned earlier
	if d.Name != "" {
		t.Name = d.Name
	}
	if d.Channel > 0 {
		t.Channel = d.Channel
	}
	if d.Frequency > 0 {
		t.Frequency = d.Frequency
	}
	if d.Encryption != "" {
		t.Encryption = d.Encryption
	}
	if d.WPAVersion > 0 {
		t.WPAVersion = d.WPAVersion
	}
	t.Signal = d.Signal
	t.PMKIDVulnerable = t.PMKIDVulnerable || d.PMKIDVulnerable
	t.DowngradePossible = t.DowngradePossible || d.DowngradePossible
}

// AddClient records an associated client MAC. It returns false if the client
// was already known.
func (t *Target) AddClient(mac string) bool {
	mac = NormalizeID(mac)
	if mac == "" {
		return false
	}
	for _, c := range t.Clients {
		if c == mac {
			return false
		}
	}
	t.Clients = append(t.Clients, mac)
	return true
}

// HasClients reports whether any client is associated with the target
func (t *Target) HasClients() bool {
	return len(t.Clients) > 0
}

// IsWPA3 reports whether the target uses WPA3/SAE
func (t *Target) IsWPA3() bool {
	enc := strings.ToUpper(t.Encryption)
	return t.WPAVersion >= 3 || strings.Contains(enc, "WPA3") || strings.Contains(enc, "SAE")
}

// IsWPA2 reports whether the target is plain WPA2
func (t *Target) IsWPA2() bool {
	if t.IsWPA3() {
		return false
	}
	return t.WPAVersion == 2 || strings.Contains(strings.ToUpper(t.Encryption), "WPA2")
}

// IsOpen reports whether the target is unencrypted
func (t *Target) IsOpen() bool {
	switch strings.ToUpper(strings.TrimSpace(t.Encryption)) {
	case "", "OPN", "OPEN", "NONE":
		return true
	}
	return false
}

// CanDowngrade reports whether a WPA3 target is known to accept WPA2 clients
func (t *Target) CanDowngrade() bool {
	if t.DowngradePossible {
		return true
	}
	enc := strings.ToUpper(t.Encryption)
	return strings.Contains(enc, "WPA3") && strings.Contains(enc, "WPA2")
}

// HasCapture reports whether any capture flag is set
func (t *Target) HasCapture() bool {
	return t.HandshakeCaptured || t.PMKIDCaptured || t.CredentialCaptured
}

// HasFailed reports whether the given strategy already failed on this target
func (t *Target) HasFailed(kind AttackKind) bool {
	return containsKind(t.FailedAttacks, kind)
}

// HasSucceeded reports whether the given strategy succeeded on this target
func (t *Target) HasSucceeded(kind AttackKind) bool {
	return containsKind(t.SucceededAttacks, kind)
}

// MarkAttackFailed adds kind to the failed set
func (t *Target) MarkAttackFailed(kind AttackKind) {
	if !containsKind(t.FailedAttacks, kind) {
		t.FailedAttacks = append(t.FailedAttacks, kind)
	}
}

// MarkAttackSucceeded adds kind to the succeeded set
func (t *Target) MarkAttackSucceeded(kind AttackKind) {
	if !containsKind(t.SucceededAttacks, kind) {
		t.SucceededAttacks = append(t.SucceededAttacks, kind)
	}
}

// SetCapture raises the capture flag that matches kind
func (t *Target) SetCapture(kind CaptureKind, artifact string) {
	switch kind {
	case CaptureHandshake:
		t.HandshakeCaptured = true
	case CapturePMKID:
		t.PMKIDCaptured = true
	case CaptureCredential:
		t.CredentialCaptured = true
	}
	if artifact != "" && kind != CaptureCredential {
		t.CaptureFile = artifact
	}
}

// AddNote appends a free-form note
func (t *Target) AddNote(format string, args ...interface{}) {
	t.Notes = append(t.Notes, fmt.Sprintf(format, args...))
}

// DisplayName returns the SSID, falling back to the identifier for hidden networks
func (t *Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Clone returns a deep copy that can be handed out without holding a lock
func (t *Target) Clone() Target {
	c := *t
	c.Clients = append([]string(nil), t.Clients...)
	c.SucceededAttacks = append([]AttackKind(nil), t.SucceededAttacks...)
	c.FailedAttacks = append([]AttackKind(nil), t.FailedAttacks...)
	c.Notes = append([]string(nil), t.Notes...)
	return c
}

// NormalizeID upper-cases hardware addresses so lookups are case-insensitive
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// SortTargets orders targets by tier, then by stronger signal, then by id
func SortTargets(targets []*Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		if targets[i].Signal != targets[j].Signal {
			return targets[i].Signal > targets[j].Signal
		}
		return targets[i].ID < targets[j].ID
	})
}

func containsKind(list []AttackKind, kind AttackKind) bool {
	for _, k := range list {
		if k == kind {
			return true
		}
	}
	return false
}
