// Package simulate provides deterministic stand-ins for the radio tooling the
// engine drives: a scripted scanner, a capture backend and rogue access point
// with per-network outcomes, and a password cracker backed by a lookup table.
// They are used by tests and by wraithd's simulation mode.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/attack"
	"wraith/internal/models"
)

// Scanner returns scripted detection batches, one per Scan call. The last
// batch repeats once the script is exhausted.
type Scanner struct {
	mu      sync.Mutex
	batches [][]models.RawDetection
	next    int
	calls   int
	err     error
	delay   time.Duration
}

// NewScanner creates a scanner replaying batches
func NewScanner(batches ...[]models.RawDetection) *Scanner {
	return &Scanner{batches: batches}
}

// SetError makes every following Scan fail with err; nil clears it
func (s *Scanner) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetDelay makes every Scan take d
func (s *Scanner) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how many times Scan was called
func (s *Scanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Scan returns the next batch filtered to channels
func (s *Scanner) Scan(ctx context.Context, channels []int) ([]models.RawDetection, error) {
	s.mu.Lock()
	s.calls++
	err, delay := s.err, s.delay
	var batch []models.RawDetection
	if len(s.batches) > 0 {
		idx := s.next
		if idx >= len(s.batches) {
			idx = len(s.batches) - 1
		} else {
			s.next++
		}
		batch = s.batches[idx]
	}
	s.mu.Unlock()

	if delay > 0 && !wait(ctx, delay) {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	allowed := make(map[int]bool, len(channels))
	for _, ch := range channels {
		allowed[ch] = true
	}
	out := make([]models.RawDetection, 0, len(batch))
	for _, d := range batch {
		if len(allowed) > 0 && d.Channel != 0 && !allowed[d.Channel] {
			continue
		}
		d.Clients = append([]string(nil), d.Clients...)
		out = append(out, d)
	}
	return out, nil
}

// Outcome scripts how the capture backend behaves for one network
type Outcome struct {
	PMKID     bool
	Handshake bool
	// Delay is spent inside CapturePMKID and WaitHandshake before answering
	Delay time.Duration
	// Hang makes the capture calls block until their context ends
	Hang bool
	Err  error
}

// CaptureBackend implements attack.CaptureBackend from scripted outcomes.
// Networks without an outcome never yield a capture.
type CaptureBackend struct {
	dir    string
	logger zerolog.Logger

	mu       sync.Mutex
	outcomes map[string]Outcome
	active   map[string]bool
	deauths  map[string]int
	pmkids   map[string]int
}

// NewCaptureBackend creates a backend naming artifacts under dir
func NewCaptureBackend(dir string) *CaptureBackend {
	return &CaptureBackend{
		dir:      dir,
		logger:   log.With().Str("component", "simulate").Logger(),
		outcomes: make(map[string]Outcome),
		active:   make(map[string]bool),
		deauths:  make(map[string]int),
		pmkids:   make(map[string]int),
	}
}

// SetOutcome scripts the behaviour for bssid
func (c *CaptureBackend) SetOutcome(bssid string, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[models.NormalizeID(bssid)] = o
}

// Deauths returns how many deauthentication frames were sent to bssid
func (c *CaptureBackend) Deauths(bssid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deauths[models.NormalizeID(bssid)]
}

// PMKIDAttempts returns how many PMKID captures were attempted against bssid
func (c *CaptureBackend) PMKIDAttempts(bssid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pmkids[models.NormalizeID(bssid)]
}

// Capturing reports whether a handshake capture is running for bssid
func (c *CaptureBackend) Capturing(bssid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[models.NormalizeID(bssid)]
}

func (c *CaptureBackend) outcome(bssid string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[models.NormalizeID(bssid)]
}

// CapturePMKID implements attack.CaptureBackend
func (c *CaptureBackend) CapturePMKID(ctx context.Context, bssid string, channel int) (string, bool, error) {
	c.mu.Lock()
	c.pmkids[models.NormalizeID(bssid)]++
	c.mu.Unlock()

	o := c.outcome(bssid)
	if !c.delay(ctx, o) {
		return "", false, ctx.Err()
	}
	if o.Err != nil {
		return "", false, o.Err
	}
	if !o.PMKID {
		return "", false, nil
	}
	return c.artifact("22000"), true, nil
}

// StartCapture implements attack.CaptureBackend
func (c *CaptureBackend) StartCapture(ctx context.Context, bssid string, channel int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[models.NormalizeID(bssid)] = true
	return nil
}

// SendDeauth implements attack.CaptureBackend
func (c *CaptureBackend) SendDeauth(ctx context.Context, bssid, client string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deauths[models.NormalizeID(bssid)] += count
	return nil
}

// WaitHandshake implements attack.CaptureBackend
func (c *CaptureBackend) WaitHandshake(ctx context.Context, bssid string) (string, bool, error) {
	o := c.outcome(bssid)
	if !c.delay(ctx, o) {
		return "", false, ctx.Err()
	}
	if o.Err != nil {
		return "", false, o.Err
	}
	if !o.Handshake {
		return "", false, nil
	}
	return c.artifact("pcap"), true, nil
}

// StopCapture implements attack.CaptureBackend
func (c *CaptureBackend) StopCapture(bssid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, models.NormalizeID(bssid))
	return nil
}

func (c *CaptureBackend) delay(ctx context.Context, o Outcome) bool {
	if o.Hang {
		<-ctx.Done()
		return false
	}
	if o.Delay > 0 {
		return wait(ctx, o.Delay)
	}
	return ctx.Err() == nil
}

func (c *CaptureBackend) artifact(ext string) string {
	name := fmt.Sprintf("%s.%s", uuid.New().String(), ext)
	path := filepath.Join(c.dir, name)
	c.logger.Debug().Str("file", path).Msg("Simulated capture")
	return path
}

// RogueAP implements attack.RogueAPBackend. Credentials are keyed by SSID;
// an SSID without one closes the portal empty-handed.
type RogueAP struct {
	mu          sync.Mutex
	credentials map[string]attack.Credential
	ssid        string
	running     bool
	starts      int
	hang        bool
}

// NewRogueAP creates a rogue access point with no scripted victims
func NewRogueAP() *RogueAP {
	return &RogueAP{credentials: make(map[string]attack.Credential)}
}

// SetCredential scripts the credential a victim submits on ssid
func (r *RogueAP) SetCredential(ssid string, cred attack.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[ssid] = cred
}

// SetHang makes WaitCredential block until its context ends
func (r *RogueAP) SetHang(hang bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = hang
}

// Running reports whether the decoy is up
func (r *RogueAP) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Starts returns how many times the decoy was started
func (r *RogueAP) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Start implements attack.RogueAPBackend
func (r *RogueAP) Start(ctx context.Context, ssid string, channel int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("rogue AP already running")
	}
	r.ssid = ssid
	r.running = true
	r.starts++
	return nil
}

// WaitCredential implements attack.RogueAPBackend
func (r *RogueAP) WaitCredential(ctx context.Context) (*attack.Credential, error) {
	r.mu.Lock()
	cred, ok := r.credentials[r.ssid]
	hang := r.hang
	r.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// Stop implements attack.RogueAPBackend
func (r *RogueAP) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.ssid = ""
	return nil
}

// Cracker recovers passwords from a lookup table keyed by BSSID
type Cracker struct {
	mu        sync.Mutex
	passwords map[string]string
	calls     map[string]int
	delay     time.Duration
	block     bool
}

// NewCracker creates a cracker that knows passwords
func NewCracker(passwords map[string]string) *Cracker {
	c := &Cracker{
		passwords: make(map[string]string, len(passwords)),
		calls:     make(map[string]int),
	}
	for bssid, pw := range passwords {
		c.passwords[models.NormalizeID(bssid)] = pw
	}
	return c
}

// SetBlock makes Crack block until its context ends
func (c *Cracker) SetBlock(block bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = block
}

// SetDelay makes every Crack take d
func (c *Cracker) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Calls returns how many times bssid was offered to the cracker
func (c *Cracker) Calls(bssid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[models.NormalizeID(bssid)]
}

// Crack returns the known password for bssid. ok is false when the wordlist
// was exhausted without a match.
func (c *Cracker) Crack(ctx context.Context, bssid, captureFile string) (string, bool, error) {
	id := models.NormalizeID(bssid)

	c.mu.Lock()
	c.calls[id]++
	pw, known := c.passwords[id]
	block, delay := c.block, c.delay
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	if delay > 0 && !wait(ctx, delay) {
		return "", false, ctx.Err()
	}
	if !known {
		return "", false, nil
	}
	return pw, true, nil
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
