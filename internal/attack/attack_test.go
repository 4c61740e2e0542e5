// internal/attack/attack_test.go
package attack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wraith/internal/models"
)

// stubCapture is a scripted CaptureBackend
type stubCapture struct {
	mu sync.Mutex

	pmkidArtifact string
	pmkidOK       bool
	pmkidErr      error
	pmkidDelay    time.Duration

	handshakeOnWait   int
	handshakeArtifact string

	waits    int
	deauths  int
	started  int
	stopped  int
	startErr error
}

func (s *stubCapture) CapturePMKID(ctx context.Context, bssid string, channel int) (string, bool, error) {
	if s.pmkidDelay > 0 {
		select {
		case <-time.After(s.pmkidDelay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return s.pmkidArtifact, s.pmkidOK, s.pmkidErr
}

func (s *stubCapture) StartCapture(ctx context.Context, bssid string, channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.startErr
}

func (s *stubCapture) SendDeauth(ctx context.Context, bssid, client string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deauths++
	return nil
}

func (s *stubCapture) WaitHandshake(ctx context.Context, bssid string) (string, bool, error) {
	s.mu.Lock()
	s.waits++
	ready := s.handshakeOnWait > 0 && s.waits >= s.handshakeOnWait
	s.mu.Unlock()

	if ready {
		return s.handshakeArtifact, true, nil
	}
	<-ctx.Done()
	return "", false, ctx.Err()
}

func (s *stubCapture) StopCapture(bssid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *stubCapture) counts() (deauths, started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deauths, s.started, s.stopped
}

// stubRogueAP is a scripted RogueAPBackend
type stubRogueAP struct {
	cred    *Credential
	delay   time.Duration
	started string
	stopped bool
}

func (s *stubRogueAP) Start(ctx context.Context, ssid string, channel int) error {
	s.started = ssid
	return nil
}

func (s *stubRogueAP) WaitCredential(ctx context.Context) (*Credential, error) {
	select {
	case <-time.After(s.delay):
		return s.cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubRogueAP) Stop() error {
	s.stopped = true
	return nil
}

func wpa2Target(clients ...string) *models.Target {
	return &models.Target{ID: "AA:BB:CC:DD:EE:FF", Name: "Cafe", Channel: 6, Encryption: "WPA2", WPAVersion: 2, Clients: clients}
}

func TestPMKIDRejectsWPA3(t *testing.T) {
	target := &models.Target{ID: "AA", Name: "Secure", Encryption: "WPA3", WPAVersion: 3}

	ok, reason := NewPMKID(nil).CanAttack(target)
	if ok {
		t.Fatal("Expected PMKID to reject a WPA3 target")
	}
	if reason != "WPA3 not supported" {
		t.Errorf("Unexpected reason: %q", reason)
	}
}

func TestCanAttack(t *testing.T) {
	failed := wpa2Target("C1")
	failed.MarkAttackFailed(models.AttackHandshake)

	tests := []struct {
		name   string
		attack Attack
		target *models.Target
		ok     bool
		reason string
	}{
		{"pmkid wpa2", NewPMKID(nil), wpa2Target(), true, ""},
		{"handshake without clients", NewHandshake(nil, 1, time.Second), wpa2Target(), false, ReasonNoClients},
		{"handshake with clients", NewHandshake(nil, 1, time.Second), wpa2Target("C1"), true, ""},
		{"handshake already failed", NewHandshake(nil, 1, time.Second), failed, false, "handshake already failed"},
		{"evil twin wpa3", NewEvilTwin(nil), &models.Target{ID: "AA", Name: "Secure", Encryption: "WPA3"}, true, ""},
		{"evil twin hidden", NewEvilTwin(nil), &models.Target{ID: "AA", Encryption: "WPA2"}, false, ReasonHiddenSSID},
		{"nil target", NewPMKID(nil), nil, false, "no target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := tt.attack.CanAttack(tt.target)
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("CanAttack() = (%v, %q), expected (%v, %q)", ok, reason, tt.ok, tt.reason)
			}
		})
	}
}

func TestCapabilityFlags(t *testing.T) {
	if NewPMKID(nil).RequiresClient() || NewPMKID(nil).SupportsWPA3() {
		t.Error("PMKID flags wrong")
	}
	if !NewHandshake(nil, 1, time.Second).RequiresClient() || NewHandshake(nil, 1, time.Second).SupportsWPA3() {
		t.Error("Handshake flags wrong")
	}
	if NewEvilTwin(nil).RequiresClient() || !NewEvilTwin(nil).SupportsWPA3() {
		t.Error("Evil twin flags wrong")
	}
	if NewPMKID(nil).DefaultTimeout() <= 0 {
		t.Error("Expected a positive default timeout")
	}
}

func TestPMKIDExecute(t *testing.T) {
	tests := []struct {
		name     string
		backend  *stubCapture
		timeout  time.Duration
		expected models.ResultStatus
	}{
		{"success", &stubCapture{pmkidArtifact: "/tmp/x.22000", pmkidOK: true}, time.Second, models.ResultSuccess},
		{"nothing captured", &stubCapture{}, time.Second, models.ResultFailed},
		{"backend error", &stubCapture{pmkidErr: errors.New("interface down")}, time.Second, models.ResultFailed},
		{"timeout", &stubCapture{pmkidOK: true, pmkidDelay: time.Second}, 20 * time.Millisecond, models.ResultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewPMKID(tt.backend).Execute(context.Background(), wpa2Target(), tt.timeout)
			if result.Status != tt.expected {
				t.Errorf("Expected %s, got %s (%s)", tt.expected, result.Status, result.Error)
			}
			if result.EndTime.IsZero() {
				t.Error("Result was not completed")
			}
			if tt.expected == models.ResultSuccess && result.Artifact != "/tmp/x.22000" {
				t.Errorf("Unexpected artifact %q", result.Artifact)
			}
		})
	}
}

func TestPMKIDCancellationIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	backend := &stubCapture{pmkidOK: true, pmkidDelay: 5 * time.Second}
	result := NewPMKID(backend).Execute(ctx, wpa2Target(), 10*time.Second)
	if result.Status != models.ResultSkipped {
		t.Errorf("Expected skipped on cancellation, got %s", result.Status)
	}
}

func TestNilBackendFails(t *testing.T) {
	result := NewPMKID(nil).Execute(context.Background(), wpa2Target(), time.Second)
	if result.Status != models.ResultFailed {
		t.Errorf("Expected failed without backend, got %s", result.Status)
	}
}

func TestHandshakeExecute(t *testing.T) {
	backend := &stubCapture{handshakeOnWait: 2, handshakeArtifact: "/tmp/hs.pcap"}
	attack := NewHandshake(backend, 3, 20*time.Millisecond)

	result := attack.Execute(context.Background(), wpa2Target("C1", "C2"), time.Second)
	if result.Status != models.ResultSuccess {
		t.Fatalf("Expected success, got %s (%s)", result.Status, result.Error)
	}
	if result.Artifact != "/tmp/hs.pcap" {
		t.Errorf("Unexpected artifact %q", result.Artifact)
	}

	deauths, started, stopped := backend.counts()
	if deauths != 4 {
		t.Errorf("Expected 2 rounds x 2 clients = 4 deauths, got %d", deauths)
	}
	if started != 1 || stopped != 1 {
		t.Errorf("Expected capture started and stopped once, got %d/%d", started, stopped)
	}
	if result.Details["deauthRounds"] != 2 {
		t.Errorf("Expected 2 rounds, got %v", result.Details["deauthRounds"])
	}
}

func TestHandshakeTimeout(t *testing.T) {
	backend := &stubCapture{}
	attack := NewHandshake(backend, 1, 10*time.Millisecond)

	result := attack.Execute(context.Background(), wpa2Target("C1"), 50*time.Millisecond)
	if result.Status != models.ResultTimeout {
		t.Errorf("Expected timeout, got %s", result.Status)
	}
	if _, _, stopped := backend.counts(); stopped != 1 {
		t.Errorf("Expected capture to be stopped, got %d", stopped)
	}
}

func TestHandshakeStartFailure(t *testing.T) {
	backend := &stubCapture{startErr: errors.New("busy")}
	result := NewHandshake(backend, 1, 10*time.Millisecond).Execute(context.Background(), wpa2Target("C1"), time.Second)
	if result.Status != models.ResultFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if _, _, stopped := backend.counts(); stopped != 0 {
		t.Error("StopCapture called for a capture that never started")
	}
}

func TestEvilTwinExecute(t *testing.T) {
	backend := &stubRogueAP{cred: &Credential{Username: "guest", Password: "hunter22"}, delay: 10 * time.Millisecond}
	result := NewEvilTwin(backend).Execute(context.Background(), wpa2Target(), time.Second)

	if result.Status != models.ResultSuccess {
		t.Fatalf("Expected success, got %s (%s)", result.Status, result.Error)
	}
	if result.Artifact != "hunter22" {
		t.Errorf("Expected password artifact, got %q", result.Artifact)
	}
	if result.Details["username"] != "guest" {
		t.Errorf("Expected username detail, got %v", result.Details["username"])
	}
	if backend.started != "Cafe" || !backend.stopped {
		t.Errorf("Rogue AP lifecycle wrong: started=%q stopped=%v", backend.started, backend.stopped)
	}

	empty := &stubRogueAP{delay: time.Millisecond}
	if result := NewEvilTwin(empty).Execute(context.Background(), wpa2Target(), time.Second); result.Status != models.ResultFailed {
		t.Errorf("Expected failed without credential, got %s", result.Status)
	}
}
