// internal/simulate/simulate_test.go
package simulate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wraith/internal/attack"
	"wraith/internal/models"
)

// The fakes must satisfy the backend contracts the strategies drive
var (
	_ attack.CaptureBackend = (*CaptureBackend)(nil)
	_ attack.RogueAPBackend = (*RogueAP)(nil)
)

func TestScannerReplaysBatches(t *testing.T) {
	s := NewScanner(
		[]models.RawDetection{{ID: "A", Channel: 1}},
		[]models.RawDetection{{ID: "A", Channel: 1}, {ID: "B", Channel: 6}},
	)
	ctx := context.Background()

	first, _ := s.Scan(ctx, nil)
	second, _ := s.Scan(ctx, nil)
	third, _ := s.Scan(ctx, []int{6})

	if len(first) != 1 || len(second) != 2 {
		t.Errorf("Unexpected batches: %d, %d", len(first), len(second))
	}
	if len(third) != 1 || third[0].ID != "B" {
		t.Errorf("Expected the last batch filtered to channel 6, got %+v", third)
	}
	if s.Calls() != 3 {
		t.Errorf("Expected 3 calls, got %d", s.Calls())
	}

	boom := errors.New("interface down")
	s.SetError(boom)
	if _, err := s.Scan(ctx, nil); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
}

func TestCaptureBackendOutcomes(t *testing.T) {
	dir := t.TempDir()
	c := NewCaptureBackend(dir)
	c.SetOutcome("aa:bb", Outcome{PMKID: true})
	c.SetOutcome("cc:dd", Outcome{Handshake: true})
	ctx := context.Background()

	artifact, ok, err := c.CapturePMKID(ctx, "AA:BB", 6)
	if err != nil || !ok {
		t.Fatalf("Expected PMKID capture, got ok=%v err=%v", ok, err)
	}
	if filepath.Dir(artifact) != dir || !strings.HasSuffix(artifact, ".22000") {
		t.Errorf("Unexpected artifact path: %s", artifact)
	}

	if _, ok, err := c.CapturePMKID(ctx, "CC:DD", 6); ok || err != nil {
		t.Errorf("Expected no PMKID for cc:dd, got ok=%v err=%v", ok, err)
	}

	if err := c.StartCapture(ctx, "CC:DD", 6); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if !c.Capturing("cc:dd") {
		t.Error("Expected capture to be running")
	}
	_ = c.SendDeauth(ctx, "CC:DD", "11:22", 5)
	if c.Deauths("CC:DD") != 5 {
		t.Errorf("Expected 5 deauths, got %d", c.Deauths("CC:DD"))
	}
	if _, ok, _ := c.WaitHandshake(ctx, "CC:DD"); !ok {
		t.Error("Expected handshake")
	}
	_ = c.StopCapture("CC:DD")
	if c.Capturing("CC:DD") {
		t.Error("Expected capture to be stopped")
	}
	if c.PMKIDAttempts("AA:BB") != 1 {
		t.Errorf("Expected 1 PMKID attempt, got %d", c.PMKIDAttempts("AA:BB"))
	}
}

func TestCaptureBackendHangRespectsContext(t *testing.T) {
	c := NewCaptureBackend(t.TempDir())
	c.SetOutcome("AA", Outcome{Hang: true, PMKID: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok, err := c.CapturePMKID(ctx, "AA", 1)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got ok=%v err=%v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Error("Hanging capture ignored its context")
	}
}

func TestRogueAP(t *testing.T) {
	r := NewRogueAP()
	r.SetCredential("CorpNet", attack.Credential{Username: "u", Password: "p"})
	ctx := context.Background()

	if err := r.Start(ctx, "CorpNet", 6); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ctx, "CorpNet", 6); err == nil {
		t.Error("Expected error when starting twice")
	}
	cred, err := r.WaitCredential(ctx)
	if err != nil || cred == nil || cred.Password != "p" {
		t.Errorf("Expected credential, got %+v (%v)", cred, err)
	}
	_ = r.Stop()
	if r.Running() {
		t.Error("Expected rogue AP to be stopped")
	}

	_ = r.Start(ctx, "Other", 1)
	if cred, err := r.WaitCredential(ctx); cred != nil || err != nil {
		t.Errorf("Expected no credential, got %+v (%v)", cred, err)
	}
	if r.Starts() != 2 {
		t.Errorf("Expected 2 starts, got %d", r.Starts())
	}
}

func TestCracker(t *testing.T) {
	c := NewCracker(map[string]string{"aa:bb": "hunter22"})
	ctx := context.Background()

	pw, ok, err := c.Crack(ctx, "AA:BB", "/captures/a.22000")
	if err != nil || !ok || pw != "hunter22" {
		t.Errorf("Expected password, got %q ok=%v err=%v", pw, ok, err)
	}
	if _, ok, _ := c.Crack(ctx, "CC:DD", ""); ok {
		t.Error("Expected unknown network to resist")
	}

	c.SetBlock(true)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, _, err := c.Crack(short, "AA:BB", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if c.Calls("aa:bb") != 2 {
		t.Errorf("Expected 2 calls, got %d", c.Calls("aa:bb"))
	}
}

func TestDemo(t *testing.T) {
	d := NewDemo(t.TempDir())
	survey := Survey()
	if len(survey) != 2 || len(survey[1]) != len(survey[0])+1 {
		t.Fatalf("Unexpected survey shape")
	}
	if len(survey[0][1].Clients) != 0 {
		t.Error("Second batch mutated the first")
	}
	if _, ok, _ := d.Capture.CapturePMKID(context.Background(), survey[0][0].ID, 6); !ok {
		t.Error("Expected the home network to leak a PMKID")
	}
}
