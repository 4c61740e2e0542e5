// internal/engine/engine_test.go
package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wraith/internal/attack"
	"wraith/internal/config"
	"wraith/internal/models"
	"wraith/internal/orcherr"
	"wraith/internal/session"
	"wraith/internal/simulate"
)

const (
	homeID = "02:00:00:00:00:01"
	cafeID = "02:00:00:00:00:02"
	corpID = "02:00:00:00:00:03"
)

// testConfig returns a fast configuration rooted in a temp directory
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.New()
	cfg.Engine.CycleInterval = "20ms"
	cfg.Engine.MaxSessionDuration = ""
	cfg.Engine.MinBatteryPercent = 0
	cfg.Engine.ScanTimeout = "1s"
	cfg.Engine.CrackTimeout = "2s"
	cfg.Scheduler.CooldownSeconds = 0
	cfg.Attack.AttackTimeout = "500ms"
	cfg.Attack.InterAttackDelay = "0s"
	cfg.Attack.DeauthInterval = "20ms"
	cfg.Attack.CaptureDir = filepath.Join(dir, "captures")
	cfg.Session.Dir = filepath.Join(dir, "sessions")
	cfg.Session.CheckpointInterval = "50ms"
	cfg.Database.Enabled = false
	return cfg
}

func setupManager(t *testing.T, cfg *config.Config) *session.Manager {
	t.Helper()
	store, err := session.NewFileStore(cfg.Session.Dir)
	if err != nil {
		t.Fatalf("Failed to create session store: %v", err)
	}
	mgr := session.NewManager(store, cfg.Session)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

// setupDemoEngine wires an engine to the simulated demo neighbourhood
func setupDemoEngine(t *testing.T, cfg *config.Config, archive Archive) (*Engine, *simulate.Demo, *session.Manager) {
	t.Helper()
	demo := simulate.NewDemo(cfg.Attack.CaptureDir)
	mgr := setupManager(t, cfg)

	eng, err := New(cfg, Deps{
		Scanner:  demo.Scanner,
		Chain:    attack.NewDefaultChain(cfg.Attack, demo.Capture, demo.RogueAP),
		Cracker:  demo.Cracker,
		Sessions: mgr,
		Archive:  archive,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })
	return eng, demo, mgr
}

// setupIdleEngine wires an engine to a scanner that never sees anything
func setupIdleEngine(t *testing.T, cfg *config.Config, power PowerSource) (*Engine, *simulate.Scanner, *session.Manager) {
	t.Helper()
	scanner := simulate.NewScanner()
	mgr := setupManager(t, cfg)

	eng, err := New(cfg, Deps{
		Scanner:  scanner,
		Chain:    attack.NewChain(cfg.Attack),
		Sessions: mgr,
		Power:    power,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })
	return eng, scanner, mgr
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func targetStatus(eng *Engine, id string) models.TargetStatus {
	t, ok := eng.Scheduler().Get(id)
	if !ok {
		return ""
	}
	return t.Status
}

type fakePower struct {
	percent int
	ok      bool
}

func (p fakePower) BatteryPercent() (int, bool) { return p.percent, p.ok }

type fakeArchive struct {
	mu       sync.Mutex
	known    map[string]string
	saved    map[string]models.Target
	attacks  int
	captures []models.CaptureKind
	cracks   map[string]string
}

func newFakeArchive(known map[string]string) *fakeArchive {
	return &fakeArchive{known: known, saved: make(map[string]models.Target), cracks: make(map[string]string)}
}

func (a *fakeArchive) SaveTarget(t models.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[t.ID] = t
	return nil
}

func (a *fakeArchive) RecordAttack(sessionID string, r *models.AttackResult) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attacks++
	return int64(a.attacks), nil
}

func (a *fakeArchive) RecordCapture(sessionID, bssid string, kind models.CaptureKind, artifact string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captures = append(a.captures, kind)
	return nil
}

func (a *fakeArchive) RecordCrack(sessionID string, t models.Target, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cracks[t.ID] = password
	return nil
}

func (a *fakeArchive) KnownPassword(bssid string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pw, ok := a.known[bssid]
	return pw, ok, nil
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateScanning, true},
		{StateIdle, StateAttacking, false},
		{StateScanning, StateAnalyzing, true},
		{StateScanning, StateAttacking, false},
		{StateAnalyzing, StateAttacking, true},
		{StateAnalyzing, StateCracking, true},
		{StateAttacking, StateCracking, true},
		{StateAttacking, StateScanning, true},
		{StateCracking, StateScanning, true},
		{StateCracking, StateAttacking, false},
		{StatePaused, StateScanning, true},
		{StatePaused, StateAttacking, false},
		{StateStopping, StateIdle, true},
		{StateStopping, StateScanning, false},
		{StateScanning, StateScanning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}

	for _, s := range []State{StateScanning, StateAnalyzing, StateAttacking, StateCracking, StatePaused} {
		if !CanTransition(s, StateStopping) {
			t.Errorf("Expected %s to allow stopping", s)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, Deps{}); err == nil {
		t.Error("Expected error without scanner, chain and sessions")
	}
	if _, err := New(nil, Deps{}); err == nil {
		t.Error("Expected error for nil configuration")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	eng, scanner, mgr := setupIdleEngine(t, cfg, nil)

	if eng.State() != StateIdle {
		t.Fatalf("Expected idle engine, got %s", eng.State())
	}
	if err := eng.Stop(); err != nil {
		t.Errorf("Stop on idle engine should be a no-op, got %v", err)
	}

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !eng.State().IsRunning() {
		t.Errorf("Expected running state after Start, got %s", eng.State())
	}
	if err := eng.Start(""); !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Errorf("Expected second Start to fail with PreconditionFailed, got %v", err)
	}

	sess := eng.Session()
	if sess == nil || sess.State() != session.StateRunning {
		t.Fatalf("Expected a running session")
	}

	waitFor(t, 2*time.Second, "a few scans", func() bool { return scanner.Calls() >= 2 })

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if eng.State() != StateIdle {
		t.Errorf("Expected idle after Stop, got %s", eng.State())
	}

	history := eng.History()
	if len(history) < 3 {
		t.Fatalf("Expected at least 3 transitions, got %d", len(history))
	}
	if history[0].From != StateIdle || history[0].To != StateScanning {
		t.Errorf("Expected first transition idle -> scanning, got %s -> %s", history[0].From, history[0].To)
	}
	if last := history[len(history)-1]; last.From != StateStopping || last.To != StateIdle {
		t.Errorf("Expected last transition stopping -> idle, got %s -> %s", last.From, last.To)
	}
	for i, change := range history {
		if !CanTransition(change.From, change.To) {
			t.Errorf("History entry %d is not a legal transition: %s -> %s", i, change.From, change.To)
		}
		if i > 0 && history[i-1].To != change.From {
			t.Errorf("History entry %d does not continue from %s", i, history[i-1].To)
		}
	}

	status := eng.Status()
	if status.StopCause != "stopped" {
		t.Errorf("Expected stop cause 'stopped', got %q", status.StopCause)
	}
	if status.Cycles < 1 {
		t.Errorf("Expected at least one cycle, got %d", status.Cycles)
	}

	if mgr.Current() != nil {
		t.Error("Expected no current session after Stop")
	}
	loaded, err := mgr.LoadSession(sess.ID())
	if err != nil {
		t.Fatalf("Failed to load ended session: %v", err)
	}
	if loaded.State() != session.StateCompleted {
		t.Errorf("Expected completed session, got %s", loaded.State())
	}
}

func TestPauseResume(t *testing.T) {
	cfg := testConfig(t)
	eng, scanner, _ := setupIdleEngine(t, cfg, nil)

	if err := eng.Pause(); !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Errorf("Expected Pause on idle engine to fail, got %v", err)
	}

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := eng.Resume(); !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Errorf("Expected Resume on running engine to fail, got %v", err)
	}

	waitFor(t, 2*time.Second, "first scan", func() bool { return scanner.Calls() >= 1 })

	if err := eng.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if eng.State() != StatePaused || !eng.Status().Paused {
		t.Fatalf("Expected paused engine, got %s", eng.State())
	}
	if eng.Session().State() != session.StatePaused {
		t.Errorf("Expected paused session, got %s", eng.Session().State())
	}

	// Let any in-flight scan drain, then make sure nothing else runs
	time.Sleep(100 * time.Millisecond)
	calls := scanner.Calls()
	time.Sleep(100 * time.Millisecond)
	if scanner.Calls() != calls {
		t.Errorf("Expected no scans while paused, got %d more", scanner.Calls()-calls)
	}

	if err := eng.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if eng.Status().Paused {
		t.Error("Expected paused flag to clear")
	}
	if eng.Session().State() != session.StateRunning {
		t.Errorf("Expected running session, got %s", eng.Session().State())
	}
	waitFor(t, 2*time.Second, "scans after resume", func() bool { return scanner.Calls() > calls })

	if err := eng.Pause(); err != nil {
		t.Fatalf("Second pause failed: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop while paused failed: %v", err)
	}
	if eng.State() != StateIdle {
		t.Errorf("Expected idle after Stop, got %s", eng.State())
	}
}

func TestDemoCampaign(t *testing.T) {
	cfg := testConfig(t)
	archive := newFakeArchive(nil)
	eng, demo, _ := setupDemoEngine(t, cfg, archive)

	var mu sync.Mutex
	found := make(map[string]bool)
	captures := make(map[string]models.CaptureKind)
	cracks := make(map[string]string)
	eng.AddTargetListener(TargetListenerFunc(func(target models.Target) {
		mu.Lock()
		defer mu.Unlock()
		found[target.ID] = true
	}))
	eng.AddCaptureListener(CaptureListenerFunc(func(target models.Target, kind models.CaptureKind, artifact string) {
		mu.Lock()
		defer mu.Unlock()
		captures[target.ID] = kind
	}))
	eng.AddCrackListener(CrackListenerFunc(func(target models.Target, password string) {
		mu.Lock()
		defer mu.Unlock()
		cracks[target.ID] = password
	}))

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 10*time.Second, "demo networks to fall", func() bool {
		return targetStatus(eng, homeID) == models.StatusCracked &&
			targetStatus(eng, corpID) == models.StatusCracked &&
			targetStatus(eng, cafeID) == models.StatusCaptured
	})

	waitFor(t, 5*time.Second, "cafe handshake to reach the cracker", func() bool {
		return demo.Cracker.Calls(cafeID) > 0
	})

	sess := eng.Session()
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	home, _ := eng.Scheduler().Get(homeID)
	if home.Password != "sunshine2024" || !home.PMKIDCaptured {
		t.Errorf("Unexpected home network state: password=%q pmkid=%v", home.Password, home.PMKIDCaptured)
	}
	if !strings.HasSuffix(home.CaptureFile, ".22000") {
		t.Errorf("Expected PMKID capture file, got %q", home.CaptureFile)
	}

	corp, _ := eng.Scheduler().Get(corpID)
	if corp.Password != "Winter!2024" || !corp.CredentialCaptured {
		t.Errorf("Unexpected corporate network state: password=%q credential=%v", corp.Password, corp.CredentialCaptured)
	}
	if corp.CaptureFile != "" {
		t.Errorf("Credential capture must not set a capture file, got %q", corp.CaptureFile)
	}

	cafe, _ := eng.Scheduler().Get(cafeID)
	if !cafe.HandshakeCaptured || !cafe.HasFailed(models.AttackPMKID) {
		t.Errorf("Expected cafe handshake after a failed PMKID attempt, got %+v", cafe)
	}
	if demo.Capture.Deauths(cafeID) == 0 {
		t.Error("Expected deauthentication frames against the cafe network")
	}
	if demo.Capture.PMKIDAttempts(corpID) != 0 {
		t.Error("PMKID must not be attempted against a WPA3 network")
	}

	mu.Lock()
	if !found[homeID] || !found[cafeID] || !found[corpID] {
		t.Errorf("Expected target listeners for the demo networks, got %v", found)
	}
	if captures[homeID] != models.CapturePMKID || captures[cafeID] != models.CaptureHandshake || captures[corpID] != models.CaptureCredential {
		t.Errorf("Unexpected capture notifications: %v", captures)
	}
	if cracks[homeID] != "sunshine2024" || cracks[corpID] != "Winter!2024" {
		t.Errorf("Unexpected crack notifications: %v", cracks)
	}
	mu.Unlock()

	stats := sess.Stats()
	if stats.Cracked < 2 || stats.Captured < 3 || stats.PMKIDs < 1 || stats.Handshakes < 1 || stats.Credentials < 1 {
		t.Errorf("Unexpected session stats: %+v", stats)
	}
	passwords := sess.CrackedPasswords()
	if passwords["Linksys-Home"] != "sunshine2024" || passwords["CorpNet"] != "Winter!2024" {
		t.Errorf("Unexpected session passwords: %v", passwords)
	}
	if sess.State() != session.StateCompleted {
		t.Errorf("Expected completed session, got %s", sess.State())
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.cracks[homeID] != "sunshine2024" || archive.cracks[corpID] != "Winter!2024" {
		t.Errorf("Unexpected archived cracks: %v", archive.cracks)
	}
	if archive.attacks == 0 || len(archive.captures) < 3 {
		t.Errorf("Expected archived attacks and captures, got %d attacks and %v", archive.attacks, archive.captures)
	}
	if _, ok := archive.saved[homeID]; !ok {
		t.Error("Expected home network to be archived")
	}
}

func TestStopRequeuesInterruptedTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attack.Chain = []string{"pmkid"}
	cfg.Attack.AttackTimeout = "30s"

	scanner := simulate.NewScanner([]models.RawDetection{
		{ID: homeID, Name: "Slow", Channel: 6, Signal: -50, Encryption: "WPA2-PSK", WPAVersion: 2},
	})
	capture := simulate.NewCaptureBackend(cfg.Attack.CaptureDir)
	capture.SetOutcome(homeID, simulate.Outcome{Hang: true})

	eng, err := New(cfg, Deps{
		Scanner:  scanner,
		Chain:    attack.NewDefaultChain(cfg.Attack, capture, nil),
		Sessions: setupManager(t, cfg),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "attack to start", func() bool {
		return targetStatus(eng, homeID) == models.StatusAttacking && capture.PMKIDAttempts(homeID) > 0
	})

	stopped := make(chan struct{})
	go func() {
		eng.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the running attack")
	}

	target, _ := eng.Scheduler().Get(homeID)
	if target.Status != models.StatusQueued {
		t.Errorf("Expected interrupted target to be requeued, got %s", target.Status)
	}
	if target.AttemptCount != 0 {
		t.Errorf("Expected interrupted attempt to be refunded, got %d", target.AttemptCount)
	}
	if target.HasFailed(models.AttackPMKID) {
		t.Error("Cancelled strategy must not be marked as failed")
	}
}

func TestIneligibleRoundsAreNotCharged(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attack.Chain = []string{"pmkid", "handshake"}

	scanner := simulate.NewScanner([]models.RawDetection{
		{ID: corpID, Name: "CorpNet", Channel: 11, Signal: -60, Encryption: "WPA3-SAE", WPAVersion: 3},
	})
	capture := simulate.NewCaptureBackend(cfg.Attack.CaptureDir)

	eng, err := New(cfg, Deps{
		Scanner:  scanner,
		Chain:    attack.NewDefaultChain(cfg.Attack, capture, nil),
		Sessions: setupManager(t, cfg),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	var mu sync.Mutex
	rounds := 0
	eng.AddAttackListener(AttackListenerFunc(func(target models.Target, results []*models.AttackResult) {
		mu.Lock()
		defer mu.Unlock()
		rounds++
	}))

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, "several rounds", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rounds > cfg.Scheduler.MaxAttackAttempts+1
	})

	sess := eng.Session()
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	target, _ := eng.Scheduler().Get(corpID)
	if target.Status == models.StatusFailed {
		t.Errorf("Target without an eligible strategy must not fail, notes: %v", target.Notes)
	}
	if target.AttemptCount != 0 {
		t.Errorf("Expected no attempts to be charged, got %d", target.AttemptCount)
	}
	if capture.PMKIDAttempts(corpID) != 0 {
		t.Error("PMKID must not be attempted against a WPA3 network")
	}
	if failed := sess.Stats().Failed; failed != 0 {
		t.Errorf("Expected no failed targets in the session, got %d", failed)
	}
}

func TestExhaustedTargetIsRetired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attack.Chain = []string{"pmkid"}

	scanner := simulate.NewScanner([]models.RawDetection{
		{ID: homeID, Name: "Stubborn", Channel: 6, Signal: -50, Encryption: "WPA2-PSK", WPAVersion: 2},
	})
	capture := simulate.NewCaptureBackend(cfg.Attack.CaptureDir)

	eng, err := New(cfg, Deps{
		Scanner:  scanner,
		Chain:    attack.NewDefaultChain(cfg.Attack, capture, nil),
		Sessions: setupManager(t, cfg),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, "target to be retired", func() bool {
		return targetStatus(eng, homeID) == models.StatusFailed
	})

	sess := eng.Session()
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	target, _ := eng.Scheduler().Get(homeID)
	if target.AttemptCount != 1 || !target.HasFailed(models.AttackPMKID) {
		t.Errorf("Expected one charged attempt and a failed pmkid, got %d/%v", target.AttemptCount, target.FailedAttacks)
	}
	if capture.PMKIDAttempts(homeID) != 1 {
		t.Errorf("Expected a single PMKID attempt, got %d", capture.PMKIDAttempts(homeID))
	}
	if failed := sess.Stats().Failed; failed != 1 {
		t.Errorf("Expected 1 failed target in the session, got %d", failed)
	}
}

func TestPauseResumeRepeatedly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.CycleInterval = "1ms"
	eng, scanner, _ := setupIdleEngine(t, cfg, nil)

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "first scan", func() bool { return scanner.Calls() >= 1 })

	for i := 0; i < 200; i++ {
		if err := eng.Pause(); err != nil {
			t.Fatalf("Pause %d failed: %v", i, err)
		}
		// The loop must not leave Paused on its own
		if st := eng.Status(); st.State != StatePaused || !st.Paused {
			t.Fatalf("Iteration %d: expected paused engine, got %s (paused=%v)", i, st.State, st.Paused)
		}
		if err := eng.Resume(); err != nil {
			t.Fatalf("Resume %d failed: %v", i, err)
		}
	}

	calls := scanner.Calls()
	waitFor(t, 2*time.Second, "scans after the last resume", func() bool { return scanner.Calls() > calls })

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	history := eng.History()
	for i, change := range history {
		if !CanTransition(change.From, change.To) {
			t.Errorf("History entry %d is not a legal transition: %s -> %s", i, change.From, change.To)
		}
	}
}

func TestSafetyStopOnDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxSessionDuration = "60ms"
	eng, _, mgr := setupIdleEngine(t, cfg, nil)

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := eng.Session().ID()

	waitFor(t, 3*time.Second, "safety stop", func() bool { return eng.State() == StateIdle })

	if cause := eng.Status().StopCause; !strings.Contains(cause, "maximum session duration") {
		t.Errorf("Unexpected stop cause: %q", cause)
	}
	loaded, err := mgr.LoadSession(id)
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if loaded.State() != session.StateAborted {
		t.Errorf("Expected aborted session, got %s", loaded.State())
	}

	// The engine can be started again after a safety stop
	if err := eng.Start(""); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSafetyStopOnBattery(t *testing.T) {
	tests := []struct {
		name     string
		power    fakePower
		wantStop bool
	}{
		{"low battery", fakePower{percent: 10, ok: true}, true},
		{"healthy battery", fakePower{percent: 80, ok: true}, false},
		{"no sensor", fakePower{ok: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Engine.MinBatteryPercent = 15
			eng, scanner, _ := setupIdleEngine(t, cfg, tt.power)

			if err := eng.Start(""); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			if tt.wantStop {
				waitFor(t, 2*time.Second, "battery stop", func() bool { return eng.State() == StateIdle })
				if cause := eng.Status().StopCause; !strings.Contains(cause, "battery at 10%") {
					t.Errorf("Unexpected stop cause: %q", cause)
				}
				return
			}

			waitFor(t, 2*time.Second, "several cycles", func() bool { return scanner.Calls() >= 3 })
			if eng.State() == StateIdle {
				t.Error("Engine stopped without a low battery")
			}
			eng.Stop()
		})
	}
}

func TestScanErrorsDoNotStopEngine(t *testing.T) {
	cfg := testConfig(t)
	eng, scanner, _ := setupIdleEngine(t, cfg, nil)
	scanner.SetError(errors.New("interface down"))

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "repeated scans", func() bool { return scanner.Calls() >= 3 })
	if eng.State() == StateIdle || eng.State() == StateStopping {
		t.Errorf("Expected engine to keep running, got %s", eng.State())
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	cfg := testConfig(t)
	eng, _, _ := setupIdleEngine(t, cfg, nil)

	var mu sync.Mutex
	var seen []StateChange
	eng.AddStateListener(StateListenerFunc(func(from, to State) {
		panic("listener bug")
	}))
	eng.AddStateListener(StateListenerFunc(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, StateChange{From: from, To: to})
	}))

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("Expected the healthy listener to see every change, got %v", seen)
	}
	if seen[0].To != StateScanning || seen[len(seen)-1].To != StateIdle {
		t.Errorf("Unexpected notifications: %v", seen)
	}
}

func TestKnownPasswordSkipsTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.SkipKnownCracked = true
	archive := newFakeArchive(map[string]string{homeID: "from-last-time"})
	eng, demo, _ := setupDemoEngine(t, cfg, archive)

	if err := eng.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "known target", func() bool { return targetStatus(eng, homeID) == models.StatusCracked })
	waitFor(t, 5*time.Second, "corporate network", func() bool { return targetStatus(eng, corpID) == models.StatusCracked })

	if demo.Capture.PMKIDAttempts(homeID) != 0 {
		t.Error("Known network must not be attacked")
	}
	home, _ := eng.Scheduler().Get(homeID)
	if home.Password != "from-last-time" {
		t.Errorf("Expected archived password, got %q", home.Password)
	}
}

func TestStartResumesSession(t *testing.T) {
	cfg := testConfig(t)

	// A session left Running by a crashed process
	first := setupManager(t, cfg)
	sess, err := first.CreateSession("interrupted", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess.RecordTarget(models.Target{
		ID: cafeID, Name: "Cafe-Guest", Status: models.StatusAttacking,
		Signal: -62, Encryption: "WPA2-PSK", WPAVersion: 2, AttemptCount: 1,
	})
	sess.RecordTarget(models.Target{
		ID: homeID, Name: "Linksys-Home", Status: models.StatusCracked, Password: "sunshine2024",
	})
	if err := first.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	eng, _, mgr := setupIdleEngine(t, cfg, nil)
	if err := eng.Start(sess.ID()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if eng.Status().SessionID != sess.ID() {
		t.Errorf("Expected session %s, got %s", sess.ID(), eng.Status().SessionID)
	}
	if mgr.Current() == nil || mgr.Current().State() != session.StateRunning {
		t.Error("Expected the resumed session to be current and running")
	}
	if got := targetStatus(eng, homeID); got != models.StatusCracked {
		t.Errorf("Expected restored cracked target, got %s", got)
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := targetStatus(eng, cafeID); got == models.StatusAttacking || got == "" {
		t.Errorf("Expected interrupted target to be restored and not left attacking, got %q", got)
	}

	if err := eng.Start("missing"); err == nil {
		t.Error("Expected error resuming an unknown session")
	}
	if eng.State() != StateIdle {
		t.Errorf("Failed resume must leave the engine idle, got %s", eng.State())
	}
}

func TestSysfsBattery(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}

	if _, ok := (SysfsBattery{Root: root}).BatteryPercent(); ok {
		t.Error("Expected no reading from an empty directory")
	}

	write("AC/type", "Mains\n")
	write("AC/capacity", "100\n")
	write("BAT0/type", "Battery\n")
	write("BAT0/capacity", "42\n")

	percent, ok := SysfsBattery{Root: root}.BatteryPercent()
	if !ok || percent != 42 {
		t.Errorf("Expected 42%%, got %d (ok=%v)", percent, ok)
	}
}
