// Package attack provides the attack strategies and the chain that runs them.
// Each strategy is a capability: it reports whether it can be used against a
// target and, when executed, drives an external backend under a deadline and
// classifies the outcome into an AttackResult.
package attack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// Eligibility rejection reasons
const (
	ReasonWPA3       = "WPA3 not supported"
	ReasonNoClients  = "no active clients"
	ReasonHiddenSSID = "hidden SSID"
)

// Attack is a single strategy that can be run against a target
type Attack interface {
	Kind() models.AttackKind
	Execute(ctx context.Context, target *models.Target, timeout time.Duration) *models.AttackResult
	CanAttack(target *models.Target) (bool, string)
	RequiresClient() bool
	SupportsWPA3() bool
	DefaultTimeout() time.Duration
}

// CaptureBackend wraps the packet capture tooling. A false ok with a nil
// error means the backend finished without obtaining anything.
type CaptureBackend interface {
	CapturePMKID(ctx context.Context, bssid string, channel int) (artifact string, ok bool, err error)
	StartCapture(ctx context.Context, bssid string, channel int) error
	SendDeauth(ctx context.Context, bssid, client string, count int) error
	WaitHandshake(ctx context.Context, bssid string) (artifact string, ok bool, err error)
	StopCapture(bssid string) error
}

// Credential is a secret submitted to a rogue access point
type Credential struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// RogueAPBackend runs a decoy access point. WaitCredential returns a nil
// credential when the portal closed without a submission.
type RogueAPBackend interface {
	Start(ctx context.Context, ssid string, channel int) error
	WaitCredential(ctx context.Context) (*Credential, error)
	Stop() error
}

var (
	errNoBackend = errors.New("backend not configured")
	errNoCapture = errors.New("nothing captured")
	errNoClients = errors.New(ReasonNoClients)
)

// capability holds the static description shared by every strategy
type capability struct {
	kind           models.AttackKind
	requiresClient bool
	supportsWPA3   bool
	timeout        time.Duration
}

func (c capability) Kind() models.AttackKind       { return c.kind }
func (c capability) RequiresClient() bool          { return c.requiresClient }
func (c capability) SupportsWPA3() bool            { return c.supportsWPA3 }
func (c capability) DefaultTimeout() time.Duration { return c.timeout }

// CanAttack applies the eligibility rules common to all strategies
func (c capability) CanAttack(target *models.Target) (bool, string) {
	if target == nil {
		return false, "no target"
	}
	if target.IsWPA3() && !c.supportsWPA3 {
		return false, ReasonWPA3
	}
	if c.requiresClient && !target.HasClients() {
		return false, ReasonNoClients
	}
	if target.HasFailed(c.kind) {
		return false, fmt.Sprintf("%s already failed", c.kind)
	}
	return true, ""
}

func (c capability) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.timeout
	}
	return timeout
}

type outcome[T any] struct {
	value T
	err   error
}

// await runs fn in its own goroutine and returns when it finishes or ctx ends,
// whichever comes first. A backend that ignores its context cannot block the caller.
func await[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome[T]{value: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify maps an execution error onto a result status. parent is the
// caller's context: if it was cancelled the attempt counts as Skipped.
func classify(parent context.Context, err error) models.ResultStatus {
	if parent.Err() != nil {
		return models.ResultSkipped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ResultTimeout
	}
	return models.ResultFailed
}

// finish completes the result with an error classified against parent
func finish(parent context.Context, result *models.AttackResult, op string, err error) {
	status := classify(parent, err)
	kind := orcherr.TransientFailure
	switch status {
	case models.ResultTimeout:
		kind = orcherr.Timeout
	case models.ResultSkipped:
		kind = orcherr.PreconditionFailed
		err = fmt.Errorf("cancelled: %w", err)
	}
	_ = result.Complete(status, "", orcherr.E(op, kind, err))
}

// sleepContext waits for d or until ctx ends. It reports whether the full delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
