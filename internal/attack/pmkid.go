package attack

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// PMKIDAttack captures a PMKID from the access point without needing a client
type PMKIDAttack struct {
	capability
	backend CaptureBackend
	logger  zerolog.Logger
}

// captureOutcome carries a backend capture call's result through await
type captureOutcome struct {
	artifact string
	ok       bool
}

// NewPMKID creates the clientless PMKID strategy
func NewPMKID(backend CaptureBackend) *PMKIDAttack {
	return &PMKIDAttack{
		capability: capability{
			kind:    models.AttackPMKID,
			timeout: 60 * time.Second,
		},
		backend: backend,
		logger:  log.With().Str("component", "attack").Str("attack", string(models.AttackPMKID)).Logger(),
	}
}

// Execute requests a PMKID from the target under the given timeout
func (a *PMKIDAttack) Execute(ctx context.Context, target *models.Target, timeout time.Duration) *models.AttackResult {
	const op = "attack.pmkid"

	result := models.NewAttackResult(a.kind, target.ID)
	result.Start()

	if a.backend == nil {
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.TransientFailure, errNoBackend))
		return result
	}

	timeout = a.effectiveTimeout(timeout)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.logger.Info().Str("target", target.ID).Int("channel", target.Channel).Dur("timeout", timeout).Msg("Requesting PMKID")

	capture, err := await(attemptCtx, func(ctx context.Context) (captureOutcome, error) {
		artifact, ok, err := a.backend.CapturePMKID(ctx, target.ID, target.Channel)
		return captureOutcome{artifact: artifact, ok: ok}, err
	})

	switch {
	case err != nil:
		finish(ctx, result, op, err)
	case !capture.ok:
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.TransientFailure, errNoCapture))
	default:
		_ = result.Complete(models.ResultSuccess, capture.artifact, nil)
	}

	a.logger.Info().
		Str("target", target.ID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration()).
		Msg("PMKID attack finished")

	return result
}
