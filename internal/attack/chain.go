package attack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/config"
	"wraith/internal/models"
	"wraith/internal/orcherr"
)

// Chain runs an ordered list of strategies against one target at a time
type Chain struct {
	attacks       map[models.AttackKind]Attack
	order         []models.AttackKind
	timeout       time.Duration
	delay         time.Duration
	stopOnSuccess bool
	logger        zerolog.Logger

	mu   sync.Mutex
	last []*models.AttackResult
}

// NewChain builds a chain whose order comes from cfg.Chain. Strategies named
// in the order but not supplied produce a Skipped result when executed.
func NewChain(cfg config.AttackConfig, attacks ...Attack) *Chain {
	c := &Chain{
		attacks:       make(map[models.AttackKind]Attack, len(attacks)),
		timeout:       cfg.GetAttackTimeout(),
		delay:         cfg.GetInterAttackDelay(),
		stopOnSuccess: cfg.StopOnSuccess,
		logger:        log.With().Str("component", "attack-chain").Logger(),
	}
	for _, a := range attacks {
		if a != nil {
			c.attacks[a.Kind()] = a
		}
	}
	for _, name := range cfg.Chain {
		c.order = append(c.order, models.AttackKind(name))
	}
	return c
}

// NewDefaultChain wires the built-in strategies to the given backends
func NewDefaultChain(cfg config.AttackConfig, capture CaptureBackend, rogue RogueAPBackend) *Chain {
	var attacks []Attack
	if capture != nil {
		attacks = append(attacks,
			NewPMKID(capture),
			NewHandshake(capture, cfg.DeauthCount, cfg.GetDeauthInterval()),
		)
	}
	if rogue != nil {
		attacks = append(attacks, NewEvilTwin(rogue))
	}
	return NewChain(cfg, attacks...)
}

// Kinds returns the configured strategy order
func (c *Chain) Kinds() []models.AttackKind {
	return append([]models.AttackKind(nil), c.order...)
}

// Execute tries each strategy in order. Ineligible strategies yield a Skipped
// result and do not count as attempts. Failed and timed out strategies are
// added to target.FailedAttacks. Cancelling ctx stops the running strategy
// and the remainder of the chain.
func (c *Chain) Execute(ctx context.Context, target *models.Target) []*models.AttackResult {
	var results []*models.AttackResult
	executed := false

	for _, kind := range c.order {
		if ctx.Err() != nil {
			c.logger.Debug().Str("target", target.ID).Msg("Chain cancelled")
			break
		}

		strategy, ok := c.attacks[kind]
		if !ok {
			results = append(results, skipped(kind, target.ID, "strategy not available"))
			continue
		}

		if eligible, reason := strategy.CanAttack(target); !eligible {
			c.logger.Debug().Str("target", target.ID).Str("attack", string(kind)).Str("reason", reason).Msg("Attack skipped")
			results = append(results, skipped(kind, target.ID, reason))
			continue
		}

		if executed && !sleepContext(ctx, c.delay) {
			break
		}

		timeout := c.timeout
		if timeout <= 0 {
			timeout = strategy.DefaultTimeout()
		}

		result := strategy.Execute(ctx, target, timeout)
		executed = true
		results = append(results, result)

		c.logger.Info().
			Str("target", target.ID).
			Str("attack", string(kind)).
			Str("status", string(result.Status)).
			Dur("duration", result.Duration()).
			Msg("Attack completed")

		if result.Success {
			if c.stopOnSuccess {
				break
			}
			continue
		}

		if result.Status == models.ResultFailed || result.Status == models.ResultTimeout {
			target.MarkAttackFailed(kind)
		}
	}

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return results
}

// GetSuccessfulResult returns the first successful result of the most recent Execute
func (c *Chain) GetSuccessfulResult() *models.AttackResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SuccessfulResult(c.last)
}

// SuccessfulResult returns the first successful result in results, or nil
func SuccessfulResult(results []*models.AttackResult) *models.AttackResult {
	for _, r := range results {
		if r != nil && r.Success {
			return r
		}
	}
	return nil
}

func skipped(kind models.AttackKind, targetID, reason string) *models.AttackResult {
	result := models.NewAttackResult(kind, targetID)
	result.SetDetail("eligibility", reason)
	_ = result.Complete(models.ResultSkipped, "", orcherr.E("attack.chain", orcherr.PreconditionFailed, errors.New(reason)))
	return result
}
