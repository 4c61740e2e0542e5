package scheduler

import (
	"wraith/internal/config"
	"wraith/internal/models"
)

const (
	baseScore      = 50
	strongBonus    = 20
	moderateBonus  = 10
	moderateSignal = -70
	wpa2Bonus      = 15
	wpa3Penalty    = 10
	downgradeBonus = 5
	openBonus      = 5
	clientBonus    = 20
	perClientBonus = 2
	maxClientBonus = 10
	pmkidBonus     = 25
)

// Score computes the attack priority score of a target
func Score(t *models.Target, cfg config.SchedulerConfig) int {
	score := baseScore

	if t.Signal >= cfg.StrongSignal {
		score += strongBonus
	} else if t.Signal >= moderateSignal {
		score += moderateBonus
	}

	if cfg.PreferWPA2 && t.IsWPA2() {
		score += wpa2Bonus
	}

	if t.IsWPA3() {
		score -= wpa3Penalty
		if t.CanDowngrade() {
			score += downgradeBonus
		}
	}

	if t.IsOpen() {
		score += openBonus
	}

	if cfg.PreferClients && t.HasClients() {
		extra := perClientBonus * len(t.Clients)
		if extra > maxClientBonus {
			extra = maxClientBonus
		}
		score += clientBonus + extra
	}

	if cfg.PreferPMKID && t.PMKIDVulnerable {
		score += pmkidBonus
	}

	return score
}

// Tier maps a score onto a priority tier
func Tier(score int) models.Priority {
	switch {
	case score >= 80:
		return models.PriorityCritical
	case score >= 60:
		return models.PriorityHigh
	case score >= 40:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}
