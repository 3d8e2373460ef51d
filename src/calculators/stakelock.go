package calculators

import (
	"time"

	"github.com/username/brickfolio/backend/src/models"
)

// StakeLockEvaluator answers time-lock questions about a stake
// position. Pure functions, no I/O.
type StakeLockEvaluator struct {
	MinLockPeriod time.Duration
}

// CanUnstake reports whether the lock period has elapsed. Partial
// unstakes never reset StakeTime, so the answer depends only on when
// the position was opened.
func (e StakeLockEvaluator) CanUnstake(pos models.StakePosition, now time.Time) bool {
	if !pos.StakedAmount.IsPositive() {
		return false
	}
	return !now.Before(pos.StakeTime.Add(e.MinLockPeriod))
}

// TimeUntilUnlock returns how long until the position unlocks, zero
// when it is already unlockable.
func (e StakeLockEvaluator) TimeUntilUnlock(pos models.StakePosition, now time.Time) time.Duration {
	unlockAt := pos.StakeTime.Add(e.MinLockPeriod)
	if !now.Before(unlockAt) {
		return 0
	}
	return unlockAt.Sub(now)
}
