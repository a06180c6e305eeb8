package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Breaker halts new entries after consecutive losses or a daily loss
// limit. Exits are never blocked: an open position can always be closed.
type Breaker struct {
	mu sync.Mutex

	maxConsecutiveLosses int
	maxDailyLoss         decimal.Decimal
	cooldown             time.Duration
	log                  *logger.Entry
	now                  func() time.Time

	consecutiveLosses int
	dailyLoss         decimal.Decimal
	lastResetDay      string
	tripped           bool
	trippedAt         time.Time
	reason            string
}

// BreakerStats is a point-in-time snapshot for the status API.
type BreakerStats struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	DailyLoss         decimal.Decimal `json:"daily_loss"`
	Tripped           bool            `json:"tripped"`
	Reason            string          `json:"reason,omitempty"`
}

// NewBreaker builds a breaker. maxDailyLoss is an absolute quote-currency
// amount; zero disables that limit. maxLosses <= 0 disables the streak
// limit.
func NewBreaker(maxLosses int, maxDailyLoss decimal.Decimal, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Breaker{
		maxConsecutiveLosses: maxLosses,
		maxDailyLoss:         maxDailyLoss,
		cooldown:             cooldown,
		log:                  logger.WithField("component", "CircuitBreaker"),
		now:                  time.Now,
	}
}

// RecordResult feeds a realized PnL into the breaker. A win resets the
// loss streak; a loss extends it and accrues toward the daily limit.
func (b *Breaker) RecordResult(realized decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDay()

	if realized.IsNegative() {
		b.consecutiveLosses++
		b.dailyLoss = b.dailyLoss.Add(realized.Abs())
	} else {
		b.consecutiveLosses = 0
	}

	if b.tripped {
		return
	}
	if b.maxConsecutiveLosses > 0 && b.consecutiveLosses >= b.maxConsecutiveLosses {
		b.trip("max consecutive losses reached")
		return
	}
	if b.maxDailyLoss.IsPositive() && b.dailyLoss.GreaterThanOrEqual(b.maxDailyLoss) {
		b.trip("daily loss limit reached")
	}
}

// Allow reports whether new entries may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDay()

	if !b.tripped {
		return true
	}
	if b.now().Sub(b.trippedAt) >= b.cooldown {
		b.tripped = false
		b.consecutiveLosses = 0
		b.reason = ""
		b.log.Info("circuit breaker reset after cooldown")
		return true
	}
	return false
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		ConsecutiveLosses: b.consecutiveLosses,
		DailyLoss:         b.dailyLoss,
		Tripped:           b.tripped,
		Reason:            b.reason,
	}
}

func (b *Breaker) trip(reason string) {
	b.tripped = true
	b.trippedAt = b.now()
	b.reason = reason
	b.log.WithFields(logger.Fields{
		"reason":             reason,
		"consecutive_losses": b.consecutiveLosses,
		"daily_loss":         b.dailyLoss,
		"cooldown":           b.cooldown,
	}).Warn("circuit breaker tripped")
}

// rollDay resets daily accounting at midnight. Caller holds the lock.
func (b *Breaker) rollDay() {
	today := b.now().Format("2006-01-02")
	if b.lastResetDay != today {
		b.lastResetDay = today
		b.dailyLoss = decimal.Zero
	}
}
