package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/model"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type DenyReason string

const DENY_DAILY_TOKEN_LIMIT DenyReason = "daily_token_limit"
const DENY_SESSION_TOKEN_LIMIT DenyReason = "session_token_limit"
const DENY_DAILY_COST_LIMIT DenyReason = "daily_cost_limit"

// Key scopes a budget window. Day is derived from the clock at check time,
// so limits reset when the calendar day rolls over.
type Key struct {
	UserId    string
	SessionId string
	Day       string
}

func KeyFor(userId string, sessionId string, now time.Time) Key {
	return Key{
		UserId:    userId,
		SessionId: sessionId,
		Day:       now.UTC().Format("2006-01-02"),
	}
}

type Decision struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenyReason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Limits of zero disable the corresponding check.
type Limits struct {
	EnforceLimits     bool
	DailyTokenLimit   int
	SessionTokenLimit int
	DailyCostLimitUSD float64
}

type entry struct {
	Tokens  int
	CostUSD float64
}

// windowTTL keeps ledger entries around long enough for any in-flight
// commit against yesterday's window, then lets the cache drop them.
const windowTTL = 48 * time.Hour

// Ledger tracks cumulative token and cost usage per budget window. It is
// the only state shared by concurrent step tasks: CheckAndReserve holds a
// per-user critical section across the check and the reservation, so two
// racing reservations for the same user can never jointly overshoot a
// limit. Commit reconciles a reservation with the provider's actual usage
// by applying only the difference.
type Ledger struct {
	limits  Limits
	entries *c.Cache
	locks   sync.Map
}

func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:  limits,
		entries: c.New(windowTTL, 1*time.Hour),
	}
}

func (l *Ledger) userLock(userId string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(userId, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (l *Ledger) dayKey(key Key) string {
	return fmt.Sprintf("day:%s:%s", key.UserId, key.Day)
}

func (l *Ledger) sessionKey(key Key) string {
	return fmt.Sprintf("session:%s:%s:%s", key.UserId, key.SessionId, key.Day)
}

func (l *Ledger) getEntry(cacheKey string) *entry {
	if v, ok := l.entries.Get(cacheKey); ok {
		return v.(*entry)
	}
	e := &entry{}
	l.entries.Set(cacheKey, e, windowTTL)
	return e
}

// CheckAndReserve checks every limit against the window's cumulative usage
// plus the new estimate and, when allowed, reserves the estimate inside the
// same critical section. The first violated limit is reported. When
// enforcement is disabled the reservation is still recorded so usage stays
// observable.
func (l *Ledger) CheckAndReserve(key Key, estTokens int, estCost float64) Decision {
	mu := l.userLock(key.UserId)
	mu.Lock()
	defer mu.Unlock()

	day := l.getEntry(l.dayKey(key))
	session := l.getEntry(l.sessionKey(key))

	if l.limits.EnforceLimits {
		if l.limits.DailyTokenLimit > 0 && day.Tokens+estTokens > l.limits.DailyTokenLimit {
			return deny(DENY_DAILY_TOKEN_LIMIT,
				fmt.Sprintf("daily token limit %d exceeded: used %d, requested %d", l.limits.DailyTokenLimit, day.Tokens, estTokens))
		}
		if l.limits.SessionTokenLimit > 0 && session.Tokens+estTokens > l.limits.SessionTokenLimit {
			return deny(DENY_SESSION_TOKEN_LIMIT,
				fmt.Sprintf("session token limit %d exceeded: used %d, requested %d", l.limits.SessionTokenLimit, session.Tokens, estTokens))
		}
		if l.limits.DailyCostLimitUSD > 0 && day.CostUSD+estCost > l.limits.DailyCostLimitUSD {
			return deny(DENY_DAILY_COST_LIMIT,
				fmt.Sprintf("daily cost limit %.4f exceeded: used %.4f, requested %.4f", l.limits.DailyCostLimitUSD, day.CostUSD, estCost))
		}
	}
	day.Tokens += estTokens
	day.CostUSD += estCost
	session.Tokens += estTokens
	session.CostUSD += estCost
	return allow()
}

// Commit reconciles a prior reservation with actual usage. Only the delta
// between actual and reserved is applied, so usage is never double counted.
// Commit never fails; a commit without a matching reservation (reserved nil)
// applies the full actual usage.
func (l *Ledger) Commit(key Key, reserved *model.UsageRecord, actual *model.UsageRecord) {
	if actual == nil {
		return
	}
	deltaTokens := actual.TotalTokens
	deltaCost := actual.CostUSD
	if reserved != nil {
		deltaTokens -= reserved.TotalTokens
		deltaCost -= reserved.CostUSD
	}
	mu := l.userLock(key.UserId)
	mu.Lock()
	defer mu.Unlock()

	day := l.getEntry(l.dayKey(key))
	session := l.getEntry(l.sessionKey(key))
	day.Tokens += deltaTokens
	day.CostUSD += deltaCost
	session.Tokens += deltaTokens
	session.CostUSD += deltaCost
	if day.Tokens < 0 || day.CostUSD < 0 {
		logger.Warn("ledger window went negative after reconcile", zap.String("user", key.UserId), zap.String("day", key.Day))
	}
}

// Usage returns the cumulative tokens and cost for the day window of a key.
func (l *Ledger) Usage(key Key) (int, float64) {
	mu := l.userLock(key.UserId)
	mu.Lock()
	defer mu.Unlock()
	day := l.getEntry(l.dayKey(key))
	return day.Tokens, day.CostUSD
}

// SessionUsage returns the cumulative tokens and cost for the session
// window of a key.
func (l *Ledger) SessionUsage(key Key) (int, float64) {
	mu := l.userLock(key.UserId)
	mu.Lock()
	defer mu.Unlock()
	session := l.getEntry(l.sessionKey(key))
	return session.Tokens, session.CostUSD
}
