// Package governor decides whether a consumptive action may run: a
// sliding-window abuse throttle followed by tier quotas with calendar
// resets. Both checks fail open when the account store cannot be read.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

type Reason string

const (
	ReasonCooldown     Reason = "cooldown"
	ReasonRateLimit    Reason = "rate_limit"
	ReasonHourlyLimit  Reason = "hourly_limit"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonMonthlyLimit Reason = "monthly_limit"
	ReasonTierRequired Reason = "tier_required"
)

var (
	ErrAccountNotFound = apperr.New(apperr.ErrNotFound, "account_not_found", "Account not found")
	ErrUnknownResource = apperr.Validation("unknown_resource", "Unknown resource")
)

// Decision is the outcome of a governance check. Denials carry a stable
// Reason for callers and a Message for people.
type Decision struct {
	Allowed         bool          `json:"allowed"`
	Reason          Reason        `json:"reason,omitempty"`
	Message         string        `json:"message,omitempty"`
	UpgradeRequired bool          `json:"upgrade_required"`
	RetryAfter      time.Duration `json:"-"`
	Limit           int           `json:"limit,omitempty"`
	Used            int           `json:"used,omitempty"`
	Remaining       int           `json:"remaining,omitempty"`
	// Degraded is set when the decision was made without reading state.
	Degraded bool `json:"-"`
}

func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

type Config struct {
	PerMinuteLimit int
	PerHourLimit   int
	Cooldown       time.Duration
	Location       *time.Location
}

type Governor struct {
	accounts repository.AccountRepository
	cfg      Config
	clock    clock.Clock
	trail    *audit.Trail
	logger   *zap.Logger
}

func New(accounts repository.AccountRepository, cfg Config, clk clock.Clock, trail *audit.Trail, logger *zap.Logger) *Governor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{accounts: accounts, cfg: cfg, clock: clk, trail: trail, logger: logger}
}

// load returns the account, or ok=false when the read failed and the
// caller should fail open.
func (g *Governor) load(ctx context.Context, accountID, check string) (*models.Account, bool, error) {
	account, err := g.accounts.GetAccount(ctx, accountID)
	if err == nil {
		return account, true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, ErrAccountNotFound
	}
	g.logger.Warn("Governance state unreadable, failing open",
		zap.String("check", check),
		util.AccountID(accountID),
		zap.Error(err))
	return nil, false, nil
}

// Throttle applies the sliding-window abuse throttle and records the
// request when allowed.
func (g *Governor) Throttle(ctx context.Context, accountID string) (Decision, error) {
	account, ok, err := g.load(ctx, accountID, "throttle")
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Allowed: true, Degraded: true}, nil
	}

	now := g.clock.Now()
	rl := &account.RateLimit

	if rl.CooldownUntil != nil {
		if rl.CooldownUntil.After(now) {
			d := Decision{
				Reason:     ReasonCooldown,
				Message:    "Too many requests. Please wait before trying again.",
				RetryAfter: rl.CooldownUntil.Sub(now),
			}
			g.deny(ctx, accountID, models.EventThrottleDenied, d)
			return d, nil
		}
		rl.CooldownUntil = nil
	}

	rl.Prune(now)

	if n := rl.CountSince(now.Add(-time.Minute)); n >= g.cfg.PerMinuteLimit {
		until := now.Add(g.cfg.Cooldown)
		rl.CooldownUntil = &until
		g.persist(ctx, account, "throttle")

		d := Decision{
			Reason:     ReasonRateLimit,
			Message:    "You're sending requests too quickly. Please take a short break.",
			RetryAfter: g.cfg.Cooldown,
			Limit:      g.cfg.PerMinuteLimit,
			Used:       n,
		}
		g.deny(ctx, accountID, models.EventThrottleDenied, d)
		return d, nil
	}

	if n := len(rl.RecentRequestTimestamps); n >= g.cfg.PerHourLimit {
		d := Decision{
			Reason:     ReasonHourlyLimit,
			Message:    "Hourly request limit reached. Please try again later.",
			RetryAfter: rl.RecentRequestTimestamps[0].Add(models.RateLimitWindow).Sub(now),
			Limit:      g.cfg.PerHourLimit,
			Used:       n,
		}
		g.deny(ctx, accountID, models.EventThrottleDenied, d)
		return d, nil
	}

	rl.RecentRequestTimestamps = append(rl.RecentRequestTimestamps, now)
	g.persist(ctx, account, "throttle")

	return Decision{
		Allowed:   true,
		Limit:     g.cfg.PerHourLimit,
		Used:      len(rl.RecentRequestTimestamps),
		Remaining: g.cfg.PerHourLimit - len(rl.RecentRequestTimestamps),
	}, nil
}

// CheckQuota compares the period counter for resource against the tier
// ceiling. It never increments.
func (g *Governor) CheckQuota(ctx context.Context, accountID string, resource Resource) (Decision, error) {
	if _, ok := ParseResource(string(resource)); !ok {
		return Decision{}, ErrUnknownResource
	}

	account, ok, err := g.load(ctx, accountID, "quota")
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Allowed: true, Degraded: true}, nil
	}

	tier := ResolveTier(account.Membership.Tier)
	limit := LimitsFor(tier).For(resource)

	usage := account.Usage
	usage.Reset(g.clock.Now(), g.cfg.Location)
	n := used(usage, resource)

	if limit == Unlimited {
		return Decision{Allowed: true, Used: n, Remaining: Unlimited}, nil
	}

	if limit == 0 || n >= limit {
		_, canUpgrade := nextTier(tier, resource)
		d := Decision{
			Reason:          ReasonDailyLimit,
			Message:         denialMessage(tier, resource, limit),
			UpgradeRequired: canUpgrade,
			Limit:           limit,
			Used:            n,
		}
		switch {
		case limit == 0:
			d.Reason = ReasonTierRequired
		case resource.monthly():
			d.Reason = ReasonMonthlyLimit
		}
		g.deny(ctx, accountID, models.EventQuotaDenied, d)
		return d, nil
	}

	return Decision{Allowed: true, Limit: limit, Used: n, Remaining: limit - n}, nil
}

// Authorize composes the throttle (for prompts only) and the quota check.
func (g *Governor) Authorize(ctx context.Context, accountID string, resource Resource) (Decision, error) {
	if resource == ResourcePrompt {
		d, err := g.Throttle(ctx, accountID)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	return g.CheckQuota(ctx, accountID, resource)
}

// RecordUsage increments the counter for resource. Call it only after the
// governed action has completed.
func (g *Governor) RecordUsage(ctx context.Context, accountID string, resource Resource) (models.UsageCounters, error) {
	if _, ok := ParseResource(string(resource)); !ok {
		return models.UsageCounters{}, ErrUnknownResource
	}

	account, err := g.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.UsageCounters{}, ErrAccountNotFound
		}
		return models.UsageCounters{}, apperr.Backend("load usage", err)
	}

	now := g.clock.Now()
	account.Usage.Reset(now, g.cfg.Location)
	increment(&account.Usage, resource)
	account.UpdatedAt = now

	if err := g.accounts.SaveAccount(ctx, account); err != nil {
		g.logger.Error("Failed to record usage",
			util.AccountID(accountID),
			zap.String("resource", string(resource)),
			zap.Error(err))
		return models.UsageCounters{}, apperr.Backend("record usage", err)
	}

	g.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventUsageRecorded,
		AccountID: accountID,
		Details:   map[string]string{"resource": string(resource)},
	})
	return account.Usage, nil
}

// Report is the usage view shown to the account owner.
type Report struct {
	Tier   models.Tier          `json:"tier"`
	Usage  models.UsageCounters `json:"usage"`
	Limits Limits               `json:"limits"`
}

func (g *Governor) Usage(ctx context.Context, accountID string) (Report, error) {
	account, err := g.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Report{}, ErrAccountNotFound
		}
		return Report{}, apperr.Backend("load usage", err)
	}

	tier := ResolveTier(account.Membership.Tier)
	usage := account.Usage
	usage.Reset(g.clock.Now(), g.cfg.Location)
	return Report{Tier: tier, Usage: usage, Limits: LimitsFor(tier)}, nil
}

func (g *Governor) persist(ctx context.Context, account *models.Account, check string) {
	account.UpdatedAt = g.clock.Now()
	if err := g.accounts.SaveAccount(ctx, account); err != nil {
		g.logger.Warn("Failed to persist governance state",
			zap.String("check", check),
			util.AccountID(account.ID),
			zap.Error(err))
	}
}

func (g *Governor) deny(ctx context.Context, accountID string, typ models.AuditEventType, d Decision) {
	g.logger.Info("Governance denial",
		util.AccountID(accountID),
		zap.String("reason", string(d.Reason)))

	details := map[string]string{}
	if d.Limit > 0 {
		details["limit"] = strconv.Itoa(d.Limit)
		details["used"] = strconv.Itoa(d.Used)
	}
	if d.RetryAfter > 0 {
		details["retry_after"] = fmt.Sprintf("%ds", d.RetryAfterSeconds())
	}
	g.trail.Emit(ctx, models.AuditEvent{
		EventType: typ,
		AccountID: accountID,
		Reason:    string(d.Reason),
		Details:   details,
	})
}
