package models

import "time"

const (
	dailyStampLayout   = "2006-01-02"
	monthlyStampLayout = "2006-01"

	// RateLimitWindow is the trailing window the timestamp list is pruned to.
	RateLimitWindow = time.Hour
)

// UsageCounters are the per-period consumption counters. The reset stamps
// are calendar strings in the governor's time zone.
type UsageCounters struct {
	PromptsToday               int    `json:"prompts_today"`
	PlaysToday                 int    `json:"plays_today"`
	DailyResetDate             string `json:"daily_reset_date"`
	GamesThisMonth             int    `json:"games_this_month"`
	PremiumFeatureUseThisMonth int    `json:"premium_feature_use_this_month"`
	MonthlyResetDate           string `json:"monthly_reset_date"`
}

func NewUsageCounters(now time.Time, loc *time.Location) UsageCounters {
	local := now.In(loc)
	return UsageCounters{
		DailyResetDate:   local.Format(dailyStampLayout),
		MonthlyResetDate: local.Format(monthlyStampLayout),
	}
}

// Reset zeroes counters whose period stamp differs from the period that
// contains now. It is idempotent for any now within the same period and
// reports whether anything changed.
func (u *UsageCounters) Reset(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	changed := false

	if today := local.Format(dailyStampLayout); u.DailyResetDate != today {
		u.PromptsToday = 0
		u.PlaysToday = 0
		u.DailyResetDate = today
		changed = true
	}
	if month := local.Format(monthlyStampLayout); u.MonthlyResetDate != month {
		u.GamesThisMonth = 0
		u.PremiumFeatureUseThisMonth = 0
		u.MonthlyResetDate = month
		changed = true
	}

	return changed
}

// RateLimitState backs the sliding-window abuse throttle.
type RateLimitState struct {
	RecentRequestTimestamps []time.Time `json:"recent_request_timestamps"`
	CooldownUntil           *time.Time  `json:"cooldown_until,omitempty"`
}

// Prune drops timestamps older than RateLimitWindow before now.
func (r *RateLimitState) Prune(now time.Time) {
	cutoff := now.Add(-RateLimitWindow)
	kept := r.RecentRequestTimestamps[:0]
	for _, ts := range r.RecentRequestTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.RecentRequestTimestamps = kept
}

// CountSince returns how many recorded requests are newer than since.
func (r *RateLimitState) CountSince(since time.Time) int {
	n := 0
	for _, ts := range r.RecentRequestTimestamps {
		if ts.After(since) {
			n++
		}
	}
	return n
}

func (r RateLimitState) clone() RateLimitState {
	c := RateLimitState{}
	if r.RecentRequestTimestamps != nil {
		c.RecentRequestTimestamps = append([]time.Time(nil), r.RecentRequestTimestamps...)
	}
	if r.CooldownUntil != nil {
		t := *r.CooldownUntil
		c.CooldownUntil = &t
	}
	return c
}
