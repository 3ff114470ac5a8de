package governor

import (
	"fmt"
	"strings"

	"trust-service/internal/models"
)

type Resource string

const (
	ResourcePrompt  Resource = "prompt"
	ResourcePlay    Resource = "play"
	ResourceGame    Resource = "game"
	ResourcePremium Resource = "premium_feature"
)

func ParseResource(s string) (Resource, bool) {
	switch r := Resource(s); r {
	case ResourcePrompt, ResourcePlay, ResourceGame, ResourcePremium:
		return r, true
	}
	return "", false
}

func (r Resource) monthly() bool {
	return r == ResourceGame || r == ResourcePremium
}

func (r Resource) noun() string {
	switch r {
	case ResourcePrompt:
		return "prompts"
	case ResourcePlay:
		return "plays"
	case ResourceGame:
		return "game creations"
	default:
		return "premium feature uses"
	}
}

// Unlimited marks a resource without a ceiling for a tier.
const Unlimited = -1

// Limits are the per-period entitlements of one tier.
type Limits struct {
	PromptsPerDay   int `json:"prompts_per_day"`
	PlaysPerDay     int `json:"plays_per_day"`
	GamesPerMonth   int `json:"games_per_month"`
	PremiumPerMonth int `json:"premium_per_month"`
}

var tierLimits = map[models.Tier]Limits{
	models.TierFree:    {PromptsPerDay: 20, PlaysPerDay: 100, GamesPerMonth: 3, PremiumPerMonth: 0},
	models.TierCreator: {PromptsPerDay: 100, PlaysPerDay: 500, GamesPerMonth: 20, PremiumPerMonth: 25},
	models.TierPro:     {PromptsPerDay: 500, PlaysPerDay: Unlimited, GamesPerMonth: 100, PremiumPerMonth: 200},
}

// ResolveTier maps unknown or missing tiers to free, the most restrictive
// profile.
func ResolveTier(t models.Tier) models.Tier {
	if _, ok := tierLimits[t]; ok {
		return t
	}
	return models.TierFree
}

func LimitsFor(t models.Tier) Limits {
	return tierLimits[ResolveTier(t)]
}

// ValidTier reports whether t names a configured tier.
func ValidTier(t models.Tier) bool {
	_, ok := tierLimits[t]
	return ok
}

func (l Limits) For(r Resource) int {
	switch r {
	case ResourcePrompt:
		return l.PromptsPerDay
	case ResourcePlay:
		return l.PlaysPerDay
	case ResourceGame:
		return l.GamesPerMonth
	default:
		return l.PremiumPerMonth
	}
}

func used(u models.UsageCounters, r Resource) int {
	switch r {
	case ResourcePrompt:
		return u.PromptsToday
	case ResourcePlay:
		return u.PlaysToday
	case ResourceGame:
		return u.GamesThisMonth
	default:
		return u.PremiumFeatureUseThisMonth
	}
}

func increment(u *models.UsageCounters, r Resource) {
	switch r {
	case ResourcePrompt:
		u.PromptsToday++
	case ResourcePlay:
		u.PlaysToday++
	case ResourceGame:
		u.GamesThisMonth++
	default:
		u.PremiumFeatureUseThisMonth++
	}
}

// nextTier returns the cheapest tier with a larger ceiling for r.
func nextTier(t models.Tier, r Resource) (models.Tier, bool) {
	current := LimitsFor(t).For(r)
	for _, candidate := range []models.Tier{models.TierCreator, models.TierPro} {
		limit := tierLimits[candidate].For(r)
		if limit == Unlimited || limit > current {
			if candidate != ResolveTier(t) {
				return candidate, true
			}
		}
	}
	return "", false
}

func title(t models.Tier) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func denialMessage(t models.Tier, r Resource, limit int) string {
	period := "today"
	if r.monthly() {
		period = "this month"
	}

	var msg string
	if limit == 0 {
		msg = fmt.Sprintf("Your %s plan does not include %s.", title(ResolveTier(t)), r.noun())
	} else {
		msg = fmt.Sprintf("You have used all %d %s %s.", limit, r.noun(), period)
	}
	if next, ok := nextTier(t, r); ok {
		msg += fmt.Sprintf(" Upgrade to %s for more.", title(next))
	}
	return msg
}
