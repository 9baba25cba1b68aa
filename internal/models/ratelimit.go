package models

// Reasons reported by a denied reservation.
const (
	DenyHourlyLimit = "hourly_limit"
	DenyDailyLimit  = "daily_limit"
	DenyMinDelay    = "min_delay"
)

// RateDecision is the result of a rate-limit reservation.
type RateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an admitting decision.
func Allow() RateDecision { return RateDecision{Allowed: true} }

// Deny returns a refusing decision with the given reason.
func Deny(reason string) RateDecision { return RateDecision{Reason: reason} }

// Default limits applied when neither a rule nor the user's kind policy sets any.
const (
	DefaultMaxActionsPerHour = 60
	DefaultMaxActionsPerDay  = 500
)

// DefaultRateLimitPolicy returns the built-in fallback policy.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{MaxActionsPerHour: DefaultMaxActionsPerHour, MaxActionsPerDay: DefaultMaxActionsPerDay}
}
