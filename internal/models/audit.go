package models

import "time"

// AuditOutcome is a single observable result recorded by the audit sink.
type AuditOutcome string

const (
	OutcomeTriggered   AuditOutcome = "triggered"
	OutcomeUnmatched   AuditOutcome = "unmatched"
	OutcomeSent        AuditOutcome = "sent"
	OutcomeFailed      AuditOutcome = "failed"
	OutcomeRateLimited AuditOutcome = "rate_limited"
	OutcomeSkipped     AuditOutcome = "skipped"
)

// OutcomeForStatus maps a terminal dispatch status onto its audit outcome.
func OutcomeForStatus(s DispatchStatus) AuditOutcome {
	switch s {
	case DispatchSent:
		return OutcomeSent
	case DispatchFailed:
		return OutcomeFailed
	case DispatchRateLimited:
		return OutcomeRateLimited
	case DispatchSkipped:
		return OutcomeSkipped
	default:
		return OutcomeTriggered
	}
}

// AuditEntry is one row in the audit log.
type AuditEntry struct {
	UserID  string         `json:"userId"`
	Kind    AutomationKind `json:"kind,omitempty"`
	RuleID  string         `json:"ruleId,omitempty"`
	EventID string         `json:"eventId,omitempty"`
	Outcome AuditOutcome   `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
}

// OutcomeCounts maps outcomes to their number of occurrences.
type OutcomeCounts map[AuditOutcome]int

// AnalyticsOverview is the payload of GET /analytics/overview.
type AnalyticsOverview struct {
	Since       time.Time                        `json:"since"`
	Totals      OutcomeCounts                    `json:"totals"`
	SuccessRate float64                          `json:"successRate"`
	ByKind      map[AutomationKind]OutcomeCounts `json:"byKind"`
}

// RulePerformance aggregates outcomes for one rule.
type RulePerformance struct {
	RuleID string         `json:"ruleId"`
	Kind   AutomationKind `json:"kind"`
	Name   string         `json:"name,omitempty"`
	Counts OutcomeCounts  `json:"counts"`
}

// DailyPoint aggregates outcomes for one UTC day (YYYY-MM-DD).
type DailyPoint struct {
	Date   string        `json:"date"`
	Counts OutcomeCounts `json:"counts"`
}

// AnalyticsPerformance is the payload of GET /analytics/performance.
type AnalyticsPerformance struct {
	Since time.Time         `json:"since"`
	Rules []RulePerformance `json:"rules"`
	Daily []DailyPoint      `json:"daily"`
}
