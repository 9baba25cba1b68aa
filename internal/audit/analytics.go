package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// Analytics window bounds, in days.
const (
	DefaultWindowDays = 30
	MaxWindowDays     = 365
)

// RuleNamer looks up rule labels for performance rows.
type RuleNamer interface {
	FindRule(ctx context.Context, ruleID string) (*models.AutomationRule, error)
}

// Analytics projects the audit log into dashboard views.
type Analytics struct {
	repo  store.AuditRepo
	rules RuleNamer
	now   func() time.Time
}

// NewAnalytics creates an Analytics. rules may be nil.
func NewAnalytics(repo store.AuditRepo, rules RuleNamer) *Analytics {
	return &Analytics{repo: repo, rules: rules, now: time.Now}
}

// WindowStart returns the start of a window of days UTC days ending today.
func WindowStart(now time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultWindowDays
	}
	if days > MaxWindowDays {
		days = MaxWindowDays
	}
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
}

// Overview totals outcomes over the window.
func (a *Analytics) Overview(ctx context.Context, userID string, days int) (*models.AnalyticsOverview, error) {
	since := WindowStart(a.now(), days)
	rows, err := a.repo.CountOutcomes(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}

	out := &models.AnalyticsOverview{
		Since:  since,
		Totals: models.OutcomeCounts{},
		ByKind: map[models.AutomationKind]models.OutcomeCounts{},
	}
	for _, row := range rows {
		out.Totals[row.Outcome] += row.Count
		if row.Kind == "" {
			continue
		}
		counts, ok := out.ByKind[row.Kind]
		if !ok {
			counts = models.OutcomeCounts{}
			out.ByKind[row.Kind] = counts
		}
		counts[row.Outcome] += row.Count
	}
	out.SuccessRate = SuccessRate(out.Totals)
	return out, nil
}

// Performance breaks outcomes down per rule and per day.
func (a *Analytics) Performance(ctx context.Context, userID string, days int) (*models.AnalyticsPerformance, error) {
	since := WindowStart(a.now(), days)
	rows, err := a.repo.CountOutcomes(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}

	byRule := map[string]*models.RulePerformance{}
	byDay := map[string]models.OutcomeCounts{}
	for _, row := range rows {
		if row.RuleID != "" {
			rp, ok := byRule[row.RuleID]
			if !ok {
				rp = &models.RulePerformance{RuleID: row.RuleID, Kind: row.Kind, Counts: models.OutcomeCounts{}}
				byRule[row.RuleID] = rp
			}
			rp.Counts[row.Outcome] += row.Count
		}
		counts, ok := byDay[row.Day]
		if !ok {
			counts = models.OutcomeCounts{}
			byDay[row.Day] = counts
		}
		counts[row.Outcome] += row.Count
	}

	out := &models.AnalyticsPerformance{Since: since, Rules: []models.RulePerformance{}, Daily: []models.DailyPoint{}}
	for _, rp := range byRule {
		if a.rules != nil {
			if rule, err := a.rules.FindRule(ctx, rp.RuleID); err == nil && rule != nil {
				rp.Name = rule.Name
			}
		}
		out.Rules = append(out.Rules, *rp)
	}
	sort.Slice(out.Rules, func(i, j int) bool {
		ti, tj := out.Rules[i].Counts[models.OutcomeTriggered], out.Rules[j].Counts[models.OutcomeTriggered]
		if ti != tj {
			return ti > tj
		}
		return out.Rules[i].RuleID < out.Rules[j].RuleID
	})

	// Every day of the window gets a point, including quiet ones.
	for d := since; !d.After(a.now().UTC()); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		counts := byDay[key]
		if counts == nil {
			counts = models.OutcomeCounts{}
		}
		out.Daily = append(out.Daily, models.DailyPoint{Date: key, Counts: counts})
	}
	return out, nil
}

// SuccessRate is sent / (sent + failed), or 0 when nothing was attempted.
func SuccessRate(c models.OutcomeCounts) float64 {
	attempted := c[models.OutcomeSent] + c[models.OutcomeFailed]
	if attempted == 0 {
		return 0
	}
	return float64(c[models.OutcomeSent]) / float64(attempted)
}
