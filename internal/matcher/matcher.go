// Package matcher selects the automation rule that answers an inbound event.
package matcher

import (
	"sort"
	"strings"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// Result is a successful match. Keyword is the trigger that fired; it is empty for
// unconditional matches such as welcome flows.
type Result struct {
	Rule    models.AutomationRule
	Keyword string
}

// Match returns the rule that answers the event, or nil when none does.
//
// Only active rules of the kinds the event maps to are considered. Kinds are
// evaluated in the order given by the event kind and, within a kind, rules are
// tried by ascending priority. The first rule with any matching trigger wins.
func Match(event models.InboundEvent, rules []models.AutomationRule) *Result {
	for _, kind := range event.Kind.RuleKinds() {
		candidates := activeOfKind(rules, kind)
		for _, rule := range candidates {
			if unconditional(event, rule) {
				return &Result{Rule: rule}
			}
			if !event.HasText() {
				continue
			}
			if kw, ok := MatchText(rule, event.TextValue()); ok {
				return &Result{Rule: rule, Keyword: kw}
			}
		}
	}
	return nil
}

// activeOfKind returns a priority-sorted copy of the active rules of kind.
func activeOfKind(rules []models.AutomationRule, kind models.AutomationKind) []models.AutomationRule {
	out := make([]models.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// unconditional reports whether the rule fires on the event kind alone.
// Welcome flows never test keywords; story mentions without a caption match
// every active story_mention rule.
func unconditional(event models.InboundEvent, rule models.AutomationRule) bool {
	switch rule.Kind {
	case models.KindWelcomeFlow:
		return true
	case models.KindStoryMention:
		return !event.HasText() || strings.TrimSpace(event.TextValue()) == "" || len(rule.Triggers) == 0
	default:
		return false
	}
}

// MatchText tests the rule's triggers against text and returns the first trigger
// that matches.
func MatchText(rule models.AutomationRule, text string) (string, bool) {
	subject := text
	if rule.MatchType == models.MatchExact {
		subject = strings.TrimSpace(subject)
	}
	if !rule.CaseSensitive {
		subject = strings.ToLower(subject)
	}

	for _, trigger := range rule.Triggers {
		kw := strings.TrimSpace(trigger)
		if kw == "" {
			continue
		}
		if !rule.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		switch rule.MatchType {
		case models.MatchExact:
			if subject == kw {
				return trigger, true
			}
		default:
			if strings.Contains(subject, kw) {
				return trigger, true
			}
		}
	}
	return "", false
}
