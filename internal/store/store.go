// Package store provides storage backends for InstaPipe.
//
// Rules, rate-limit policies, Instagram connections, dispatch records, the audit log
// and the rate ledger live next to the durable job queue, the outbox and the inbound
// dedup table in one SQL database (SQLite or PostgreSQL).
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// RuleRepo persists automation rules. All user-facing calls are scoped by userID.
type RuleRepo interface {
	// CreateRule inserts a rule. A zero priority appends the rule after the
	// current lowest-precedence rule of its kind.
	CreateRule(ctx context.Context, rule *models.AutomationRule) error

	// GetRule returns the user's rule or models.ErrRuleNotFound.
	GetRule(ctx context.Context, userID, ruleID string) (*models.AutomationRule, error)

	// FindRule returns a rule by ID regardless of owner, or nil when it does not exist.
	FindRule(ctx context.Context, ruleID string) (*models.AutomationRule, error)

	// ListRules returns the user's rules of one kind ordered by ascending priority.
	ListRules(ctx context.Context, userID string, kind models.AutomationKind) ([]models.AutomationRule, error)

	// ListActiveRulesByKind returns every active rule of a kind across users.
	ListActiveRulesByKind(ctx context.Context, kind models.AutomationKind) ([]models.AutomationRule, error)

	// UpdateRule overwrites a rule's editable fields. The kind never changes.
	UpdateRule(ctx context.Context, rule *models.AutomationRule) error

	// DeleteRule removes a rule.
	DeleteRule(ctx context.Context, userID, ruleID string) error

	// ToggleRule flips isActive and returns the updated rule.
	ToggleRule(ctx context.Context, userID, ruleID string) (*models.AutomationRule, error)

	// ReorderRules reassigns priorities 1..n following orderedIDs in one transaction.
	// orderedIDs must contain exactly the user's rules of that kind.
	ReorderRules(ctx context.Context, userID string, kind models.AutomationKind, orderedIDs []string) error

	// ReplaceRuleSet atomically replaces all of the user's rules of a kind. Priorities
	// follow slice order. IDs of rules that already belong to the set are kept.
	// A non-nil policy is saved for (userID, kind) in the same transaction.
	ReplaceRuleSet(ctx context.Context, userID string, kind models.AutomationKind, rules []models.AutomationRule, policy *models.RateLimitPolicy) ([]models.AutomationRule, error)
}

// PolicyRepo persists per-(user, kind) rate-limit policies.
type PolicyRepo interface {
	// GetPolicy returns the stored policy or nil when the user never saved one.
	GetPolicy(ctx context.Context, userID string, kind models.AutomationKind) (*models.RateLimitPolicy, error)
	SavePolicy(ctx context.Context, userID string, kind models.AutomationKind, policy models.RateLimitPolicy) error
}

// ConnectionRepo persists Instagram account links.
type ConnectionRepo interface {
	// GetConnection returns the user's connection or nil.
	GetConnection(ctx context.Context, userID string) (*models.InstagramConnection, error)
	// GetConnectionByIGUserID resolves the owner of an Instagram account or returns nil.
	GetConnectionByIGUserID(ctx context.Context, igUserID string) (*models.InstagramConnection, error)
	SaveConnection(ctx context.Context, conn *models.InstagramConnection) error
	ListConnections(ctx context.Context) ([]models.InstagramConnection, error)
}

// DispatchRepo persists dispatch records. (eventID, ruleID) is unique.
type DispatchRepo interface {
	// CreateDispatch inserts rec and reports whether it was new. When a record for the
	// same event and rule already exists, rec is overwritten with the stored one.
	CreateDispatch(ctx context.Context, rec *models.DispatchRecord) (bool, error)

	// GetDispatch returns a record or nil.
	GetDispatch(ctx context.Context, id string) (*models.DispatchRecord, error)

	// ClaimDispatch marks a pending, unclaimed record as claimed. It returns false
	// when another worker claimed it first or the record is terminal.
	ClaimDispatch(ctx context.Context, id string, now time.Time) (bool, error)

	// FinishDispatch moves a pending record to a terminal status. It returns false
	// when the record was already terminal.
	FinishDispatch(ctx context.Context, id string, outcome DispatchOutcome) (bool, error)

	// FailStaleDispatches fails records that were claimed before claimedBefore but
	// never finished. A send may have happened, so they are not retried.
	FailStaleDispatches(ctx context.Context, claimedBefore time.Time, reason string) (int, error)

	// CancelPendingDispatches skips the rule's pending records that no worker has
	// claimed yet and returns them.
	CancelPendingDispatches(ctx context.Context, ruleID, reason string) ([]models.DispatchRecord, error)

	// ListDispatches returns the user's most recent records first.
	ListDispatches(ctx context.Context, userID string, filter models.DispatchFilter) ([]models.DispatchRecord, error)
}

// DispatchOutcome carries the terminal fields written by FinishDispatch.
type DispatchOutcome struct {
	Status          models.DispatchStatus
	RenderedMessage string
	DenyReason      string
	Error           string
	ExecutedAt      *time.Time
}

// AuditRepo persists audit entries and answers aggregate queries.
type AuditRepo interface {
	RecordAudit(ctx context.Context, entry models.AuditEntry) error
	// CountOutcomes groups the user's audit entries since the given time by
	// kind, rule, UTC day and outcome.
	CountOutcomes(ctx context.Context, userID string, since time.Time) ([]OutcomeRow, error)
}

// OutcomeRow is one aggregated audit bucket.
type OutcomeRow struct {
	Kind    models.AutomationKind
	RuleID  string
	Day     string
	Outcome models.AuditOutcome
	Count   int
}

// RateLedger records admitted actions and decides reservations atomically per key.
type RateLedger interface {
	ReserveAction(ctx context.Context, key string, now time.Time, policy models.RateLimitPolicy) (models.RateDecision, error)
}

// PersistenceProvider exposes the durable queue repositories of a store.
type PersistenceProvider interface {
	JobRepo() JobRepo
	OutboxRepo() OutboxRepo
	DedupRepo() DedupRepo
}

// Store is the full persistence surface used by the service.
type Store interface {
	RuleRepo
	PolicyRepo
	ConnectionRepo
	DispatchRepo
	AuditRepo
	RateLedger
	JobRepo
	OutboxRepo
	DedupRepo
	PersistenceProvider
	Close() error
}

// Opts holds configuration for the SQL stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open selects the backend from the DSN and opens it.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
