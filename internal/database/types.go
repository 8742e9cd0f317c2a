package database

import (
	"time"

	"github.com/lib/pq"
)

// Entity type a compliance list is keyed by.
const (
	EntityCountry      = "COUNTRY"
	EntityAccount      = "ACCOUNT"
	EntityCounterparty = "COUNTERPARTY"
)

// Compliance list polarity.
const (
	ListBlacklist = "BLACKLIST"
	ListWhitelist = "WHITELIST"
)

// Alert lifecycle states. RESOLVED and DISMISSED are terminal.
const (
	AlertOpen         = "OPEN"
	AlertAcknowledged = "ACKNOWLEDGED"
	AlertResolved     = "RESOLVED"
	AlertDismissed    = "DISMISSED"
)

// RuleTemplate is the identity of a rule within an organization. A
// baseline template (system, no parent) must exist before non-system
// templates may be created.
type RuleTemplate struct {
	ID               string     `db:"id" json:"id"`
	OrganizationID   string     `db:"organization_id" json:"organization_id"`
	Code             string     `db:"code" json:"code"`
	Name             string     `db:"name" json:"name"`
	Category         string     `db:"category" json:"category"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	IsSystem         bool       `db:"is_system" json:"is_system"`
	ParentTemplateID *string    `db:"parent_template_id" json:"parent_template_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// RuleVersion is an immutable snapshot of an evaluable rule. After
// creation the only mutable column is deactivated_at.
type RuleVersion struct {
	ID             string     `db:"id" json:"id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	RuleTemplateID string     `db:"rule_template_id" json:"rule_template_id"`
	VersionNumber  int        `db:"version_number" json:"version_number"`
	Conditions     JSONRaw    `db:"conditions" json:"conditions"`
	Actions        JSONRaw    `db:"actions" json:"actions"`
	Window         JSONRaw    `db:"window" json:"window,omitempty"`
	Priority       int        `db:"priority" json:"priority"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	ActivatedAt    time.Time  `db:"activated_at" json:"activated_at"`
	DeactivatedAt  *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Transaction is a persisted financial event. The core creates it at
// ingestion and never updates it.
type Transaction struct {
	ID                 string     `db:"id" json:"id"`
	OrganizationID     string     `db:"organization_id" json:"organization_id"`
	AccountID          string     `db:"account_id" json:"account_id"`
	Type               string     `db:"type" json:"type"`
	SubType            *string    `db:"sub_type" json:"sub_type,omitempty"`
	Amount             float64    `db:"amount" json:"amount"`
	Currency           string     `db:"currency" json:"currency"`
	AmountNormalized   *float64   `db:"amount_normalized" json:"amount_normalized,omitempty"`
	CurrencyNormalized *string    `db:"currency_normalized" json:"currency_normalized,omitempty"`
	Datetime           time.Time  `db:"datetime" json:"datetime"`
	Country            *string    `db:"country" json:"country,omitempty"`
	CounterpartyID     *string    `db:"counterparty_id" json:"counterparty_id,omitempty"`
	Channel            *string    `db:"channel" json:"channel,omitempty"`
	Quantity           *float64   `db:"quantity" json:"quantity,omitempty"`
	Asset              *string    `db:"asset" json:"asset,omitempty"`
	Price              *float64   `db:"price" json:"price,omitempty"`
	Origin             *string    `db:"origin" json:"origin,omitempty"`
	ExternalCode       *string    `db:"external_code" json:"external_code,omitempty"`
	IsVoided           bool       `db:"is_voided" json:"is_voided"`
	IsBlocked          bool       `db:"is_blocked" json:"is_blocked"`
	Data               JSONB      `db:"data" json:"data,omitempty"`
	Metadata           JSONB      `db:"metadata" json:"metadata,omitempty"`
	DeviceInfo         JSONB      `db:"device_info" json:"device_info,omitempty"`
	CreatedBy          *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	DeletedAt          *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// EvaluationResult is the immutable audit of one evaluation.
type EvaluationResult struct {
	ID                   string    `db:"id" json:"id"`
	OrganizationID       string    `db:"organization_id" json:"organization_id"`
	TransactionID        string    `db:"transaction_id" json:"transaction_id"`
	AccountID            string    `db:"account_id" json:"account_id"`
	Decision             string    `db:"decision" json:"decision"`
	TriggeredRules       JSONRaw   `db:"triggered_rules" json:"triggered_rules"`
	AllRuleResults       JSONRaw   `db:"all_rule_results" json:"all_rule_results"`
	Actions              JSONRaw   `db:"actions" json:"actions"`
	EvaluatedAt          time.Time `db:"evaluated_at" json:"evaluated_at"`
	EvaluationDurationMS int64     `db:"evaluation_duration_ms" json:"evaluation_duration_ms"`
}

// Alert is a consolidated compliance signal. At most one non-terminal
// alert exists per (organization, dedup_key), enforced by a partial unique
// index.
type Alert struct {
	ID                 string     `db:"id" json:"id"`
	OrganizationID     string     `db:"organization_id" json:"organization_id"`
	EvaluationResultID string     `db:"evaluation_result_id" json:"evaluation_result_id"`
	RuleVersionID      string     `db:"rule_version_id" json:"rule_version_id"`
	TransactionID      string     `db:"transaction_id" json:"transaction_id"`
	AccountID          string     `db:"account_id" json:"account_id"`
	DedupKey           string     `db:"dedup_key" json:"dedup_key"`
	Severity           string     `db:"severity" json:"severity"`
	Category           string     `db:"category" json:"category"`
	Status             string     `db:"status" json:"status"`
	Message            *string    `db:"message" json:"message,omitempty"`
	Metadata           JSONB      `db:"metadata" json:"metadata"`
	SuppressedCount    int        `db:"suppressed_count" json:"suppressed_count"`
	ResolvedAt         *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy         *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// ComplianceList is a per-organization blacklist or whitelist keyed by an
// entity type.
type ComplianceList struct {
	ID             string     `db:"id" json:"id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	Code           string     `db:"code" json:"code"`
	Name           string     `db:"name" json:"name"`
	EntityType     string     `db:"entity_type" json:"entity_type"`
	ListType       string     `db:"list_type" json:"list_type"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ListEntry is one value on a compliance list, unique within the list.
type ListEntry struct {
	ID        string    `db:"id" json:"id"`
	ListID    string    `db:"list_id" json:"list_id"`
	Value     string    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WindowAggregatesRow is the shape of the sliding-window aggregation
// query. Sum, Avg, Max and Min are NULL over an empty window.
type WindowAggregatesRow struct {
	Count int      `db:"count"`
	Sum   *float64 `db:"sum"`
	Avg   *float64 `db:"avg"`
	Max   *float64 `db:"max"`
	Min   *float64 `db:"min"`
}

// TypeCountRow is one row of the per-type count query.
type TypeCountRow struct {
	Type  string `db:"type"`
	Count int    `db:"count"`
}

// BehaviorAggregatesRow is the shape of the behavioral baseline query.
type BehaviorAggregatesRow struct {
	HistoryCount int            `db:"history_count"`
	AvgAmount    *float64       `db:"avg_amount"`
	StdAmount    *float64       `db:"std_amount"`
	Countries    pq.StringArray `db:"countries"`
	Channels     pq.StringArray `db:"channels"`
}
