// Package model defines the configuration entities the gateway core
// operates on. Entities are loaded from the store as read-mostly
// snapshots; the only runtime-mutable fields are an APIKey's health and
// quota counters, and those are owned by the pool manager.
package model

import (
	"encoding/json"
	"time"
)

// KeyStatus is the health state of an API key.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
	KeyStatusBanned   KeyStatus = "banned"
)

// KeyPlacement says where the key secret is injected into the outbound request.
type KeyPlacement string

const (
	PlacementHeader KeyPlacement = "header"
	PlacementQuery  KeyPlacement = "query"
	PlacementBody   KeyPlacement = "body"
)

// ValueType distinguishes static header values from scripted ones.
type ValueType string

const (
	ValueStatic     ValueType = "static"
	ValueJavaScript ValueType = "javascript"
	ValuePython     ValueType = "python"
)

// FallbackStrategy is applied when a scripted header value cannot be computed.
type FallbackStrategy string

const (
	FallbackUseValue    FallbackStrategy = "use_fallback_value"
	FallbackSkipHeader  FallbackStrategy = "skip_header"
	FallbackFailRequest FallbackStrategy = "fail_request"
)

// RuleAction is one of the side effects a fired rule executes.
type RuleAction string

const (
	ActionDisableKey RuleAction = "disable_key"
	ActionBanKey     RuleAction = "ban_key"
	ActionAlert      RuleAction = "alert"
	ActionLog        RuleAction = "log"
)

// Upstream is one configured backend API.
type Upstream struct {
	ID          int64
	Name        string
	BaseURL     string
	Description string

	TimeoutSeconds     int
	RetryCount         int
	ConnectionPoolSize int

	LogRequestBody  bool
	LogResponseBody bool

	Enabled bool
}

// Timeout returns the outbound call timeout with a sane floor.
func (u *Upstream) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// APIKey is one credential in an upstream's rotation pool.
type APIKey struct {
	ID         int64
	UpstreamID int64
	Name       string
	Secret     string

	Placement   KeyPlacement
	ParamName   string
	ValuePrefix string

	Status KeyStatus

	EnableQuota  bool
	QuotaTotal   int64
	QuotaUsed    int64
	QuotaResetAt *time.Time

	AutoDisableOnFailure bool
	AutoEnableDelayHours int
	AutoEnableAt         *time.Time

	LastUsedAt *time.Time
}

// QuotaExhausted reports whether the key has consumed its quota.
func (k *APIKey) QuotaExhausted() bool {
	return k.EnableQuota && k.QuotaTotal > 0 && k.QuotaUsed >= k.QuotaTotal
}

// InjectedValue is the full value placed into the outbound request.
func (k *APIKey) InjectedValue() string {
	return k.ValuePrefix + k.Secret
}

// Clone returns a deep copy safe to hand to callers.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.QuotaResetAt = cloneTime(k.QuotaResetAt)
	c.AutoEnableAt = cloneTime(k.AutoEnableAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// HeaderConfig computes one outbound header, statically or via script.
type HeaderConfig struct {
	ID         int64
	UpstreamID int64

	HeaderName string
	ValueType  ValueType

	StaticValue   string
	ScriptContent string

	Priority  int
	TimeoutMS int

	FallbackStrategy FallbackStrategy
	FallbackValue    string

	Enabled bool
}

// ScriptTimeout returns the per-config sandbox budget.
func (h *HeaderConfig) ScriptTimeout() time.Duration {
	if h.TimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Rule is a condition -> action policy evaluated against proxied exchanges.
// Conditions is raw JSON; the rule engine decodes it into a typed tree and
// rejects unknown kinds at evaluation time.
type Rule struct {
	ID         int64
	UpstreamID int64
	Name       string

	Conditions json.RawMessage
	Actions    []RuleAction

	TriggerThreshold  int
	TimeWindowSeconds int
	CooldownSeconds   int

	AutoEnableDelayHours int

	Priority int
	Enabled  bool
}

// HasAction reports whether the rule carries the given action.
func (r *Rule) HasAction(a RuleAction) bool {
	for _, act := range r.Actions {
		if act == a {
			return true
		}
	}
	return false
}

// RequestLog is one record per proxied attempt. Records are written once and
// never mutated.
type RequestLog struct {
	ID         string
	UpstreamID int64
	APIKeyID   int64

	Method string
	Path   string

	RequestHeaders  map[string]string
	RequestBody     string
	StatusCode      int
	ResponseHeaders map[string]string
	ResponseBody    string

	LatencyMS int64
	ClientIP  string

	ErrorMessage   string
	TriggeredRules []int64

	CreatedAt time.Time
}
