package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keygate/internal/model"
	"keygate/internal/monitoring"
	"keygate/internal/notify"
	"keygate/internal/store"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"
)

// KeyController is the slice of the pool manager the engine mutates keys
// through.
type KeyController interface {
	Disable(ctx context.Context, keyID int64, autoEnableAt *time.Time) error
	Ban(ctx context.Context, keyID int64) error
	Snapshot(keyID int64) (*model.APIKey, bool)
}

// triggerKey identifies one (rule, key) trigger window.
type triggerKey struct {
	RuleID int64
	KeyID  int64
}

// triggerState is the sliding-window match history for one (rule, key) pair.
// Mutation is serialized per pair; pairs are independent.
type triggerState struct {
	mu         sync.Mutex
	matches    []time.Time
	lastAction time.Time
}

// Engine evaluates rules against completed exchanges.
type Engine struct {
	st       store.Store
	keys     KeyController
	notifier notify.Notifier
	triggers *xsync.Map[triggerKey, *triggerState]

	now func() time.Time
}

// NewEngine creates a rule engine.
func NewEngine(st store.Store, keys KeyController, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Engine{
		st:       st,
		keys:     keys,
		notifier: notifier,
		triggers: xsync.NewMap[triggerKey, *triggerState](),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate runs every enabled rule of the upstream against the exchange and
// returns the ids of rules whose actions fired. Rules evaluate in ascending
// priority and never short-circuit each other; a malformed rule is skipped
// with a warning.
func (e *Engine) Evaluate(ctx context.Context, upstreamID, keyID int64, ex *Exchange) []int64 {
	ruleList, err := e.st.ListRules(ctx, upstreamID)
	if err != nil {
		log.WithError(err).Warnf("rule evaluation skipped for upstream %d: cannot list rules", upstreamID)
		return nil
	}

	var fired []int64
	for _, rule := range ruleList {
		if !rule.Enabled {
			continue
		}
		cond, err := ParseCondition(rule.Conditions)
		if err != nil {
			log.WithError(err).Warnf("rule %d (%s) skipped", rule.ID, rule.Name)
			continue
		}
		if !cond.Match(ex) {
			continue
		}
		if !e.recordMatch(rule, keyID) {
			continue
		}
		e.executeActions(ctx, rule, upstreamID, keyID, ex)
		fired = append(fired, rule.ID)
	}
	return fired
}

// recordMatch appends a match to the (rule, key) window and decides whether
// the rule's actions should fire now.
func (e *Engine) recordMatch(rule *model.Rule, keyID int64) bool {
	st, _ := e.triggers.LoadOrStore(triggerKey{RuleID: rule.ID, KeyID: keyID}, &triggerState{})
	now := e.now()

	window := time.Duration(rule.TimeWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	threshold := rule.TriggerThreshold
	if threshold < 1 {
		threshold = 1
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.matches = append(st.matches, now)
	cutoff := now.Add(-window)
	kept := st.matches[:0]
	for _, t := range st.matches {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	st.matches = kept

	if len(st.matches) < threshold {
		return false
	}
	if cooldown := time.Duration(rule.CooldownSeconds) * time.Second; cooldown > 0 {
		if !st.lastAction.IsZero() && now.Sub(st.lastAction) < cooldown {
			return false
		}
	}
	st.lastAction = now
	return true
}

// executeActions applies the rule's actions to the key. A ban from any rule
// is terminal; the pool refuses to downgrade a banned key to disabled.
func (e *Engine) executeActions(ctx context.Context, rule *model.Rule, upstreamID, keyID int64, ex *Exchange) {
	now := e.now()
	monitoring.RuleFiresTotal.WithLabelValues(rule.Name).Inc()

	if rule.HasAction(model.ActionBanKey) {
		if err := e.keys.Ban(ctx, keyID); err != nil {
			log.WithError(err).Warnf("rule %d: ban of key %d failed", rule.ID, keyID)
		} else {
			log.Warnf("Rule %d (%s) banned key %d", rule.ID, rule.Name, keyID)
		}
	} else if rule.HasAction(model.ActionDisableKey) {
		autoEnableAt := e.autoEnableAt(rule, keyID, now)
		if err := e.keys.Disable(ctx, keyID, autoEnableAt); err != nil {
			log.WithError(err).Warnf("rule %d: disable of key %d failed", rule.ID, keyID)
		} else {
			log.Warnf("Rule %d (%s) disabled key %d", rule.ID, rule.Name, keyID)
		}
	}

	if rule.HasAction(model.ActionAlert) {
		e.notifier.Notify(ctx, notify.Alert{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			UpstreamID: upstreamID,
			KeyID:      keyID,
			StatusCode: ex.StatusCode,
			Message:    fmt.Sprintf("rule %q fired against key %d (status %d)", rule.Name, keyID, ex.StatusCode),
			At:         now,
		})
	}
	if rule.HasAction(model.ActionLog) {
		log.WithFields(log.Fields{
			"rule_id":     rule.ID,
			"upstream_id": upstreamID,
			"key_id":      keyID,
			"status_code": ex.StatusCode,
			"latency_ms":  ex.LatencyMS,
		}).Infof("rule %q matched", rule.Name)
	}
}

// autoEnableAt resolves the re-enable schedule for a disable action. The
// rule's delay wins; the key's own delay is the fallback; no delay means the
// key stays disabled until an operator intervenes.
func (e *Engine) autoEnableAt(rule *model.Rule, keyID int64, now time.Time) *time.Time {
	delayHours := rule.AutoEnableDelayHours
	if delayHours <= 0 {
		if k, ok := e.keys.Snapshot(keyID); ok {
			delayHours = k.AutoEnableDelayHours
		}
	}
	if delayHours <= 0 {
		return nil
	}
	at := now.Add(time.Duration(delayHours) * time.Hour)
	return &at
}

// PruneTriggers drops trigger states whose window has emptied and whose
// cooldown anchor is stale. Runs on a scheduler tick.
func (e *Engine) PruneTriggers(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	pruned := 0
	e.triggers.Range(func(k triggerKey, st *triggerState) bool {
		st.mu.Lock()
		empty := true
		for _, t := range st.matches {
			if now.Sub(t) < maxIdle {
				empty = false
				break
			}
		}
		stale := st.lastAction.IsZero() || now.Sub(st.lastAction) > maxIdle
		st.mu.Unlock()

		if empty && stale {
			e.triggers.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}
