// Package pool owns the runtime health and quota state of every API key.
// All status transitions and quota mutations flow through the Manager; the
// rest of the pipeline sees keys only as detached clones.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"keygate/internal/model"
	"keygate/internal/monitoring"
	"keygate/internal/store"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"
)

// ErrNoKeyAvailable is returned by Acquire when no active key with remaining
// quota exists for the upstream. Callers surface a gateway error; they must
// not retry the acquisition.
var ErrNoKeyAvailable = errors.New("no api key available")

// OutcomeKind classifies how a proxied attempt ended.
type OutcomeKind int

const (
	// OutcomeSuccess means the upstream answered and no transport fault occurred.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeUpstreamError means a response was received with an error status.
	// Health consequences for these belong to the rule engine, not the pool.
	OutcomeUpstreamError
	// OutcomeTransportError means the call never produced a response
	// (connection failure, timeout) after exhausting retries.
	OutcomeTransportError
	// OutcomeAborted means the request was aborted before it was sent
	// (header resolution failure). Quota already consumed is not refunded.
	OutcomeAborted
)

// Outcome is the result handed to Release.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
}

// keyState is the single runtime owner of one key's mutable fields.
// The mutex serializes quota and status mutation per key; there is no
// pool-wide lock on the acquire path.
type keyState struct {
	mu  sync.Mutex
	key *model.APIKey
}

// upstreamIndex tracks which key ids belong to an upstream.
type upstreamIndex struct {
	mu  sync.RWMutex
	ids []int64
}

// Manager is the credential pool manager.
type Manager struct {
	st        store.Store
	keys      *xsync.Map[int64, *keyState]
	upstreams *xsync.Map[int64, *upstreamIndex]

	now func() time.Time
}

// NewManager creates a pool manager over the given store.
func NewManager(st store.Store) *Manager {
	return &Manager{
		st:        st,
		keys:      xsync.NewMap[int64, *keyState](),
		upstreams: xsync.NewMap[int64, *upstreamIndex](),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SyncUpstream refreshes the pool's view of an upstream's keys from the
// store. Runtime state of keys already tracked is preserved; only
// configuration fields are updated.
func (m *Manager) SyncUpstream(ctx context.Context, upstreamID int64) error {
	keys, err := m.st.ListKeys(ctx, upstreamID)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
		if st, ok := m.keys.Load(k.ID); ok {
			st.mu.Lock()
			// Keep runtime counters authoritative in memory; refresh the
			// configuration the console may have edited.
			st.key.Name = k.Name
			st.key.Secret = k.Secret
			st.key.Placement = k.Placement
			st.key.ParamName = k.ParamName
			st.key.ValuePrefix = k.ValuePrefix
			st.key.EnableQuota = k.EnableQuota
			st.key.QuotaTotal = k.QuotaTotal
			st.key.AutoDisableOnFailure = k.AutoDisableOnFailure
			st.key.AutoEnableDelayHours = k.AutoEnableDelayHours
			st.mu.Unlock()
			continue
		}
		m.keys.Store(k.ID, &keyState{key: k.Clone()})
	}

	idx, _ := m.upstreams.LoadOrStore(upstreamID, &upstreamIndex{})
	idx.mu.Lock()
	removed := diffInt64(idx.ids, ids)
	idx.ids = ids
	idx.mu.Unlock()

	for _, id := range removed {
		m.keys.Delete(id)
	}
	log.Debugf("Pool synced upstream %d: %d key(s)", upstreamID, len(ids))
	return nil
}

// Acquire selects a usable key for the upstream, consumes one quota unit and
// stamps last_used_at. Selection prefers the least recently used key (never
// used first) so load spreads across the pool.
func (m *Manager) Acquire(ctx context.Context, upstreamID int64) (*model.APIKey, error) {
	idx, ok := m.upstreams.Load(upstreamID)
	if !ok {
		if err := m.SyncUpstream(ctx, upstreamID); err != nil {
			return nil, err
		}
		idx, ok = m.upstreams.Load(upstreamID)
		if !ok {
			return nil, ErrNoKeyAvailable
		}
	}

	idx.mu.RLock()
	ids := make([]int64, len(idx.ids))
	copy(ids, idx.ids)
	idx.mu.RUnlock()

	type candidate struct {
		state    *keyState
		id       int64
		lastUsed time.Time
	}

	// Snapshot pass without holding more than one key lock at a time.
	candidates := make([]candidate, 0, len(ids))
	for _, id := range ids {
		st, ok := m.keys.Load(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		usable := st.key.Status == model.KeyStatusActive && !st.key.QuotaExhausted()
		var lastUsed time.Time
		if st.key.LastUsedAt != nil {
			lastUsed = *st.key.LastUsedAt
		}
		st.mu.Unlock()
		if usable {
			candidates = append(candidates, candidate{state: st, id: id, lastUsed: lastUsed})
		}
	}
	if len(candidates) == 0 {
		monitoring.PoolAcquireTotal.WithLabelValues("exhausted").Inc()
		return nil, ErrNoKeyAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastUsed.Equal(candidates[j].lastUsed) {
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		}
		return candidates[i].id < candidates[j].id
	})

	now := m.now()
	// Commit pass: revalidate under the key lock so concurrent acquirers
	// can never push quota_used past quota_total.
	for _, c := range candidates {
		c.state.mu.Lock()
		k := c.state.key
		if k.Status != model.KeyStatusActive || k.QuotaExhausted() {
			c.state.mu.Unlock()
			continue
		}
		if k.EnableQuota {
			k.QuotaUsed++
		}
		used := now
		k.LastUsedAt = &used
		clone := k.Clone()
		c.state.mu.Unlock()

		if err := m.st.IncrementQuota(ctx, clone.ID, 1, now); err != nil {
			log.WithError(err).Warnf("failed to persist quota increment for key %d", clone.ID)
		}
		monitoring.PoolAcquireTotal.WithLabelValues("ok").Inc()
		return clone, nil
	}
	monitoring.PoolAcquireTotal.WithLabelValues("exhausted").Inc()
	return nil, ErrNoKeyAvailable
}

// Release records the outcome of a proxied attempt. Only transport failures
// mutate key health here; upstream error statuses are the rule engine's
// responsibility.
func (m *Manager) Release(ctx context.Context, keyID int64, outcome Outcome) {
	if outcome.Kind != OutcomeTransportError {
		return
	}
	st, ok := m.keys.Load(keyID)
	if !ok {
		return
	}

	st.mu.Lock()
	k := st.key
	if !k.AutoDisableOnFailure || k.Status != model.KeyStatusActive {
		st.mu.Unlock()
		return
	}
	k.Status = model.KeyStatusDisabled
	var autoEnableAt *time.Time
	if k.AutoEnableDelayHours > 0 {
		at := m.now().Add(time.Duration(k.AutoEnableDelayHours) * time.Hour)
		autoEnableAt = &at
	}
	k.AutoEnableAt = autoEnableAt
	st.mu.Unlock()

	log.Warnf("Key %d disabled after transport failure", keyID)
	monitoring.KeyStatusTransitions.WithLabelValues("disabled", "transport_error").Inc()
	if err := m.st.UpdateKeyStatus(ctx, keyID, model.KeyStatusDisabled, autoEnableAt); err != nil {
		log.WithError(err).Warnf("failed to persist disable for key %d", keyID)
	}
}

// Disable transitions a key to disabled with an optional auto-enable time.
// A banned key stays banned.
func (m *Manager) Disable(ctx context.Context, keyID int64, autoEnableAt *time.Time) error {
	st, ok := m.keys.Load(keyID)
	if !ok {
		return &store.ErrNotFound{Entity: "api_key", ID: keyID}
	}

	st.mu.Lock()
	if st.key.Status == model.KeyStatusBanned {
		st.mu.Unlock()
		return nil
	}
	st.key.Status = model.KeyStatusDisabled
	st.key.AutoEnableAt = autoEnableAt
	st.mu.Unlock()

	monitoring.KeyStatusTransitions.WithLabelValues("disabled", "rule").Inc()
	return m.st.UpdateKeyStatus(ctx, keyID, model.KeyStatusDisabled, autoEnableAt)
}

// Ban transitions a key to banned and clears any scheduled auto-enable.
// Bans are terminal: only explicit admin action reverses them.
func (m *Manager) Ban(ctx context.Context, keyID int64) error {
	st, ok := m.keys.Load(keyID)
	if !ok {
		return &store.ErrNotFound{Entity: "api_key", ID: keyID}
	}

	st.mu.Lock()
	st.key.Status = model.KeyStatusBanned
	st.key.AutoEnableAt = nil
	st.mu.Unlock()

	monitoring.KeyStatusTransitions.WithLabelValues("banned", "rule").Inc()
	return m.st.UpdateKeyStatus(ctx, keyID, model.KeyStatusBanned, nil)
}

// Snapshot returns a clone of one key's current runtime state.
func (m *Manager) Snapshot(keyID int64) (*model.APIKey, bool) {
	st, ok := m.keys.Load(keyID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.key.Clone(), true
}

func diffInt64(old, cur []int64) []int64 {
	keep := make(map[int64]struct{}, len(cur))
	for _, id := range cur {
		keep[id] = struct{}{}
	}
	var removed []int64
	for _, id := range old {
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	return removed
}
