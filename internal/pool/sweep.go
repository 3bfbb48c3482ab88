package pool

import (
	"context"
	"time"

	"keygate/internal/model"
	"keygate/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// Sweep re-enables disabled keys whose auto_enable_at has passed. Banned keys
// are never recovered. Runs off the request path on a scheduler tick.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	recovered := 0
	m.keys.Range(func(id int64, st *keyState) bool {
		st.mu.Lock()
		k := st.key
		due := k.Status == model.KeyStatusDisabled &&
			k.AutoEnableAt != nil && !k.AutoEnableAt.After(now)
		if due {
			k.Status = model.KeyStatusActive
			k.AutoEnableAt = nil
		}
		st.mu.Unlock()

		if due {
			recovered++
			log.Infof("Key %d auto-enabled", id)
			monitoring.KeyStatusTransitions.WithLabelValues("active", "sweep").Inc()
			if err := m.st.UpdateKeyStatus(ctx, id, model.KeyStatusActive, nil); err != nil {
				log.WithError(err).Warnf("failed to persist auto-enable for key %d", id)
			}
		}
		return true
	})
	return recovered
}

// ResetQuotas zeroes quota_used for keys whose quota_reset_at has passed and
// advances the reset time by one day.
func (m *Manager) ResetQuotas(ctx context.Context, now time.Time) int {
	reset := 0
	m.keys.Range(func(id int64, st *keyState) bool {
		st.mu.Lock()
		k := st.key
		due := k.EnableQuota && k.QuotaResetAt != nil && !k.QuotaResetAt.After(now)
		var next *time.Time
		if due {
			k.QuotaUsed = 0
			n := k.QuotaResetAt.Add(24 * time.Hour)
			// Catch up if the gateway was down across several periods.
			for !n.After(now) {
				n = n.Add(24 * time.Hour)
			}
			k.QuotaResetAt = &n
			next = &n
		}
		st.mu.Unlock()

		if due {
			reset++
			log.Infof("Key %d quota reset (next at %s)", id, next.Format(time.RFC3339))
			if err := m.st.ResetQuota(ctx, id, next); err != nil {
				log.WithError(err).Warnf("failed to persist quota reset for key %d", id)
			}
		}
		return true
	})
	return reset
}
