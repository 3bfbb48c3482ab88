package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"keygate/internal/model"
	"keygate/internal/pool"
	"keygate/internal/ratelimit"
	"keygate/internal/rules"
	"keygate/internal/store"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, "@every 1m", cfg.SweepInterval)
	require.Equal(t, "0 2 * * *", cfg.RetentionCron)
	require.Equal(t, 30, cfg.LogRetentionDays)

	cfg = Config{SweepInterval: "@every 5s", RetentionCron: "0 3 * * *", LogRetentionDays: 7}.withDefaults()
	require.Equal(t, "@every 5s", cfg.SweepInterval)
	require.Equal(t, 7, cfg.LogRetentionDays)
}

func TestNewRejectsBadCronSpecs(t *testing.T) {
	st := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, st.Initialize(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	p := pool.NewManager(st)
	_, err := New(Config{SweepInterval: "not a cron"}, st, p, nil, nil)
	require.Error(t, err)
}

func TestSweepJobRunsOnTick(t *testing.T) {
	ctx := context.Background()
	st := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, st.Initialize(ctx))
	t.Cleanup(func() { _ = st.Close() })

	upID, err := st.CreateUpstream(ctx, &model.Upstream{Name: "up", BaseURL: "http://x", Enabled: true})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	keyID, err := st.CreateKey(ctx, &model.APIKey{
		UpstreamID: upID, Name: "k", Secret: "s",
		Placement: model.PlacementHeader, ParamName: "Authorization",
		Status: model.KeyStatusDisabled, AutoEnableAt: &past,
	})
	require.NoError(t, err)

	p := pool.NewManager(st)
	require.NoError(t, p.SyncUpstream(ctx, upID))
	engine := rules.NewEngine(st, p, nil)

	s, err := New(Config{SweepInterval: "@every 100ms"}, st, p, engine, ratelimit.NewMemoryBackend())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		k, ok := p.Snapshot(keyID)
		return ok && k.Status == model.KeyStatusActive
	}, 3*time.Second, 50*time.Millisecond)
}
