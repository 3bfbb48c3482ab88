package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"keygate/internal/model"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st := NewSQLiteStore(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, st.Initialize(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpstreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.CreateUpstream(ctx, &model.Upstream{
		Name:            "openai",
		BaseURL:         "https://api.openai.com/v1",
		TimeoutSeconds:  20,
		RetryCount:      2,
		LogResponseBody: true,
		Enabled:         true,
	})
	require.NoError(t, err)

	got, err := st.GetUpstream(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "openai", got.Name)
	require.Equal(t, 2, got.RetryCount)
	require.True(t, got.LogResponseBody)
	require.False(t, got.LogRequestBody)

	byName, err := st.GetUpstreamByName(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, id, byName.ID)

	all, err := st.ListUpstreams(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetUpstreamNotFound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.GetUpstream(ctx, 42)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "upstream", nf.Entity)

	_, err = st.GetUpstreamByName(ctx, "ghost")
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "ghost", nf.Name)
}

func TestKeyRoundTripAndMutations(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	upID, err := st.CreateUpstream(ctx, &model.Upstream{Name: "up", BaseURL: "http://x", Enabled: true})
	require.NoError(t, err)

	resetAt := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	keyID, err := st.CreateKey(ctx, &model.APIKey{
		UpstreamID:           upID,
		Name:                 "key-1",
		Secret:               "sk-abc",
		Placement:            model.PlacementHeader,
		ParamName:            "Authorization",
		ValuePrefix:          "Bearer ",
		Status:               model.KeyStatusActive,
		EnableQuota:          true,
		QuotaTotal:           100,
		QuotaResetAt:         &resetAt,
		AutoDisableOnFailure: true,
		AutoEnableDelayHours: 2,
	})
	require.NoError(t, err)

	k, err := st.GetKey(ctx, keyID)
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-abc", k.InjectedValue())
	require.Equal(t, resetAt.UnixMilli(), k.QuotaResetAt.UnixMilli())
	require.Nil(t, k.LastUsedAt)

	usedAt := time.Now().Truncate(time.Millisecond)
	require.NoError(t, st.IncrementQuota(ctx, keyID, 1, usedAt))
	k, err = st.GetKey(ctx, keyID)
	require.NoError(t, err)
	require.Equal(t, int64(1), k.QuotaUsed)
	require.Equal(t, usedAt.UnixMilli(), k.LastUsedAt.UnixMilli())

	enableAt := time.Now().Add(time.Hour)
	require.NoError(t, st.UpdateKeyStatus(ctx, keyID, model.KeyStatusDisabled, &enableAt))
	k, err = st.GetKey(ctx, keyID)
	require.NoError(t, err)
	require.Equal(t, model.KeyStatusDisabled, k.Status)
	require.NotNil(t, k.AutoEnableAt)

	next := time.Now().Add(48 * time.Hour)
	require.NoError(t, st.ResetQuota(ctx, keyID, &next))
	k, err = st.GetKey(ctx, keyID)
	require.NoError(t, err)
	require.Zero(t, k.QuotaUsed)

	require.Error(t, st.UpdateKeyStatus(ctx, 999, model.KeyStatusActive, nil))
}

func TestRuleActionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	upID, err := st.CreateUpstream(ctx, &model.Upstream{Name: "up", BaseURL: "http://x", Enabled: true})
	require.NoError(t, err)

	_, err = st.CreateRule(ctx, &model.Rule{
		UpstreamID:        upID,
		Name:              "rate-limited",
		Conditions:        json.RawMessage(`{"type":"status_code","operator":"==","value":429}`),
		Actions:           []model.RuleAction{model.ActionDisableKey, model.ActionAlert},
		TriggerThreshold:  3,
		TimeWindowSeconds: 60,
		Priority:          1,
		Enabled:           true,
	})
	require.NoError(t, err)

	rules, err := st.ListRules(ctx, upID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.True(t, rules[0].HasAction(model.ActionDisableKey))
	require.True(t, rules[0].HasAction(model.ActionAlert))
	require.False(t, rules[0].HasAction(model.ActionBanKey))
	require.JSONEq(t, `{"type":"status_code","operator":"==","value":429}`, string(rules[0].Conditions))
}

func TestRulesOrderedByPriority(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	upID, err := st.CreateUpstream(ctx, &model.Upstream{Name: "up", BaseURL: "http://x", Enabled: true})
	require.NoError(t, err)

	cond := json.RawMessage(`{"type":"status_code","operator":"==","value":500}`)
	for _, r := range []model.Rule{
		{UpstreamID: upID, Name: "late", Conditions: cond, Priority: 10, Enabled: true},
		{UpstreamID: upID, Name: "early", Conditions: cond, Priority: 1, Enabled: true},
	} {
		rc := r
		_, err := st.CreateRule(ctx, &rc)
		require.NoError(t, err)
	}

	rules, err := st.ListRules(ctx, upID)
	require.NoError(t, err)
	require.Equal(t, "early", rules[0].Name)
	require.Equal(t, "late", rules[1].Name)
}

func TestRequestLogLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	upID, err := st.CreateUpstream(ctx, &model.Upstream{Name: "up", BaseURL: "http://x", Enabled: true})
	require.NoError(t, err)

	old := &model.RequestLog{
		ID:         "log-old",
		UpstreamID: upID,
		Method:     "GET",
		Path:       "/v1/models",
		StatusCode: 200,
		CreatedAt:  time.Now().Add(-40 * 24 * time.Hour),
	}
	fresh := &model.RequestLog{
		ID:              "log-fresh",
		UpstreamID:      upID,
		APIKeyID:        7,
		Method:          "POST",
		Path:            "/v1/chat/completions",
		StatusCode:      429,
		ResponseHeaders: map[string]string{"Retry-After": "30"},
		ResponseBody:    `{"error":"rate limited"}`,
		LatencyMS:       120,
		ClientIP:        "10.0.0.1",
		TriggeredRules:  []int64{3},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, st.AppendLog(ctx, old))
	require.NoError(t, st.AppendLog(ctx, fresh))

	logs, err := st.ListLogs(ctx, upID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "log-fresh", logs[0].ID)
	require.Equal(t, []int64{3}, logs[0].TriggeredRules)
	require.Equal(t, "30", logs[0].ResponseHeaders["Retry-After"])

	n, err := st.DeleteLogsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	logs, err = st.ListLogs(ctx, upID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "log-fresh", logs[0].ID)
}

func TestHealthBeforeInitialize(t *testing.T) {
	st := NewSQLiteStore(filepath.Join(t.TempDir(), "never.db"))
	require.Error(t, st.Health(context.Background()))
}
