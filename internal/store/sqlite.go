package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keygate/internal/model"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store backed by the database at path.
// Use ":memory:" for throwaway instances in tests.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Initialize opens the database and applies schema migrations.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", s.path, err)
	}
	// modernc sqlite handles are not safe for concurrent writers; a single
	// connection serializes statements without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite %s: %w", s.path, err)
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return err
	}
	s.db = db
	log.Infof("Opened sqlite store at %s", s.path)
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

const upstreamColumns = `id, name, base_url, description, timeout_seconds, retry_count,
	connection_pool_size, log_request_body, log_response_body, enabled`

func scanUpstream(row interface{ Scan(...any) error }) (*model.Upstream, error) {
	var u model.Upstream
	var logReq, logResp, enabled int
	err := row.Scan(&u.ID, &u.Name, &u.BaseURL, &u.Description, &u.TimeoutSeconds,
		&u.RetryCount, &u.ConnectionPoolSize, &logReq, &logResp, &enabled)
	if err != nil {
		return nil, err
	}
	u.LogRequestBody = logReq != 0
	u.LogResponseBody = logResp != 0
	u.Enabled = enabled != 0
	return &u, nil
}

// GetUpstream returns one upstream by id.
func (s *SQLiteStore) GetUpstream(ctx context.Context, id int64) (*model.Upstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	u, err := scanUpstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "upstream", ID: id}
	}
	return u, err
}

// GetUpstreamByName returns one upstream by its unique name.
func (s *SQLiteStore) GetUpstreamByName(ctx context.Context, name string) (*model.Upstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE name = ?`, name)
	u, err := scanUpstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "upstream", Name: name}
	}
	return u, err
}

// ListUpstreams returns all upstreams ordered by id.
func (s *SQLiteStore) ListUpstreams(ctx context.Context) ([]*model.Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const keyColumns = `id, upstream_id, name, secret, placement, param_name, value_prefix,
	status, enable_quota, quota_total, quota_used, quota_reset_at,
	auto_disable_on_failure, auto_enable_delay_hours, auto_enable_at, last_used_at`

func scanKey(row interface{ Scan(...any) error }) (*model.APIKey, error) {
	var k model.APIKey
	var enableQuota, autoDisable int
	var quotaReset, autoEnable, lastUsed sql.NullInt64
	err := row.Scan(&k.ID, &k.UpstreamID, &k.Name, &k.Secret, &k.Placement, &k.ParamName,
		&k.ValuePrefix, &k.Status, &enableQuota, &k.QuotaTotal, &k.QuotaUsed, &quotaReset,
		&autoDisable, &k.AutoEnableDelayHours, &autoEnable, &lastUsed)
	if err != nil {
		return nil, err
	}
	k.EnableQuota = enableQuota != 0
	k.AutoDisableOnFailure = autoDisable != 0
	k.QuotaResetAt = fromUnixMilli(quotaReset)
	k.AutoEnableAt = fromUnixMilli(autoEnable)
	k.LastUsedAt = fromUnixMilli(lastUsed)
	return &k, nil
}

// GetKey returns one key by id.
func (s *SQLiteStore) GetKey(ctx context.Context, id int64) (*model.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api_key", ID: id}
	}
	return k, err
}

// ListKeys returns every key belonging to the upstream.
func (s *SQLiteStore) ListKeys(ctx context.Context, upstreamID int64) ([]*model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE upstream_id = ? ORDER BY id`, upstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListHeaderConfigs returns every header config belonging to the upstream.
func (s *SQLiteStore) ListHeaderConfigs(ctx context.Context, upstreamID int64) ([]*model.HeaderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, upstream_id, header_name, value_type,
		static_value, script_content, priority, timeout_ms, fallback_strategy, fallback_value, enabled
		FROM header_configs WHERE upstream_id = ? ORDER BY id`, upstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.HeaderConfig
	for rows.Next() {
		var h model.HeaderConfig
		var enabled int
		if err := rows.Scan(&h.ID, &h.UpstreamID, &h.HeaderName, &h.ValueType, &h.StaticValue,
			&h.ScriptContent, &h.Priority, &h.TimeoutMS, &h.FallbackStrategy, &h.FallbackValue,
			&enabled); err != nil {
			return nil, err
		}
		h.Enabled = enabled != 0
		out = append(out, &h)
	}
	return out, rows.Err()
}

// ListRules returns every rule belonging to the upstream, ascending priority.
func (s *SQLiteStore) ListRules(ctx context.Context, upstreamID int64) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, upstream_id, name, conditions, actions,
		trigger_threshold, time_window_seconds, cooldown_seconds, auto_enable_delay_hours,
		priority, enabled
		FROM rules WHERE upstream_id = ? ORDER BY priority, id`, upstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		var r model.Rule
		var conditions, actions string
		var enabled int
		if err := rows.Scan(&r.ID, &r.UpstreamID, &r.Name, &conditions, &actions,
			&r.TriggerThreshold, &r.TimeWindowSeconds, &r.CooldownSeconds,
			&r.AutoEnableDelayHours, &r.Priority, &enabled); err != nil {
			return nil, err
		}
		r.Conditions = json.RawMessage(conditions)
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			log.WithError(err).Warnf("rule %d has malformed actions, skipping actions", r.ID)
			r.Actions = nil
		}
		r.Enabled = enabled != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpdateKeyStatus persists a status transition decided by the pool manager.
func (s *SQLiteStore) UpdateKeyStatus(ctx context.Context, keyID int64, status model.KeyStatus, autoEnableAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = ?, auto_enable_at = ? WHERE id = ?`,
		string(status), toUnixMilli(autoEnableAt), keyID)
	if err != nil {
		return fmt.Errorf("update key %d status: %w", keyID, err)
	}
	return requireRow(res, "api_key", keyID)
}

// IncrementQuota adds delta to quota_used and stamps last_used_at.
func (s *SQLiteStore) IncrementQuota(ctx context.Context, keyID int64, delta int64, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET quota_used = quota_used + ?, last_used_at = ? WHERE id = ?`,
		delta, usedAt.UnixMilli(), keyID)
	if err != nil {
		return fmt.Errorf("increment quota for key %d: %w", keyID, err)
	}
	return requireRow(res, "api_key", keyID)
}

// ResetQuota zeroes quota_used and advances quota_reset_at.
func (s *SQLiteStore) ResetQuota(ctx context.Context, keyID int64, nextResetAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET quota_used = 0, quota_reset_at = ? WHERE id = ?`,
		toUnixMilli(nextResetAt), keyID)
	if err != nil {
		return fmt.Errorf("reset quota for key %d: %w", keyID, err)
	}
	return requireRow(res, "api_key", keyID)
}

// AppendLog inserts one immutable request log record.
func (s *SQLiteStore) AppendLog(ctx context.Context, rec *model.RequestLog) error {
	reqHeaders, err := marshalNullable(rec.RequestHeaders)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	respHeaders, err := marshalNullable(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	triggered := rec.TriggeredRules
	if triggered == nil {
		triggered = []int64{}
	}
	triggeredJSON, err := json.Marshal(triggered)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO request_logs (
		id, upstream_id, api_key_id, method, path,
		request_headers, request_body, status_code, response_headers, response_body,
		latency_ms, client_ip, error_message, triggered_rules, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UpstreamID, rec.APIKeyID, rec.Method, rec.Path,
		reqHeaders, nullString(rec.RequestBody), rec.StatusCode, respHeaders,
		nullString(rec.ResponseBody), rec.LatencyMS, rec.ClientIP, rec.ErrorMessage,
		string(triggeredJSON), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append log %s: %w", rec.ID, err)
	}
	return nil
}

// ListLogs returns the newest records for an upstream, capped at limit.
func (s *SQLiteStore) ListLogs(ctx context.Context, upstreamID int64, limit int) ([]*model.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, upstream_id, api_key_id, method, path,
		request_headers, request_body, status_code, response_headers, response_body,
		latency_ms, client_ip, error_message, triggered_rules, created_at
		FROM request_logs WHERE upstream_id = ? ORDER BY created_at DESC LIMIT ?`,
		upstreamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RequestLog
	for rows.Next() {
		var rec model.RequestLog
		var reqHeaders, respHeaders, reqBody, respBody sql.NullString
		var triggered string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.UpstreamID, &rec.APIKeyID, &rec.Method, &rec.Path,
			&reqHeaders, &reqBody, &rec.StatusCode, &respHeaders, &respBody,
			&rec.LatencyMS, &rec.ClientIP, &rec.ErrorMessage, &triggered, &createdAt); err != nil {
			return nil, err
		}
		rec.RequestBody = reqBody.String
		rec.ResponseBody = respBody.String
		rec.CreatedAt = time.UnixMilli(createdAt)
		if reqHeaders.Valid {
			_ = json.Unmarshal([]byte(reqHeaders.String), &rec.RequestHeaders)
		}
		if respHeaders.Valid {
			_ = json.Unmarshal([]byte(respHeaders.String), &rec.ResponseHeaders)
		}
		if err := json.Unmarshal([]byte(triggered), &rec.TriggeredRules); err != nil {
			rec.TriggeredRules = nil
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteLogsBefore removes log records older than cutoff and reports the count.
func (s *SQLiteStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete logs before %s: %w", cutoff, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateUpstream inserts an upstream and returns its id.
func (s *SQLiteStore) CreateUpstream(ctx context.Context, u *model.Upstream) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO upstreams (
		name, base_url, description, timeout_seconds, retry_count, connection_pool_size,
		log_request_body, log_response_body, enabled
	) VALUES (?,?,?,?,?,?,?,?,?)`,
		u.Name, u.BaseURL, u.Description, u.TimeoutSeconds, u.RetryCount,
		u.ConnectionPoolSize, boolToInt(u.LogRequestBody), boolToInt(u.LogResponseBody),
		boolToInt(u.Enabled))
	if err != nil {
		return 0, fmt.Errorf("create upstream %s: %w", u.Name, err)
	}
	id, err := res.LastInsertId()
	u.ID = id
	return id, err
}

// CreateKey inserts an API key and returns its id.
func (s *SQLiteStore) CreateKey(ctx context.Context, k *model.APIKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (
		upstream_id, name, secret, placement, param_name, value_prefix, status,
		enable_quota, quota_total, quota_used, quota_reset_at,
		auto_disable_on_failure, auto_enable_delay_hours, auto_enable_at, last_used_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		k.UpstreamID, k.Name, k.Secret, string(k.Placement), k.ParamName, k.ValuePrefix,
		string(k.Status), boolToInt(k.EnableQuota), k.QuotaTotal, k.QuotaUsed,
		toUnixMilli(k.QuotaResetAt), boolToInt(k.AutoDisableOnFailure),
		k.AutoEnableDelayHours, toUnixMilli(k.AutoEnableAt), toUnixMilli(k.LastUsedAt))
	if err != nil {
		return 0, fmt.Errorf("create key for upstream %d: %w", k.UpstreamID, err)
	}
	id, err := res.LastInsertId()
	k.ID = id
	return id, err
}

// CreateHeaderConfig inserts a header config and returns its id.
func (s *SQLiteStore) CreateHeaderConfig(ctx context.Context, h *model.HeaderConfig) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO header_configs (
		upstream_id, header_name, value_type, static_value, script_content,
		priority, timeout_ms, fallback_strategy, fallback_value, enabled
	) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.UpstreamID, h.HeaderName, string(h.ValueType), h.StaticValue, h.ScriptContent,
		h.Priority, h.TimeoutMS, string(h.FallbackStrategy), h.FallbackValue,
		boolToInt(h.Enabled))
	if err != nil {
		return 0, fmt.Errorf("create header config %s: %w", h.HeaderName, err)
	}
	id, err := res.LastInsertId()
	h.ID = id
	return id, err
}

// CreateRule inserts a rule and returns its id.
func (s *SQLiteStore) CreateRule(ctx context.Context, r *model.Rule) (int64, error) {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return 0, fmt.Errorf("create rule %s: %w", r.Name, err)
	}
	conditions := string(r.Conditions)
	if conditions == "" {
		conditions = "{}"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO rules (
		upstream_id, name, conditions, actions, trigger_threshold, time_window_seconds,
		cooldown_seconds, auto_enable_delay_hours, priority, enabled
	) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.UpstreamID, r.Name, conditions, string(actions), r.TriggerThreshold,
		r.TimeWindowSeconds, r.CooldownSeconds, r.AutoEnableDelayHours, r.Priority,
		boolToInt(r.Enabled))
	if err != nil {
		return 0, fmt.Errorf("create rule %s: %w", r.Name, err)
	}
	id, err := res.LastInsertId()
	r.ID = id
	return id, err
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: entity, ID: id}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func marshalNullable(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
