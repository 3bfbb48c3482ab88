// Package store is the configuration/persistence collaborator. The gateway
// core reads entity snapshots and writes key-state mutations and request
// logs through this interface; everything else (admin CRUD, schema shape)
// belongs to the console and is out of scope here.
package store

import (
	"context"
	"strconv"
	"time"

	"keygate/internal/model"
)

// Store defines the persistence operations the core depends on.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	// Reads. Entities are returned as detached copies.
	GetUpstream(ctx context.Context, id int64) (*model.Upstream, error)
	GetUpstreamByName(ctx context.Context, name string) (*model.Upstream, error)
	ListUpstreams(ctx context.Context) ([]*model.Upstream, error)
	GetKey(ctx context.Context, id int64) (*model.APIKey, error)
	ListKeys(ctx context.Context, upstreamID int64) ([]*model.APIKey, error)
	ListHeaderConfigs(ctx context.Context, upstreamID int64) ([]*model.HeaderConfig, error)
	ListRules(ctx context.Context, upstreamID int64) ([]*model.Rule, error)

	// Writes issued by the pool manager and rule engine.
	UpdateKeyStatus(ctx context.Context, keyID int64, status model.KeyStatus, autoEnableAt *time.Time) error
	IncrementQuota(ctx context.Context, keyID int64, delta int64, usedAt time.Time) error
	ResetQuota(ctx context.Context, keyID int64, nextResetAt *time.Time) error

	// Request log sink.
	AppendLog(ctx context.Context, rec *model.RequestLog) error
	ListLogs(ctx context.Context, upstreamID int64, limit int) ([]*model.RequestLog, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Seeding, used by wiring and tests. The admin console owns full CRUD.
	CreateUpstream(ctx context.Context, u *model.Upstream) (int64, error)
	CreateKey(ctx context.Context, k *model.APIKey) (int64, error)
	CreateHeaderConfig(ctx context.Context, h *model.HeaderConfig) (int64, error)
	CreateRule(ctx context.Context, r *model.Rule) (int64, error)
}

// ErrNotFound is returned when an entity does not exist.
type ErrNotFound struct {
	Entity string
	ID     int64
	Name   string
}

func (e *ErrNotFound) Error() string {
	if e.Name != "" {
		return e.Entity + " not found: " + e.Name
	}
	return e.Entity + " not found: id=" + strconv.FormatInt(e.ID, 10)
}
