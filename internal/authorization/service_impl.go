package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	SystemActor = "system"
	GlobalScope = "global"
)

const (
	ObjectSubscription = "subscription"
	ObjectLicense      = "license"
	ObjectDataset      = "dataset"
	ObjectCaller       = "caller"
	ObjectCache        = "cache"
	ObjectUsage        = "usage"
)

const (
	ActionSubscriptionCreate    = "subscription.create"
	ActionSubscriptionRenew     = "subscription.renew"
	ActionSubscriptionCancel    = "subscription.cancel"
	ActionSubscriptionSuspend   = "subscription.suspend"
	ActionSubscriptionReinstate = "subscription.reinstate"
	ActionSubscriptionExpire    = "subscription.expire"

	ActionLicenseCreate        = "license.create"
	ActionLicenseUpdatePricing = "license.update_pricing"

	ActionDatasetCreate = "dataset.create"
	ActionCallerCreate  = "caller.create"

	ActionCacheInvalidate = "cache.invalidate"

	ActionUsageArchive   = "usage.archive"
	ActionUsageStatement = "usage.statement"
)

// AdminActor and CallerActor build actor strings for Authorize.
func AdminActor(id snowflake.ID) string  { return "admin:" + id.String() }
func CallerActor(id snowflake.ID) string { return "caller:" + id.String() }

// CallerFromActor returns the caller id of a "caller:<id>" actor.
func CallerFromActor(actor string) (snowflake.ID, bool) {
	rawID, ok := strings.CutPrefix(strings.TrimSpace(actor), "caller:")
	if !ok {
		return 0, false
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// DatasetScope scopes an action to a single dataset.
func DatasetScope(id snowflake.ID) string { return "dataset:" + id.String() }

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer persists policy through the gorm adapter. A nil db keeps
// policy in memory only.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if db == nil {
		enforcer, err = casbin.NewSyncedEnforcer(m)
	} else {
		adapter, adapterErr := gormadapter.NewAdapterByDB(db)
		if adapterErr != nil {
			return nil, adapterErr
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
	}
	if err != nil {
		return nil, err
	}

	if db != nil {
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, scope string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ErrInvalidScope
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := resolveRole(actor)
	if err != nil {
		return err
	}
	if err := s.ensureGrouping(actor, roleName, scope); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, scope, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("scope", scope),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func resolveRole(actor string) (string, error) {
	if actor == SystemActor {
		return "role:system", nil
	}
	kind, rawID, ok := strings.Cut(actor, ":")
	if !ok {
		return "", ErrInvalidActor
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id <= 0 {
		return "", ErrInvalidActor
	}
	switch kind {
	case "admin", "caller":
		return fmt.Sprintf("role:%s", kind), nil
	default:
		return "", ErrInvalidActor
	}
}

// ensureGrouping binds the actor to exactly one role within scope.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, scope string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", scope)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, scope)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, scope)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Callers manage their own subscriptions. Ownership is checked by the caller of Authorize.
		{"role:caller", ObjectSubscription, ActionSubscriptionCreate},
		{"role:caller", ObjectSubscription, ActionSubscriptionCancel},
		{"role:caller", ObjectUsage, ActionUsageStatement},

		{"role:admin", ObjectSubscription, ActionSubscriptionCreate},
		{"role:admin", ObjectSubscription, ActionSubscriptionRenew},
		{"role:admin", ObjectSubscription, ActionSubscriptionCancel},
		{"role:admin", ObjectSubscription, ActionSubscriptionSuspend},
		{"role:admin", ObjectSubscription, ActionSubscriptionReinstate},
		{"role:admin", ObjectLicense, ActionLicenseCreate},
		{"role:admin", ObjectLicense, ActionLicenseUpdatePricing},
		{"role:admin", ObjectDataset, ActionDatasetCreate},
		{"role:admin", ObjectCaller, ActionCallerCreate},
		{"role:admin", ObjectCache, ActionCacheInvalidate},
		{"role:admin", ObjectUsage, ActionUsageStatement},

		// Background jobs
		{"role:system", ObjectSubscription, ActionSubscriptionCreate},
		{"role:system", ObjectSubscription, ActionSubscriptionRenew},
		{"role:system", ObjectSubscription, ActionSubscriptionCancel},
		{"role:system", ObjectSubscription, ActionSubscriptionSuspend},
		{"role:system", ObjectSubscription, ActionSubscriptionReinstate},
		{"role:system", ObjectSubscription, ActionSubscriptionExpire},
		{"role:system", ObjectLicense, ActionLicenseCreate},
		{"role:system", ObjectLicense, ActionLicenseUpdatePricing},
		{"role:system", ObjectDataset, ActionDatasetCreate},
		{"role:system", ObjectCaller, ActionCallerCreate},
		{"role:system", ObjectCache, ActionCacheInvalidate},
		{"role:system", ObjectUsage, ActionUsageArchive},
		{"role:system", ObjectUsage, ActionUsageStatement},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
