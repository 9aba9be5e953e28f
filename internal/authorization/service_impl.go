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
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSale        = "sale"
	ObjectLedger      = "ledger"
	ObjectDailyReport = "daily_report"
)

const (
	ActionCreate     = "create"
	ActionRead       = "read"
	ActionVerify     = "verify"
	ActionExport     = "export"
	ActionGenerate   = "generate"
	ActionTransition = "transition"
)

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleAuditor = "auditor"
	RoleSystem  = "system"
)

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
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
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, orgID string, object string, action string) error {
	orgID = strings.TrimSpace(orgID)
	parsedOrgID, err := snowflake.ParseString(orgID)
	if err != nil || parsedOrgID == 0 {
		return ErrInvalidOrganization
	}
	object = strings.ToLower(strings.TrimSpace(object))
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		s.auditDenied(ctx, parsedOrgID, actor, object, action, err)
		return err
	}

	domain := fmt.Sprintf("org:%s", orgID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("org_id", orgID),
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, parsedOrgID, actor, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

// resolveActor maps an actor onto its casbin subject and role.
func resolveActor(actor Actor) (string, string, error) {
	actorType := strings.ToLower(strings.TrimSpace(actor.Type))
	if actorType == "" {
		actorType = ActorTypeUser
	}
	switch actorType {
	case ActorTypeSystem:
		return "system", "role:" + RoleSystem, nil
	case ActorTypeUser:
		id := strings.TrimSpace(actor.ID)
		if id == "" || strings.ContainsAny(id, ", ") {
			return "", "", ErrInvalidActor
		}
		role := strings.ToLower(strings.TrimSpace(actor.Role))
		switch role {
		case RoleOwner, RoleAdmin, RoleCashier, RoleAuditor:
		default:
			return "", "", ErrInvalidRole
		}
		return fmt.Sprintf("user:%s", id), "role:" + role, nil
	default:
		return "", "", ErrInvalidActor
	}
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
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

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, orgID snowflake.ID, actor Actor, object string, action string, reason error) {
	if s.auditSvc == nil {
		return
	}
	actorType := auditdomain.ActorTypeUser
	if strings.EqualFold(strings.TrimSpace(actor.Type), ActorTypeSystem) {
		actorType = auditdomain.ActorTypeSystem
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Event{
		OrgID:     orgID,
		Action:    auditdomain.ActionAuthorizationDenied,
		TargetID:  object + ":" + action,
		ActorType: actorType,
		ActorID:   actor.ID,
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"role":   strings.ToLower(strings.TrimSpace(actor.Role)),
			"reason": reason.Error(),
		},
	}); err != nil {
		s.log.Warn("failed to audit authorization denial", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Owner holds every capability.
		{"role:owner", ObjectSale, ActionCreate},
		{"role:owner", ObjectSale, ActionRead},
		{"role:owner", ObjectLedger, ActionRead},
		{"role:owner", ObjectLedger, ActionVerify},
		{"role:owner", ObjectLedger, ActionExport},
		{"role:owner", ObjectDailyReport, ActionRead},
		{"role:owner", ObjectDailyReport, ActionGenerate},
		{"role:owner", ObjectDailyReport, ActionTransition},

		{"role:admin", ObjectSale, ActionCreate},
		{"role:admin", ObjectSale, ActionRead},
		{"role:admin", ObjectLedger, ActionRead},
		{"role:admin", ObjectLedger, ActionVerify},
		{"role:admin", ObjectLedger, ActionExport},
		{"role:admin", ObjectDailyReport, ActionRead},
		{"role:admin", ObjectDailyReport, ActionGenerate},

		// Cashiers ring up sales and close their day.
		{"role:cashier", ObjectSale, ActionCreate},
		{"role:cashier", ObjectSale, ActionRead},
		{"role:cashier", ObjectDailyReport, ActionRead},
		{"role:cashier", ObjectDailyReport, ActionGenerate},

		// Auditors are read-only on sales but own report certification.
		{"role:auditor", ObjectSale, ActionRead},
		{"role:auditor", ObjectLedger, ActionRead},
		{"role:auditor", ObjectLedger, ActionVerify},
		{"role:auditor", ObjectLedger, ActionExport},
		{"role:auditor", ObjectDailyReport, ActionRead},
		{"role:auditor", ObjectDailyReport, ActionTransition},

		{"role:system", ObjectSale, ActionRead},
		{"role:system", ObjectLedger, ActionVerify},
		{"role:system", ObjectDailyReport, ActionRead},
		{"role:system", ObjectDailyReport, ActionGenerate},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
