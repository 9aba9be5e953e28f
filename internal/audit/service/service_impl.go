package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/audit/masking"
	"github.com/smallbiznis/caisse/internal/clock"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

// Record appends event to the audit trail. Unknown actions and mismatched
// targets are rejected so the trail stays queryable by action.
func (s *Service) Record(ctx context.Context, event auditdomain.Event) error {
	action := strings.TrimSpace(event.Action)
	target, ok := auditdomain.TargetTypeOf(action)
	if !ok {
		return fmt.Errorf("%w: %q", auditdomain.ErrInvalidAction, action)
	}
	if tt := strings.TrimSpace(event.TargetType); tt != "" && tt != target {
		return fmt.Errorf("%w: %s is recorded against %s", auditdomain.ErrInvalidTarget, action, target)
	}

	metadata := masking.Sanitize(event.Metadata)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}
	actorType, actorID := actorFor(ctx, event)

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      orgFor(ctx, event.OrgID),
		ActorType:  actorType,
		ActorID:    optional(actorID),
		Action:     action,
		TargetType: target,
		TargetID:   optional(event.TargetID),
		Metadata:   datatypes.JSONMap(metadata),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.Append(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to append audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	orgID := orgFor(ctx, req.OrgID)
	if orgID == nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidOrganization
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}
	if req.Action != "" {
		if _, ok := auditdomain.TargetTypeOf(strings.TrimSpace(req.Action)); !ok {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidAction
		}
	}

	page := req.Page.Normalize(defaultPageSize, maxPageSize)
	rows, err := s.repo.Find(ctx, s.db, auditdomain.ListFilter{
		OrgID:      *orgID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Offset:     page.Offset,
		Limit:      page.Limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs, info := pagination.Trim(rows, page)
	return auditdomain.ListAuditLogResponse{PageInfo: info, AuditLogs: logs}, nil
}

// orgFor prefers an explicit tenant over the one resolved by the request.
func orgFor(ctx context.Context, orgID snowflake.ID) *snowflake.ID {
	if orgID != 0 {
		return &orgID
	}
	parsed, err := snowflake.ParseString(obscontext.OrgIDFromContext(ctx))
	if err != nil || parsed == 0 {
		return nil
	}
	return &parsed
}

func actorFor(ctx context.Context, event auditdomain.Event) (string, string) {
	actorType := strings.TrimSpace(string(event.ActorType))
	actorID := strings.TrimSpace(event.ActorID)
	if actorType == "" {
		ctxType, ctxID := obscontext.ActorFromContext(ctx)
		actorType = ctxType
		if actorID == "" {
			actorID = ctxID
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	return actorType, actorID
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
