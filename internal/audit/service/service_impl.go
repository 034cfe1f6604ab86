package service

import (
	"cmp"
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/audit/masking"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/observability/obscontext"
	"github.com/smallbiznis/grove/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// Record writes one audit entry. Callers treat failures as non-fatal.
func (s *Service) Record(ctx context.Context, in auditdomain.Entry) error {
	entry, err := s.build(ctx, in)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.String("actor_type", entry.ActorType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// build stamps the entry with the request's actor, client address and
// request id, and masks credential-shaped metadata.
func (s *Service) build(ctx context.Context, in auditdomain.Entry) (auditdomain.AuditLog, error) {
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return auditdomain.AuditLog{}, auditdomain.ErrInvalidAction
	}
	targetType := cmp.Or(strings.TrimSpace(in.TargetType), "unknown")
	actorType, actorID := s.resolveActor(ctx, in.ActorType, in.ActorID)
	ip, userAgent := obscontext.ClientFromContext(ctx)

	metadata := masking.MaskCredentials(in.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}

	return auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    normalizePointer(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(in.TargetID),
		Metadata:   datatypes.JSONMap(metadata),
		IPAddress:  normalizePointer(ip),
		UserAgent:  normalizePointer(userAgent),
		CreatedAt:  s.clock.Now(),
	}, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}
	cursor, err := pagination.Decode(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}

	limit := req.Limit()
	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		ActorID:    req.ActorID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	rows, info := pagination.Page(rows, limit, func(row *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: row.ID, CreatedAt: row.CreatedAt}
	})
	logs := make([]auditdomain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, *row)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: info, AuditLogs: logs}, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType, actorID string) (string, string) {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType != "" {
		return actorType, actorID
	}
	ctxType, ctxID := obscontext.ActorFromContext(ctx)
	if ctxType != "" {
		return ctxType, ctxID
	}
	return auditdomain.ActorTypeSystem, ""
}

func normalizePointer(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
