package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/pkg/db/pagination"
)

type auditLogQuery struct {
	pagination.Request
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	ActorID    string `form:"actor_id"`
	StartAt    string `form:"start_at"`
	EndAt      string `form:"end_at"`
}

// ListAuditLogs serves GET /admin/audit-logs, newest first.
func (s *Server) ListAuditLogs(c *gin.Context) {
	var q auditLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	startAt, endAt, err := timeWindow(q.StartAt, q.EndAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	trim := strings.TrimSpace
	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Request:    q.Request,
		Action:     trim(q.Action),
		TargetType: trim(q.TargetType),
		TargetID:   trim(q.TargetID),
		ActorType:  trim(q.ActorType),
		ActorID:    trim(q.ActorID),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
