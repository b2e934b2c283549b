package router

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/auth"
	"github.com/OpenNSW/caseflow/internal/evidence"
	"github.com/OpenNSW/caseflow/internal/evidence/drivers"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/service"
	"github.com/OpenNSW/caseflow/utils"
)

const maxEvidenceSize = 32 << 20

// TransitionService runs and lists step changes.
type TransitionService interface {
	TransitionTo(ctx context.Context, req service.TransitionRequest) (*model.Alert, error)
	AllowedTransitions(ctx context.Context, alertID uuid.UUID, userID string) ([]model.AllowedTransitionDTO, error)
}

// AlertReader loads alerts.
type AlertReader interface {
	GetAlert(ctx context.Context, alertID uuid.UUID) (*model.Alert, error)
}

// SLAReporter classifies an alert's deadline.
type SLAReporter interface {
	StatusOf(alert *model.Alert) model.SLAStatusDTO
}

// NotificationLister pages through the notifications of an alert.
type NotificationLister interface {
	ListByAlert(ctx context.Context, alertID uuid.UUID, offset, limit *int) (*model.NotificationListResponseDTO, error)
}

// EvidenceStore stores the files attached to alerts.
type EvidenceStore interface {
	Upload(ctx context.Context, alertID uuid.UUID, filename string, body io.Reader, size int64, mime string) (*evidence.Attachment, error)
	Download(ctx context.Context, alertID uuid.UUID, name string) (io.ReadCloser, string, error)
}

// AlertRouter serves the alert endpoints.
type AlertRouter struct {
	transitions   TransitionService
	alerts        AlertReader
	sla           SLAReporter
	notifications NotificationLister
	evidence      EvidenceStore
}

// NewAlertRouter creates an AlertRouter. A nil evidence store disables the evidence endpoints.
func NewAlertRouter(transitions TransitionService, alerts AlertReader, sla SLAReporter, notifications NotificationLister, evidence EvidenceStore) *AlertRouter {
	return &AlertRouter{
		transitions:   transitions,
		alerts:        alerts,
		sla:           sla,
		notifications: notifications,
		evidence:      evidence,
	}
}

// Register mounts the routes on g.
func (ar *AlertRouter) Register(g *gin.RouterGroup) {
	alerts := g.Group("/alerts/:alertId")
	alerts.POST("/transitions", ar.HandleTransition)
	alerts.GET("/transitions", ar.HandleGetAllowedTransitions)
	alerts.GET("/sla", ar.HandleGetSLAStatus)
	alerts.GET("/notifications", ar.HandleGetNotifications)
	if ar.evidence != nil {
		alerts.POST("/evidence", ar.HandleUploadEvidence)
		alerts.GET("/evidence/:name", ar.HandleDownloadEvidence)
	}
}

// HandleTransition handles POST /api/v1/alerts/:alertId/transitions
// Request body: TransitionRequestDTO
// Response: AlertStepResponseDTO
func (ar *AlertRouter) HandleTransition(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}

	var req model.TransitionRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	alert, err := ar.transitions.TransitionTo(c.Request.Context(), service.TransitionRequest{
		AlertID:       alertID,
		TargetStepID:  req.TargetStepID,
		Reason:        req.Reason,
		ReasonDetails: req.ReasonDetails,
		UserID:        auth.GetAuthContext(c).UserID,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewAlertStepResponseDTO(alert))
}

// HandleGetAllowedTransitions handles GET /api/v1/alerts/:alertId/transitions
// Response: array of AllowedTransitionDTO
func (ar *AlertRouter) HandleGetAllowedTransitions(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}

	allowed, err := ar.transitions.AllowedTransitions(c.Request.Context(), alertID, auth.GetAuthContext(c).UserID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, allowed)
}

// HandleGetSLAStatus handles GET /api/v1/alerts/:alertId/sla
func (ar *AlertRouter) HandleGetSLAStatus(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}

	alert, err := ar.alerts.GetAlert(c.Request.Context(), alertID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, ar.sla.StatusOf(alert))
}

// HandleGetNotifications handles GET /api/v1/alerts/:alertId/notifications
// Optional Query Filters: offset, limit
func (ar *AlertRouter) HandleGetNotifications(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}

	offset, ok := intQuery(c, "offset")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	page, err := ar.notifications.ListByAlert(c.Request.Context(), alertID, offset, limit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// HandleUploadEvidence handles POST /api/v1/alerts/:alertId/evidence (multipart field "file")
func (ar *AlertRouter) HandleUploadEvidence(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}
	if _, err := ar.alerts.GetAlert(c.Request.Context(), alertID); err != nil {
		handleServiceError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEvidenceSize)
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		badRequest(c, "failed to read file")
		return
	}
	defer file.Close()

	attachment, err := ar.evidence.Upload(c.Request.Context(), alertID, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attachment)
}

// HandleDownloadEvidence handles GET /api/v1/alerts/:alertId/evidence/:name
func (ar *AlertRouter) HandleDownloadEvidence(c *gin.Context) {
	alertID, ok := alertIDParam(c)
	if !ok {
		return
	}

	reader, contentType, err := ar.evidence.Download(c.Request.Context(), alertID, c.Param("name"))
	if err != nil {
		if errors.Is(err, evidence.ErrInvalidKey) {
			badRequest(c, err.Error())
			return
		}
		if errors.Is(err, drivers.ErrObjectNotFound) {
			notFound(c, "evidence not found")
			return
		}
		handleServiceError(c, err)
		return
	}
	defer reader.Close()

	c.DataFromReader(http.StatusOK, -1, contentType, reader, nil)
}

func alertIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("alertId"))
	if err != nil {
		badRequest(c, "invalid alert ID")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string) (*int, bool) {
	v, err := utils.ParseOptionalInt(name, c.Query(name))
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	return v, true
}
