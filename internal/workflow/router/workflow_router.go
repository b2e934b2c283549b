package router

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// StepLister lists the steps of a workflow graph.
type StepLister interface {
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowStep, error)
}

// WorkflowRouter serves read-only views of workflow graphs.
type WorkflowRouter struct {
	steps StepLister
}

func NewWorkflowRouter(steps StepLister) *WorkflowRouter {
	return &WorkflowRouter{steps: steps}
}

// Register mounts the routes on g.
func (wr *WorkflowRouter) Register(g *gin.RouterGroup) {
	g.GET("/workflows/:workflowId/steps", wr.HandleGetWorkflowSteps)
}

// HandleGetWorkflowSteps handles GET /api/v1/workflows/:workflowId/steps
// Response: array of WorkflowStepResponseDTO
func (wr *WorkflowRouter) HandleGetWorkflowSteps(c *gin.Context) {
	workflowID, err := uuid.Parse(c.Param("workflowId"))
	if err != nil {
		badRequest(c, "invalid workflow ID")
		return
	}

	steps, err := wr.steps.ListSteps(c.Request.Context(), workflowID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	resp := make([]model.WorkflowStepResponseDTO, 0, len(steps))
	for _, ws := range steps {
		resp = append(resp, model.WorkflowStepResponseDTO{
			ID:        ws.ID,
			StepID:    ws.StepID,
			Name:      ws.Name(),
			IsDefault: ws.IsDefault,
			Deadline:  ws.Deadline,
		})
	}
	c.JSON(http.StatusOK, resp)
}
