package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"

	"github.com/OpenNSW/caseflow/internal/workflow/service"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 document with the engine's error code and, for rule failures, every
// failing rule.
type Problem struct {
	*problems.DefaultProblem
	Code   string   `json:"code,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func writeProblem(c *gin.Context, p Problem) {
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(p.Status, p)
}

func badRequest(c *gin.Context, detail string) {
	writeProblem(c, Problem{
		DefaultProblem: problems.NewStatusProblem(http.StatusBadRequest).
			WithInstance(c.Request.URL.Path).
			WithType("validation_error").
			WithDetail(detail),
		Code: "VALIDATION_ERROR",
	})
}

// handleServiceError renders engine errors with their status and code. Unknown errors are
// logged and reported without detail.
func handleServiceError(c *gin.Context, err error) {
	var appErr service.AppError
	if errors.As(err, &appErr) {
		writeProblem(c, Problem{
			DefaultProblem: problems.NewStatusProblem(appErr.HTTPStatus()).
				WithInstance(c.Request.URL.Path).
				WithType(strings.ToLower(appErr.Code())).
				WithDetail(appErr.Error()),
			Code:   appErr.Code(),
			Errors: service.RuleErrors(err),
		})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		slog.WarnContext(c.Request.Context(), "request timed out",
			"method", c.Request.Method,
			"path", c.Request.URL.Path)
		writeProblem(c, Problem{
			DefaultProblem: problems.NewStatusProblem(http.StatusGatewayTimeout).
				WithInstance(c.Request.URL.Path).
				WithType("request_timeout").
				WithDetail("request did not complete in time"),
			Code: "REQUEST_TIMEOUT",
		})
		return
	}

	slog.ErrorContext(c.Request.Context(), "request failed",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"error", err)
	writeProblem(c, Problem{
		DefaultProblem: problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(c.Request.URL.Path).
			WithType("internal_error").
			WithDetail("internal server error"),
		Code: "INTERNAL_ERROR",
	})
}

func notFound(c *gin.Context, detail string) {
	writeProblem(c, Problem{
		DefaultProblem: problems.NewStatusProblem(http.StatusNotFound).
			WithInstance(c.Request.URL.Path).
			WithType("not_found").
			WithDetail(detail),
		Code: "NOT_FOUND",
	})
}
