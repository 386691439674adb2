package controller

import (
	"context"
	"strconv"
	"strings"

	"judgeline/internal/common/http/middleware"
	"judgeline/internal/submit/service"
	"judgeline/pkg/identity"
	"judgeline/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is what the HTTP layer needs from the submit service.
type SubmissionService interface {
	Submit(ctx context.Context, caller identity.Identity, input service.SubmitInput) (*service.SubmissionDetails, error)
	GetSubmission(ctx context.Context, caller identity.Identity, submissionID int64) (*service.SubmissionDetails, error)
	ListSubmissions(ctx context.Context, caller identity.Identity, filter service.ListFilter, page int) (*service.SubmissionPage, error)
}

// SubmitController handles submission HTTP endpoints.
type SubmitController struct {
	submitService SubmissionService
}

// NewSubmitController creates a new SubmitController.
func NewSubmitController(submitService SubmissionService) *SubmitController {
	return &SubmitController{submitService: submitService}
}

// RegisterRoutes mounts the submission endpoints under group behind auth.
func (h *SubmitController) RegisterRoutes(group gin.IRouter, auth gin.HandlerFunc) {
	submissions := group.Group("/submissions", auth)
	submissions.POST("", h.Create)
	submissions.GET("", h.List)
	submissions.GET("/:id", h.Get)
}

// SubmitRequest defines submission payload.
type SubmitRequest struct {
	ProblemID int64  `json:"problemId" binding:"required"`
	Code      string `json:"code"`
	Language  string `json:"language" binding:"required"`
}

// Create handles submission requests. The job is queued, so a success answers 202.
func (h *SubmitController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	details, err := h.submitService.Submit(c.Request.Context(), middleware.CallerIdentity(c), service.SubmitInput{
		ProblemID:      req.ProblemID,
		Code:           req.Code,
		Language:       req.Language,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, details)
}

// Get returns one submission with its test case results.
func (h *SubmitController) Get(c *gin.Context) {
	submissionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || submissionID <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	details, err := h.submitService.GetSubmission(c.Request.Context(), middleware.CallerIdentity(c), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, details)
}

// List returns a page of submissions, newest first.
func (h *SubmitController) List(c *gin.Context) {
	page, ok := optionalInt(c, "page")
	if !ok {
		response.BadRequest(c, "Invalid page")
		return
	}
	problemID, ok := optionalInt(c, "problemId")
	if !ok {
		response.BadRequest(c, "Invalid problemId")
		return
	}
	userID, ok := optionalInt(c, "userId")
	if !ok {
		response.BadRequest(c, "Invalid userId")
		return
	}

	result, err := h.submitService.ListSubmissions(c.Request.Context(), middleware.CallerIdentity(c), service.ListFilter{
		ProblemID: int64(problemID),
		UserID:    int64(userID),
	}, page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithPagination(c, result.Items, result.Total, result.Page, result.PageSize)
}

func optionalInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
