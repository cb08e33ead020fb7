package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/franzego/pushcadence/internal/engine"
	"github.com/franzego/pushcadence/internal/middleware"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AutomationService is the part of the engine the API drives.
type AutomationService interface {
	Create(ctx context.Context, a models.Automation) (models.Automation, error)
	Update(ctx context.Context, a models.Automation) (models.Automation, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.Automation, error)
	List(ctx context.Context) ([]models.Automation, error)
	RunTest(ctx context.Context, id string, mode models.TestMode) (models.TestRunReport, error)
	Control(ctx context.Context, id string, action models.ControlAction, reason string) (models.ControlResult, error)
	Executions() models.ExecutionList
	Restore(ctx context.Context) models.RestoreReport
}

type AutomationHandler struct {
	engine AutomationService
	logger *zap.Logger
}

func NewAutomationHandler(engine AutomationService, logger *zap.Logger) *AutomationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutomationHandler{engine: engine, logger: logger}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidAutomation),
		errors.Is(err, models.ErrInvalidSchedule),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, engine.ErrUnknownAction),
		errors.Is(err, engine.ErrUnknownTestMode),
		errors.Is(err, engine.ErrNothingToTest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyExists),
		errors.Is(err, engine.ErrNoRunningExecution):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *AutomationHandler) fail(c *gin.Context, err error, message string) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("correlation_id", c.GetString(middleware.CorrelationIDKey)),
			zap.Error(err),
		)
	}
	c.JSON(code, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: message,
	})
}

func (h *AutomationHandler) Create(c *gin.Context) {
	var req models.Automation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	a, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to create automation")
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{
		Success: true,
		Message: "Automation created",
		Data:    a,
	})
}

func (h *AutomationHandler) List(c *gin.Context) {
	all, err := h.engine.List(c.Request.Context())
	if err != nil && len(all) == 0 {
		h.fail(c, err, "Failed to list automations")
		return
	}
	resp := models.APIResponse{Success: true, Message: "Automations retrieved", Data: all}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AutomationHandler) Get(c *gin.Context) {
	a, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Automation not found")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Automation retrieved", Data: a})
}

func (h *AutomationHandler) Update(c *gin.Context) {
	var req models.Automation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	req.ID = c.Param("id")
	a, err := h.engine.Update(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to update automation")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Automation updated", Data: a})
}

func (h *AutomationHandler) Delete(c *gin.Context) {
	if err := h.engine.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "Failed to delete automation")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Automation deleted"})
}

func (h *AutomationHandler) RunTest(c *gin.Context) {
	var req models.TestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	report, err := h.engine.RunTest(c.Request.Context(), c.Param("id"), req.Mode)
	if err != nil {
		h.fail(c, err, "Test run failed")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Test run completed", Data: report})
}
