package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/franzego/pushcadence/internal/middleware"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *AutomationHandler) Control(c *gin.Context) {
	var req models.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	h.logger.Info("control request",
		zap.String("automation_id", c.Param("id")),
		zap.String("action", string(req.Action)),
		zap.String("correlation_id", c.GetString(middleware.CorrelationIDKey)),
	)
	res, err := h.engine.Control(c.Request.Context(), c.Param("id"), req.Action, req.Reason)
	if err != nil {
		h.fail(c, err, "Control action failed")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Control action applied", Data: res})
}

func (h *AutomationHandler) Executions(c *gin.Context) {
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Executions retrieved", Data: h.engine.Executions()})
}

const restoreTimeout = time.Minute

// Restore outlives the request so a disconnecting client cannot cut the
// store read short.
func (h *AutomationHandler) Restore(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), restoreTimeout)
	defer cancel()
	report := h.engine.Restore(ctx)
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Restore completed", Data: report})
}

type ViolationSource interface {
	Violations() []models.Violation
}

func Violations(src ViolationSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Violations retrieved", Data: src.Violations()})
	}
}

// RuleStore manages the cadence rule table.
type RuleStore interface {
	Rules(ctx context.Context) (map[int]models.CadenceRule, error)
	SetRule(ctx context.Context, rule models.CadenceRule) error
}

type CadenceHandler struct {
	rules RuleStore
}

func NewCadenceHandler(rules RuleStore) *CadenceHandler {
	return &CadenceHandler{rules: rules}
}

func (h *CadenceHandler) List(c *gin.Context) {
	rules, err := h.rules.Rules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Cadence rules unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Cadence rules retrieved", Data: rules})
}

func (h *CadenceHandler) Get(c *gin.Context) {
	layer, err := strconv.Atoi(c.Param("layer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{Success: false, Error: err.Error(), Message: "Invalid layer"})
		return
	}
	rules, err := h.rules.Rules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{Success: false, Error: err.Error(), Message: "Cadence rules unavailable"})
		return
	}
	rule, ok := rules[layer]
	if !ok {
		c.JSON(http.StatusNotFound, models.APIResponse{Success: false, Error: "no rule for layer", Message: "Cadence rule not found"})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Cadence rule retrieved", Data: rule})
}

func (h *CadenceHandler) Put(c *gin.Context) {
	layer, err := strconv.Atoi(c.Param("layer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{Success: false, Error: err.Error(), Message: "Invalid layer"})
		return
	}
	var rule models.CadenceRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{Success: false, Error: err.Error(), Message: "Invalid Request Body"})
		return
	}
	rule.LayerID = layer
	if err := h.rules.SetRule(c.Request.Context(), rule); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{Success: false, Error: err.Error(), Message: "Failed to save cadence rule"})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Cadence rule saved", Data: rule})
}
