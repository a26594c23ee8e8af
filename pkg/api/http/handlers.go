package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/opsquery/internal/application/orchestrator"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// QueryResponse is the body returned for a submitted query. Error is set
// when the pipeline stopped early; the trace is returned either way.
type QueryResponse struct {
	Trace *domain.Trace `json:"trace"`
	Error *ErrorDetail  `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := "healthy"
	code := http.StatusOK

	if s.health != nil {
		exec := s.health.GetStatus()
		checks["executor"] = exec
		if !exec.Healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleSubmitQuery runs a query to completion
func (s *Server) handleSubmitQuery(c *gin.Context) {
	var req orchestrator.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	trace, err := s.manager.Submit(c.Request.Context(), req)
	if err != nil {
		status, code := errorStatus(err)
		s.logger.Warn("query stopped early",
			zap.String("code", code),
			zap.Error(err))

		if trace == nil {
			c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}})
			return
		}
		c.JSON(status, QueryResponse{
			Trace: trace,
			Error: &ErrorDetail{Code: code, Message: err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{Trace: trace})
}

// errorStatus maps pipeline errors to an HTTP status and error code
func errorStatus(err error) (int, string) {
	var cycle *domain.CycleError
	switch {
	case errors.As(err, &cycle):
		return http.StatusUnprocessableEntity, "DEPENDENCY_CYCLE"
	case errors.Is(err, domain.ErrInvalidPlan), errors.Is(err, domain.ErrUnknownDependency):
		return http.StatusUnprocessableEntity, "INVALID_PLAN"
	case errors.Is(err, domain.ErrBudgetExhausted):
		return http.StatusGatewayTimeout, "BUDGET_EXHAUSTED"
	case errors.Is(err, domain.ErrAborted):
		return http.StatusConflict, "CANCELLED"
	default:
		return http.StatusInternalServerError, "EXECUTION_FAILED"
	}
}

// handleListActive lists in-flight requests
func (s *Server) handleListActive(c *gin.Context) {
	active := s.manager.Active()
	c.JSON(http.StatusOK, gin.H{
		"traces": active,
		"total":  len(active),
	})
}

// handleListTraces lists stored trace ids
func (s *Server) handleListTraces(c *gin.Context) {
	ids, err := s.manager.ListTraces(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list traces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "STORAGE_ERROR",
				Message: "Failed to list traces",
				Details: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"traces": ids,
		"total":  len(ids),
	})
}

// handleGetTrace returns one trace
func (s *Server) handleGetTrace(c *gin.Context) {
	traceID := c.Param("id")

	trace, err := s.manager.GetTrace(c.Request.Context(), traceID)
	if err != nil {
		if errors.Is(err, domain.ErrTraceNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_FOUND",
					Message: "Trace not found",
				},
			})
			return
		}
		s.logger.Error("failed to get trace", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "STORAGE_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, trace)
}

// handleCancel cancels an in-flight request
func (s *Server) handleCancel(c *gin.Context) {
	traceID := c.Param("id")

	if err := s.manager.Cancel(traceID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_RUNNING",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trace_id":     traceID,
		"status":       "cancelled",
		"cancelled_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleForgetSession drops the control loop state of a session
func (s *Server) handleForgetSession(c *gin.Context) {
	if !s.manager.ForgetSession(c.Param("id")) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Session not found",
			},
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleControlLoop returns the replanning counters of a session
func (s *Server) handleControlLoop(c *gin.Context) {
	sessionID := c.Param("id")

	stats, ok := s.manager.ControlLoopStats(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Session not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"stats":      stats,
	})
}
