package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/account-saga/internal/account"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/richardliu001/account-saga/internal/saga"
	"github.com/richardliu001/account-saga/internal/service"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, saga.ErrSagaNotFound),
		errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateEmail),
		errors.Is(err, saga.ErrSagaInProgress),
		errors.Is(err, account.ErrAccountExists),
		errors.Is(err, account.ErrNonZeroBalance),
		errors.Is(err, repo.ErrOptimisticLock),
		errors.Is(err, repo.ErrNotClaimable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func page(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

func createUserHandler(orch *saga.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req service.CreateUserInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := orch.InitiateUserCreation(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func deleteUserHandler(orch *saga.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		res, err := orch.InitiateUserDeletion(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func updateUserHandler(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req service.UpdateUserInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		u, err := users.UpdateUser(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func getUserHandler(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		u, err := users.GetUser(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func listUsersHandler(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := page(c)
		us, err := users.ListUsers(c.Request.Context(), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, us)
	}
}

func sagaStatusHandler(orch *saga.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := orch.GetSagaStatus(c.Request.Context(), c.Param("saga_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func listSagasHandler(orch *saga.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var status model.SagaStatus
		if q := c.Query("status"); q != "" {
			st, err := saga.ParseStatus(q)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			status = st
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		ss, err := orch.ListSagas(c.Request.Context(), status, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ss)
	}
}

func outboxStatsHandler(ob OutboxAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := ob.Stats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func replayHandler(ob OutboxAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("event_id")
		if err := ob.Replay(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": id, "status": model.OutboxRetry})
	}
}
