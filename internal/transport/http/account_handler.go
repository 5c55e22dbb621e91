package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/account-saga/internal/account"
	"github.com/richardliu001/account-saga/internal/model"
)

func listAccountsHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if q := c.Query("user_id"); q != "" {
			userID, err := strconv.ParseUint(q, 10, 64)
			if err != nil || userID == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
				return
			}
			acc, err := svc.GetByUser(c.Request.Context(), userID)
			switch {
			case errors.Is(err, account.ErrAccountNotFound):
				c.JSON(http.StatusOK, []model.Account{})
			case err != nil:
				writeError(c, err)
			default:
				c.JSON(http.StatusOK, []model.Account{*acc})
			}
			return
		}
		limit, offset := page(c)
		accs, err := svc.List(c.Request.Context(), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, accs)
	}
}

func getAccountHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		acc, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func accountByUserHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := paramID(c, "userId")
		if !ok {
			return
		}
		acc, err := svc.GetByUser(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func balanceHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		bal, err := svc.Balance(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": id, "balance": bal})
	}
}

func accountByNumberHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, err := svc.GetByNumber(c.Request.Context(), c.Param("number"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func createAccountHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req account.CreateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acc, err := svc.Create(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, acc)
	}
}

func updateAccountHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req account.UpdateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acc, err := svc.Update(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func deleteAccountHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func deleteAccountByUserHandler(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := paramID(c, "userId")
		if !ok {
			return
		}
		if err := svc.DeleteByUser(c.Request.Context(), userID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
