package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/account-saga/internal/account"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/saga"
	"github.com/richardliu001/account-saga/internal/service"
	"go.uber.org/zap"
)

// OutboxAdmin is the operator view of a service's outbox.
type OutboxAdmin interface {
	Stats(ctx context.Context) (model.OutboxStats, error)
	Replay(ctx context.Context, eventID string) error
}

// UserAPI holds what the user-service routes call into.
type UserAPI struct {
	Sagas  *saga.Orchestrator
	Users  *service.UserService
	Outbox OutboxAdmin
}

// AccountAPI holds what the account-service routes call into.
type AccountAPI struct {
	Accounts *account.Service
	Outbox   OutboxAdmin
}

// NewUserRouter builds the user-service engine. metrics may be nil.
func NewUserRouter(api UserAPI, metrics http.Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := newEngine(metrics, rl, log)
	v1 := r.Group("/v1")
	{
		v1.POST("/users", createUserHandler(api.Sagas))
		v1.DELETE("/users/:id", deleteUserHandler(api.Sagas))
		v1.GET("/users", listUsersHandler(api.Users))
		v1.GET("/users/:id", getUserHandler(api.Users))
		v1.PUT("/users/:id", updateUserHandler(api.Users))
		v1.PATCH("/users/:id", updateUserHandler(api.Users))
		v1.GET("/sagas", listSagasHandler(api.Sagas))
		v1.GET("/sagas/:saga_id", sagaStatusHandler(api.Sagas))
	}
	registerOutbox(v1, api.Outbox)
	return r
}

// NewAccountRouter builds the account-service engine. metrics may be nil.
func NewAccountRouter(api AccountAPI, metrics http.Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := newEngine(metrics, rl, log)
	v1 := r.Group("/v1")
	{
		v1.GET("/accounts", listAccountsHandler(api.Accounts))
		v1.POST("/accounts", createAccountHandler(api.Accounts))
		v1.GET("/accounts/:id", getAccountHandler(api.Accounts))
		v1.PUT("/accounts/:id", updateAccountHandler(api.Accounts))
		v1.PATCH("/accounts/:id", updateAccountHandler(api.Accounts))
		v1.DELETE("/accounts/:id", deleteAccountHandler(api.Accounts))
		v1.GET("/accounts/:id/balance", balanceHandler(api.Accounts))
		v1.GET("/accounts/user/:userId", accountByUserHandler(api.Accounts))
		v1.DELETE("/accounts/user/:userId", deleteAccountByUserHandler(api.Accounts))
		v1.GET("/accounts/number/:number", accountByNumberHandler(api.Accounts))
	}
	registerOutbox(v1, api.Outbox)
	return r
}

func newEngine(metrics http.Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	return r
}

func registerOutbox(g *gin.RouterGroup, ob OutboxAdmin) {
	if ob == nil {
		return
	}
	g.GET("/outbox/stats", outboxStatsHandler(ob))
	g.POST("/outbox/:event_id/replay", replayHandler(ob))
}
